package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/somnolab/somnia/internal/conversation"
)

type botAPIStub struct {
	mu      sync.Mutex
	sent    []sendMessageRequest
	pending [][]Update
	offsets []int64
}

func (s *botAPIStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sendMessage", func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.sent = append(s.sent, req)
		s.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok": true, "result": {}}`))
	})
	mux.HandleFunc("/getUpdates", func(w http.ResponseWriter, r *http.Request) {
		var req getUpdatesRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.offsets = append(s.offsets, req.Offset)
		var batch []Update
		if len(s.pending) > 0 {
			batch = s.pending[0]
			s.pending = s.pending[1:]
		}
		s.mu.Unlock()
		payload, _ := json.Marshal(batch)
		env, _ := json.Marshal(map[string]json.RawMessage{"ok": json.RawMessage("true"), "result": payload})
		_, _ = w.Write(env)
	})
	return mux
}

func (s *botAPIStub) sentMessages() []sendMessageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sendMessageRequest, len(s.sent))
	copy(out, s.sent)
	return out
}

func update(id, userID, chatID int64, text string) Update {
	var u Update
	raw := map[string]any{
		"update_id": id,
		"message": map[string]any{
			"from": map[string]any{"id": userID, "username": "dreamer"},
			"chat": map[string]any{"id": chatID},
			"text": text,
		},
	}
	b, _ := json.Marshal(raw)
	_ = json.Unmarshal(b, &u)
	return u
}

func TestSendMessageCarriesMenuKeyboard(t *testing.T) {
	stub := &botAPIStub{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()
	c := newClient(srv.URL, zerolog.Nop())

	require.NoError(t, c.Send(context.Background(), conversation.Message{ChatID: 7, Text: "pick one", ShowMenu: true}))
	require.NoError(t, c.Notify(context.Background(), 7, "reality check"))

	sent := stub.sentMessages()
	require.Len(t, sent, 2)
	require.NotNil(t, sent[0].ReplyMarkup)
	require.Equal(t, "new", sent[0].ReplyMarkup.Keyboard[0][0])
	require.Nil(t, sent[1].ReplyMarkup)
}

type echoHandler struct{}

func (echoHandler) HandleInput(_ context.Context, _, chatID int64, username *string, text string) conversation.Message {
	return conversation.Message{ChatID: chatID, Text: "echo: " + text}
}

func TestPollerRoutesUpdatesAndAdvancesOffset(t *testing.T) {
	stub := &botAPIStub{pending: [][]Update{
		{update(10, 1, 100, "hello"), update(11, 1, 100, "new")},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	p := NewPoller(newClient(srv.URL, zerolog.Nop()), echoHandler{}, 1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(stub.sentMessages()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	sent := stub.sentMessages()
	require.Equal(t, "echo: hello", sent[0].Text)
	require.Equal(t, "echo: new", sent[1].Text)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.GreaterOrEqual(t, len(stub.offsets), 2)
	require.Equal(t, int64(0), stub.offsets[0])
	require.Equal(t, int64(12), stub.offsets[len(stub.offsets)-1], "offset must move past handled updates")
}

func TestPollerSkipsNonTextUpdates(t *testing.T) {
	var empty Update
	empty.UpdateID = 20
	stub := &botAPIStub{pending: [][]Update{{empty}}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	p := NewPoller(newClient(srv.URL, zerolog.Nop()), echoHandler{}, 1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		stub.mu.Lock()
		defer stub.mu.Unlock()
		return len(stub.offsets) >= 2 && stub.offsets[len(stub.offsets)-1] == 21
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	require.Empty(t, stub.sentMessages())
}
