package telegram

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/somnolab/somnia/internal/conversation"
)

// Handler consumes one inbound message and produces the reply.
type Handler interface {
	HandleInput(ctx context.Context, userID, chatID int64, username *string, text string) conversation.Message
}

// Poller runs the getUpdates long poll and routes messages to the handler.
type Poller struct {
	client     *Client
	handler    Handler
	timeoutSec int
	log        zerolog.Logger

	offset int64
}

func NewPoller(client *Client, handler Handler, timeoutSec int, log zerolog.Logger) *Poller {
	if timeoutSec <= 0 {
		timeoutSec = 30
	}
	return &Poller{client: client, handler: handler, timeoutSec: timeoutSec, log: log}
}

// Run polls until ctx is canceled. Transport errors back off briefly and the
// loop continues; a failed reply send is logged and dropped, and the offset
// still advances so the same update is not redelivered.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info().Int("timeout_sec", p.timeoutSec).Msg("telegram poller starting")
	for {
		if err := ctx.Err(); err != nil {
			p.log.Info().Msg("telegram poller stopping")
			return err
		}
		updates, err := p.client.GetUpdates(ctx, p.offset, p.timeoutSec)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			p.log.Warn().Err(err).Msg("getUpdates failed, backing off")
			select {
			case <-ctx.Done():
			case <-time.After(3 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			p.handleUpdate(ctx, u)
			p.offset = u.UpdateID + 1
		}
	}
}

func (p *Poller) handleUpdate(ctx context.Context, u Update) {
	if u.Message == nil || u.Message.From == nil || u.Message.Text == "" {
		return
	}
	var username *string
	if u.Message.From.Username != "" {
		name := u.Message.From.Username
		username = &name
	}
	reply := p.handler.HandleInput(ctx, u.Message.From.ID, u.Message.Chat.ID, username, u.Message.Text)
	if err := p.client.Send(ctx, reply); err != nil {
		p.log.Warn().Err(err).Int64("chat_id", reply.ChatID).Msg("reply send failed")
	}
}
