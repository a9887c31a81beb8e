package conversation

import (
	"time"

	"github.com/somnolab/somnia/internal/model"
)

// state identifies the capture flow position for one user session.
type state int

const (
	stateIdle state = iota
	stateSetting
	stateCharacters
	stateEmotions
	stateLucidity
	stateClarity
	stateTags
	stateConfirm
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateSetting:
		return "capture_setting"
	case stateCharacters:
		return "capture_characters"
	case stateEmotions:
		return "capture_emotions"
	case stateLucidity:
		return "capture_lucidity"
	case stateClarity:
		return "capture_clarity"
	case stateTags:
		return "awaiting_symbol_tags"
	case stateConfirm:
		return "confirm"
	default:
		return "unknown"
	}
}

// session buffers one user's in-progress capture. Nothing reaches the store
// until the user confirms; cancel discards the buffer wholesale.
type session struct {
	state        state
	draft        model.DreamEntry
	lastActivity time.Time

	// generation tags async work (interpretation, protocol) started for this
	// session. Cancel and reset bump it so stale results are discarded.
	generation uint64
}

func (s *session) reset() {
	s.state = stateIdle
	s.draft = model.DreamEntry{}
	s.generation++
}

func (s *session) capturing() bool {
	return s.state != stateIdle
}
