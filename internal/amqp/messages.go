package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"statguard/internal/core"
	"statguard/internal/eventbus"
)

// TransitionMessage is the wire form of an accepted transition. Both
// snapshots travel in full; consumers hold no shared store with the writer.
type TransitionMessage struct {
	ID         string        `json:"id"`
	Event      string        `json:"event"`
	Old        core.Snapshot `json:"old"`
	New        core.Snapshot `json:"new"`
	AcceptedAt time.Time     `json:"accepted_at"`
}

// NewTransitionMessage wraps t for publishing.
func NewTransitionMessage(t eventbus.Transition) *TransitionMessage {
	return &TransitionMessage{
		ID:         t.ID,
		Event:      eventbus.EventTransitionAccepted,
		Old:        t.Old,
		New:        t.New,
		AcceptedAt: t.AcceptedAt,
	}
}

// ToJSON converts the message to JSON bytes
func (m *TransitionMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// Transition unwraps the message.
func (m *TransitionMessage) Transition() eventbus.Transition {
	return eventbus.Transition{
		ID:         m.ID,
		Old:        m.Old,
		New:        m.New,
		AcceptedAt: m.AcceptedAt,
	}
}

// TransitionMessageFromJSON decodes a message and rejects other event kinds
// and messages without a new snapshot.
func TransitionMessageFromJSON(data []byte) (*TransitionMessage, error) {
	var msg TransitionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Event != "" && msg.Event != eventbus.EventTransitionAccepted {
		return nil, fmt.Errorf("unexpected event %q", msg.Event)
	}
	if msg.New.IsZero() {
		return nil, fmt.Errorf("transition %s has no new snapshot", msg.ID)
	}
	return &msg, nil
}
