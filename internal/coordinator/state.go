package coordinator

import (
	"fmt"
	"time"

	"crestron-shades-backend/internal/model"
)

// State is the phase of the polling loop.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateSuccess
	StateAuthFailed
	StateConnectionFailed
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:             "idle",
	StatePolling:          "polling",
	StateSuccess:          "success",
	StateAuthFailed:       "auth_failed",
	StateConnectionFailed: "connection_failed",
	StateFailed:           "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EventKind names a hub-level condition worth telling users about.
type EventKind string

const (
	EventAuthFailed   EventKind = "auth_failed"
	EventDisconnected EventKind = "disconnected"
	EventReconnected  EventKind = "reconnected"
)

// Event is emitted on availability and credential transitions.
type Event struct {
	Hub     string    `json:"hub"`
	Kind    EventKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notifier receives coordinator events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

// Notify calls f(e).
func (f NotifierFunc) Notify(e Event) { f(e) }

// Snapshot is a consistent copy of the coordinator's view of one hub.
type Snapshot struct {
	Hub                 string        `json:"hub"`
	State               State         `json:"state"`
	Available           bool          `json:"available"`
	NeedsReauth         bool          `json:"needs_reauth"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	LastSuccess         time.Time     `json:"last_success"`
	Version             uint64        `json:"version"`
	Shades              []model.Shade `json:"shades"`
}
