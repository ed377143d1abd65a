package session

import "errors"

var (
	ErrClosed           = errors.New("session closed")
	ErrNotActive        = errors.New("session not active")
	ErrAlreadyActivated = errors.New("session already activated")
	ErrNoIdentity       = errors.New("session requires an identity")
	ErrNoChannel        = errors.New("session requires a channel")
	ErrSendFailed       = errors.New("send failed")
)

// State is the lifecycle state of a channel session.
type State int

const (
	Unstarted State = iota
	Backfilling
	Live
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Backfilling:
		return "backfilling"
	case Live:
		return "live"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
