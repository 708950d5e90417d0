package transport

import (
	"errors"
	"fmt"
)

// Kind is the closed classification of outbound send failures. Adapters map
// their wire-level errors onto it; everything above the adapter reasons only
// about kinds.
type Kind int

const (
	// KindUnknown covers transient failures worth retrying on a later turn.
	KindUnknown Kind = iota
	// KindBlocked means the recipient is permanently unreachable (blocked the
	// bot, deactivated account, chat deleted). Terminal for the chat.
	KindBlocked
	// KindFlood means the remote side asked us to back off.
	KindFlood
	// KindLockTimeout means a stuck outbound call was force-aborted by our
	// own wall-clock budget, as opposed to a remote-reported error.
	KindLockTimeout
)

func (k Kind) String() string {
	switch k {
	case KindBlocked:
		return "blocked"
	case KindFlood:
		return "flood"
	case KindLockTimeout:
		return "lock_timeout"
	default:
		return "unknown"
	}
}

// Error is a classified send failure.
type Error struct {
	Kind Kind
	Op   string // adapter operation, e.g. "sendMessage"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsBlocked reports whether err means the recipient is permanently
// unreachable. Used identically by the chat senders and the existence sweep.
func IsBlocked(err error) bool { return kindOf(err) == KindBlocked }

// IsLockTimeout reports whether err came from our own call budget rather
// than the remote side.
func IsLockTimeout(err error) bool { return kindOf(err) == KindLockTimeout }

func kindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}
