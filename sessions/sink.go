package sessions

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound is returned when no live session has the given ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when pushing to a session whose sink has
	// been detached.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidSessionID rejects empty or malformed session IDs.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrSessionOwned rejects taking over a live session that belongs to
	// another user.
	ErrSessionOwned = errors.New("session id is owned by another user")
)

// Sink is the outbound half of a session's stream.
type Sink interface {
	// Send writes one message frame. It returns an error if the stream is no
	// longer writable; callers never retry.
	Send(ctx context.Context, msg []byte) error
	// Close asks the stream to shut down. It must not block.
	Close(reason CloseReason)
}

// CloseReason records why a session ended.
type CloseReason string

const (
	CloseClientGone  CloseReason = "client_gone"
	CloseReplaced    CloseReason = "replaced"
	CloseIdle        CloseReason = "idle"
	CloseWriteFailed CloseReason = "write_failed"
	CloseShutdown    CloseReason = "shutdown"
	CloseDeleted     CloseReason = "deleted"
)

// Observer receives session lifecycle signals.
type Observer interface {
	SessionOpened(sess *Session)
	SessionClosed(sess *Session, reason CloseReason)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Opened func(sess *Session)
	Closed func(sess *Session, reason CloseReason)
}

func (o ObserverFuncs) SessionOpened(sess *Session) {
	if o.Opened != nil {
		o.Opened(sess)
	}
}

func (o ObserverFuncs) SessionClosed(sess *Session, reason CloseReason) {
	if o.Closed != nil {
		o.Closed(sess, reason)
	}
}
