package streaming

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/booking-gateway/sessions"
)

// State is the lifecycle position of a stream.
type State int32

const (
	StateOpening State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const (
	eventEndpoint = "endpoint"
	eventMessage  = "message"
)

var pingFrame = []byte(": ping\n\n")

// stream is the sessions.Sink for one SSE response. All writes happen under
// mu, and nothing is written once the state leaves StateOpen, so the
// ResponseWriter is never touched after Serve returns.
type stream struct {
	w            io.Writer
	f            http.Flusher
	rc           *http.ResponseController
	writeTimeout time.Duration

	mu    sync.Mutex
	state atomic.Int32

	closeOnce sync.Once
	done      chan struct{}
	reason    sessions.CloseReason
}

var _ sessions.Sink = (*stream)(nil)

func newStream(w http.ResponseWriter, f http.Flusher, writeTimeout time.Duration) *stream {
	st := &stream{
		w:            w,
		f:            f,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	st.state.Store(int32(StateOpening))
	return st
}

func (st *stream) State() State { return State(st.state.Load()) }

// Send writes msg as an "event: message" frame. A failed write closes the
// stream with CloseWriteFailed.
func (st *stream) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.State() != StateOpen {
		return sessions.ErrSessionClosed
	}
	if err := st.writeLocked(frame(eventMessage, msg)); err != nil {
		st.Close(sessions.CloseWriteFailed)
		return err
	}
	return nil
}

// ping writes a keep-alive comment. It is not message traffic and does not
// count as session activity.
func (st *stream) ping() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.State() != StateOpen {
		return sessions.ErrSessionClosed
	}
	return st.writeLocked(pingFrame)
}

// Close asks the serve loop to end. The first reason wins.
func (st *stream) Close(reason sessions.CloseReason) {
	st.closeOnce.Do(func() {
		st.reason = reason
		st.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
		st.state.CompareAndSwap(int32(StateOpening), int32(StateClosing))
		close(st.done)
	})
}

// closeReason must only be read after done is closed.
func (st *stream) closeReason() sessions.CloseReason {
	<-st.done
	return st.reason
}

// finish marks the stream closed once any in-flight write has completed.
func (st *stream) finish() {
	st.mu.Lock()
	st.state.Store(int32(StateClosed))
	st.mu.Unlock()
}

func (st *stream) writeLocked(b []byte) error {
	if st.writeTimeout > 0 {
		if err := st.rc.SetWriteDeadline(time.Now().Add(st.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return fmt.Errorf("set write deadline: %w", err)
		}
		defer func() { _ = st.rc.SetWriteDeadline(time.Time{}) }()
	}
	if _, err := st.w.Write(b); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	if err := st.rc.Flush(); err != nil {
		if !errors.Is(err, http.ErrNotSupported) {
			return fmt.Errorf("flush sse frame: %w", err)
		}
		st.f.Flush()
	}
	return nil
}

// frame renders one SSE event. Payload lines are split so that an embedded
// newline cannot terminate the event early.
func frame(event string, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(event) + len(payload) + 24)
	buf.WriteString("event: ")
	buf.WriteString(event)
	buf.WriteByte('\n')
	for {
		line, rest, more := bytes.Cut(payload, []byte{'\n'})
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte{'\r'}))
		buf.WriteByte('\n')
		if !more {
			break
		}
		payload = rest
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}
