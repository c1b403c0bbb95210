package pusher

import (
	"context"
	"sync"

	"github.com/erauner12/syncbridge/internal/protocol"
)

// subscriptionBuffer bounds how far the producer can run ahead of a
// slow consumer before Push blocks.
const subscriptionBuffer = 16

// Subscription is the per-client stream of downstream messages. The
// pusher loop is the single producer; the transport goroutine serving
// the client's connection is the single consumer.
//
// Termination is one-shot. Fail records an error, Close and Cancel end
// the stream cleanly. Messages pushed before termination are still
// delivered to the consumer, in order, before Recv reports the end.
type Subscription struct {
	ch   chan protocol.Downstream
	done chan struct{}

	mu      sync.Mutex
	err     error
	ended   bool
	cleanup func()
}

func newSubscription(cleanup func()) *Subscription {
	return &Subscription{
		ch:      make(chan protocol.Downstream, subscriptionBuffer),
		done:    make(chan struct{}),
		cleanup: cleanup,
	}
}

// Push delivers one message to the consumer. It blocks while the
// consumer's buffer is full and returns ErrStreamClosed once the
// stream has terminated.
func (s *Subscription) Push(ctx context.Context, msg protocol.Downstream) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	default:
	}
	select {
	case s.ch <- msg:
		return nil
	case <-s.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next message. After termination it first drains any
// buffered messages, then returns ErrStreamDone for a clean end or the
// error passed to Fail.
func (s *Subscription) Recv(ctx context.Context) (protocol.Downstream, error) {
	select {
	case msg := <-s.ch:
		return msg, nil
	default:
	}
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		// Buffered messages outrank the terminal state.
		select {
		case msg := <-s.ch:
			return msg, nil
		default:
		}
		return protocol.Downstream{}, s.terminalErr()
	case <-ctx.Done():
		return protocol.Downstream{}, ctx.Err()
	}
}

// Fail terminates the stream with err. The consumer sees err from Recv
// once buffered messages are drained.
func (s *Subscription) Fail(err error) {
	s.end(err)
}

// Close ends the stream cleanly from the producer side.
func (s *Subscription) Close() {
	s.end(nil)
}

// Cancel ends the stream from the consumer side, typically when the
// client disconnects.
func (s *Subscription) Cancel() {
	s.end(nil)
}

// Done is closed when the stream has terminated for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the failure recorded by Fail, or nil for a clean end. It
// is only meaningful after Done is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) end(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.err = err
	cleanup := s.cleanup
	s.mu.Unlock()

	close(s.done)
	if cleanup != nil {
		cleanup()
	}
}

func (s *Subscription) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return ErrStreamDone
}
