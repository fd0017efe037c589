package relay

import "context"

// streamBuffer bounds in-flight chunks between the decoder and the consumer.
const streamBuffer = 64

// Stream is one in-progress assistant response. Chunks are delivered in
// order; once the channel closes, Err reports how the response ended.
type Stream struct {
	chunks chan string
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		chunks: make(chan string, streamBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Chunks returns the ordered text increments of the response. The channel is
// closed when the response completes or fails.
func (s *Stream) Chunks() <-chan string {
	return s.chunks
}

// Err reports the terminal state of the stream. Only meaningful after Chunks
// has been closed; nil means the response completed normally.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Cancel abandons the response. The page keeps generating; we just stop
// listening.
func (s *Stream) Cancel() {
	s.cancel()
}

// finish records the terminal error and releases readers. Must be called
// exactly once, after the last chunk has been sent.
func (s *Stream) finish(err error) {
	s.err = err
	close(s.chunks)
	close(s.done)
}

// emit hands a chunk to the consumer, giving up if the stream is cancelled.
func (s *Stream) emit(ctx context.Context, chunk string) error {
	select {
	case s.chunks <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
