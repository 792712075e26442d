package audio

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
)

// Relay forwards audio pushed by a remote client, such as a browser
// microphone on a WebSocket, to the active recognition stream. Frames
// written while nobody listens are dropped.
type Relay struct {
	logger *log.Logger

	mu      sync.Mutex
	current chan []byte
	dropped int
}

// NewRelay returns an idle relay.
func NewRelay(logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.Default()
	}
	return &Relay{logger: logger.WithPrefix("relay")}
}

// Stream attaches a new reader, detaching any previous one. The channel is
// closed when ctx ends or the relay ends the feed with Finish.
func (r *Relay) Stream(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte, 64)

	r.mu.Lock()
	if r.current != nil {
		close(r.current)
	}
	r.current = ch
	r.dropped = 0
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		if r.current == ch {
			close(ch)
			r.current = nil
		}
		r.mu.Unlock()
	}()
	return ch, nil
}

// Write hands one frame to the active reader. It never blocks.
func (r *Relay) Write(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	data := append([]byte(nil), frame...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return false
	}
	select {
	case r.current <- data:
		return true
	default:
		r.dropped++
		if r.dropped == 1 || r.dropped%50 == 0 {
			r.logger.Warn("recognizer is lagging, audio dropped", "frames", r.dropped)
		}
		return false
	}
}

// Finish ends the active feed, letting the recognizer flush its last packet.
func (r *Relay) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		close(r.current)
		r.current = nil
	}
}

// Active reports whether a recognition stream is attached.
func (r *Relay) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}
