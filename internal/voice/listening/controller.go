// Package listening wraps a continuous speech recognition capability and
// collects its final output between Start and Stop.
package listening

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/zhouzirui/autoform/client/internal/model/speech"
	"github.com/zhouzirui/autoform/client/internal/voice/transcript"
)

var (
	ErrUnsupportedCapability = errors.New("speech recognition is not available")
	ErrRecognitionFailure    = errors.New("speech recognition failed")
	ErrAlreadyListening      = errors.New("already listening")

	errStreamsEnded = errors.New("recognition streams keep ending without output")
)

const (
	defaultRestartBackoff = 250 * time.Millisecond
	defaultMaxRestarts    = 3
)

// State of the controller.
type State int

const (
	Idle State = iota
	Listening
)

func (s State) String() string {
	if s == Listening {
		return "listening"
	}
	return "idle"
}

// Stream is one running recognition session. Chunks is closed when the
// session ends for any reason; Err then reports why (nil for a clean end).
type Stream interface {
	Chunks() <-chan speech.TranscriptChunk
	Err() error
	Close() error
}

// Recognizer starts recognition streams.
type Recognizer interface {
	Start(ctx context.Context) (Stream, error)
}

// Observer receives live recognition output. Callbacks run on the
// recognition goroutine, one at a time, and must not call back into the
// controller synchronously.
type Observer interface {
	OnInterim(text string)
	OnFinal(text string)
	OnFailure(err error)
}

// Controller runs the Idle → Listening → Idle state machine.
type Controller struct {
	recognizer Recognizer
	observer   Observer
	logger     *log.Logger

	// Restarts of streams that produced nothing back off linearly and give
	// up after maxRestarts in a row.
	restartBackoff time.Duration
	maxRestarts    int

	mu     sync.Mutex
	state  State
	gen    uint64
	acc    transcript.Accumulator
	stream Stream
	cancel context.CancelFunc
}

// New returns a controller. A nil recognizer leaves the controller in
// degraded mode where Start always fails with ErrUnsupportedCapability.
func New(recognizer Recognizer, observer Observer, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Controller{
		recognizer: recognizer,
		observer:   observer,
		logger:     logger.WithPrefix("listening"),

		restartBackoff: defaultRestartBackoff,
		maxRestarts:    defaultMaxRestarts,
	}
}

// Supported reports whether a recognizer is configured.
func (c *Controller) Supported() bool {
	return c.recognizer != nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns the text accumulated so far in this listening session.
func (c *Controller) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acc.Current()
}

// Start clears the accumulated text and begins recognition. The stream
// outlives ctx's cancellation; only Stop ends it.
func (c *Controller) Start(ctx context.Context) error {
	if c.recognizer == nil {
		return ErrUnsupportedCapability
	}

	c.mu.Lock()
	if c.state == Listening {
		c.mu.Unlock()
		return ErrAlreadyListening
	}
	c.gen++
	gen := c.gen
	c.acc.Reset()
	c.state = Listening
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	stream, err := c.recognizer.Start(runCtx)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.state = Idle
			c.cancel = nil
		}
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %w", ErrRecognitionFailure, err)
	}

	if !c.attach(gen, stream) {
		// Stop won the race while the recognizer was starting.
		stream.Close()
		return nil
	}

	c.logger.Info("listening started")
	go c.run(runCtx, gen, stream)
	return nil
}

// Stop ends the listening session and returns the trimmed accumulated
// text. Calling Stop while Idle is a no-op returning "".
func (c *Controller) Stop() string {
	c.mu.Lock()
	if c.state != Listening {
		c.mu.Unlock()
		return ""
	}
	c.state = Idle
	c.gen++
	stream, cancel := c.stream, c.cancel
	c.stream, c.cancel = nil, nil
	text := c.acc.Current()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			c.logger.Debug("close recognition stream", "err", err)
		}
	}
	c.logger.Info("listening stopped", "chars", len(text))
	return text
}

// Close releases the recognition capability on teardown.
func (c *Controller) Close() {
	c.Stop()
}

func (c *Controller) attach(gen uint64, stream Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Listening || c.gen != gen {
		return false
	}
	c.stream = stream
	return true
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Listening && c.gen == gen
}

// run drains a stream and restarts recognition whenever the stream ends
// while the session is still listening and Stop was not requested. A stream
// that fails before producing any text, or too many silent streams in a row,
// count as a failed restart.
func (c *Controller) run(ctx context.Context, gen uint64, stream Stream) {
	silent := 0
	for {
		heard := false
		for chunk := range stream.Chunks() {
			if c.deliver(gen, chunk) {
				heard = true
			}
		}

		if ctx.Err() != nil || !c.current(gen) {
			return
		}

		streamErr := stream.Err()
		if heard {
			silent = 0
		} else {
			if streamErr != nil {
				c.fail(gen, streamErr)
				return
			}
			silent++
			if silent >= c.maxRestarts {
				c.fail(gen, errStreamsEnded)
				return
			}
		}

		c.logger.Warn("recognition ended unexpectedly, restarting", "err", streamErr, "silent", silent)
		if silent > 0 && !c.wait(ctx, time.Duration(silent)*c.restartBackoff) {
			return
		}
		next, err := c.recognizer.Start(ctx)
		if err != nil {
			c.fail(gen, err)
			return
		}
		if !c.attach(gen, next) {
			next.Close()
			return
		}
		stream = next
	}
}

func (c *Controller) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// deliver reports whether the chunk was accepted.
func (c *Controller) deliver(gen uint64, chunk speech.TranscriptChunk) bool {
	text := strings.TrimSpace(chunk.Text)
	if text == "" {
		return false
	}

	c.mu.Lock()
	if c.state != Listening || c.gen != gen {
		c.mu.Unlock()
		c.logger.Debug("discarding chunk after stop", "final", chunk.Final)
		return false
	}
	if chunk.Final {
		c.acc.Append(text)
	}
	c.mu.Unlock()

	if chunk.Final {
		c.observer.OnFinal(text)
	} else {
		c.observer.OnInterim(text)
	}
	return true
}

func (c *Controller) fail(gen uint64, cause error) {
	c.mu.Lock()
	if c.state != Listening || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = Idle
	c.gen++
	cancel := c.cancel
	c.stream, c.cancel = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := fmt.Errorf("%w: restart: %w", ErrRecognitionFailure, cause)
	c.logger.Error("recognition restart failed", "err", cause)
	c.observer.OnFailure(err)
}

type nopObserver struct{}

func (nopObserver) OnInterim(string) {}
func (nopObserver) OnFinal(string)   {}
func (nopObserver) OnFailure(error)  {}
