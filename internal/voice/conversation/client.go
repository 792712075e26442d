// Package conversation sequences turns against the backend conversation API
// for a single active conversation.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/zhouzirui/autoform/client/internal/backend"
	"github.com/zhouzirui/autoform/client/internal/model/form"
)

var (
	ErrAgentStart           = errors.New("voice agent could not be started")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrTurnProcessing       = errors.New("turn could not be processed")
	ErrTurnInFlight         = errors.New("previous turn has not resolved")
	ErrEmptyUtterance       = errors.New("utterance is empty")
	ErrConversationComplete = errors.New("all required fields already collected")
)

// API is the subset of the backend used for conversations.
type API interface {
	StartConversation(ctx context.Context, f form.Form) (backend.StartResult, error)
	ProcessSpeech(ctx context.Context, conversationID, text string) (backend.SpeechResult, error)
}

// Turn is one user utterance and the assistant's reply.
type Turn struct {
	UserText      string         `json:"userText"`
	AssistantText string         `json:"assistantText"`
	Extracted     map[string]any `json:"extracted"`
	Complete      bool           `json:"complete"`
}

// Client holds the active conversation id. At most one turn is in flight;
// a second SendTurn is rejected rather than queued.
type Client struct {
	api    API
	logger *log.Logger

	mu             sync.Mutex
	conversationID string
	inFlight       bool
	complete       bool
	epoch          uint64
}

// NewClient returns a client without an active conversation.
func NewClient(api API, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{api: api, logger: logger.WithPrefix("conversation")}
}

// Begin starts a conversation for f and returns the agent's opening message.
func (c *Client) Begin(ctx context.Context, f form.Form) (string, error) {
	res, err := c.api.StartConversation(ctx, f)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAgentStart, err)
	}

	c.mu.Lock()
	c.conversationID = res.ConversationID
	c.complete = false
	c.inFlight = false
	c.epoch++
	c.mu.Unlock()

	c.logger.Info("conversation started", "id", res.ConversationID, "form", f.Title)
	return res.Message, nil
}

// SendTurn posts a complete utterance as one turn.
func (c *Client) SendTurn(ctx context.Context, text string) (Turn, error) {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	switch {
	case c.conversationID == "":
		c.mu.Unlock()
		return Turn{}, ErrNoActiveConversation
	case c.complete:
		c.mu.Unlock()
		return Turn{}, ErrConversationComplete
	case text == "":
		c.mu.Unlock()
		return Turn{}, ErrEmptyUtterance
	case c.inFlight:
		c.mu.Unlock()
		return Turn{}, ErrTurnInFlight
	}
	c.inFlight = true
	id, epoch := c.conversationID, c.epoch
	c.mu.Unlock()

	res, err := c.api.ProcessSpeech(ctx, id, text)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		c.logger.Info("dropping turn result for reset conversation", "id", id)
		return Turn{}, fmt.Errorf("%w: conversation %s was reset", ErrNoActiveConversation, id)
	}
	c.inFlight = false
	if err != nil {
		return Turn{}, fmt.Errorf("%w: %w", ErrTurnProcessing, err)
	}

	turn := Turn{
		UserText:      text,
		AssistantText: res.Response,
		Extracted:     res.ExtractedData,
		Complete:      res.AllRequiredCollected,
	}
	if turn.Complete {
		c.complete = true
	}
	c.logger.Info("turn processed", "id", id, "fields", len(turn.Extracted), "complete", turn.Complete)
	return turn, nil
}

// ConversationID returns the active id, or "" when none.
func (c *Client) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Complete reports whether the backend has signalled that every required
// field is collected.
func (c *Client) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

// Reset forgets the active conversation. A turn still in flight resolves
// with ErrNoActiveConversation.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversationID = ""
	c.complete = false
	c.inFlight = false
	c.epoch++
}
