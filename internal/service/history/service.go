// Package history keeps the user/assistant log of voice conversations.
package history

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/autoform/client/internal/model/chat"
)

var (
	ErrConversationRequired = errors.New("conversation id is required")
	ErrConversationNotFound = errors.New("conversation not found")
)

// Service is an in-memory log keyed by conversation id.
type Service struct {
	mu       sync.RWMutex
	messages map[string][]chat.Message
}

// NewService returns an empty log.
func NewService() *Service {
	return &Service{messages: make(map[string][]chat.Message)}
}

// Start opens the log for a conversation, replacing any previous one.
func (s *Service) Start(conversationID string) error {
	if conversationID == "" {
		return ErrConversationRequired
	}
	s.mu.Lock()
	s.messages[conversationID] = make([]chat.Message, 0, 16)
	s.mu.Unlock()
	return nil
}

// Append records a message.
func (s *Service) Append(conversationID, role, content string) error {
	if conversationID == "" {
		return ErrConversationRequired
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[conversationID]; !ok {
		return ErrConversationNotFound
	}
	s.messages[conversationID] = append(s.messages[conversationID], chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	})
	return nil
}

// Transcript returns a copy of the log.
func (s *Service) Transcript(conversationID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// Forget drops the log of a conversation.
func (s *Service) Forget(conversationID string) {
	s.mu.Lock()
	delete(s.messages, conversationID)
	s.mu.Unlock()
}
