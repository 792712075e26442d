package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/zhouzirui/autoform/client/internal/backend"
	"github.com/zhouzirui/autoform/client/internal/model/form"
)

type fakeAPI struct {
	mu        sync.Mutex
	startErr  error
	results   []backend.SpeechResult
	speechErr error
	texts     []string
	block     chan struct{}
	entered   chan struct{}
}

func (f *fakeAPI) StartConversation(context.Context, form.Form) (backend.StartResult, error) {
	if f.startErr != nil {
		return backend.StartResult{}, f.startErr
	}
	return backend.StartResult{ConversationID: "42", Message: "Hello!"}, nil
}

func (f *fakeAPI) ProcessSpeech(_ context.Context, id, text string) (backend.SpeechResult, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.speechErr != nil {
		return backend.SpeechResult{}, f.speechErr
	}
	if len(f.results) == 0 {
		return backend.SpeechResult{Response: "ok", ExtractedData: map[string]any{}}, nil
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res, nil
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func TestSendTurnWithoutConversation(t *testing.T) {
	api := &fakeAPI{}
	c := NewClient(api, nil)

	if _, err := c.SendTurn(context.Background(), "John Smith"); !errors.Is(err, ErrNoActiveConversation) {
		t.Fatalf("expected ErrNoActiveConversation, got %v", err)
	}
	if api.calls() != 0 {
		t.Fatalf("expected no network call, got %d", api.calls())
	}
}

func TestBeginFailure(t *testing.T) {
	c := NewClient(&fakeAPI{startErr: &backend.APIError{Op: "start conversation", Status: 400}}, nil)

	_, err := c.Begin(context.Background(), form.Form{Title: "KYC"})
	if !errors.Is(err, ErrAgentStart) {
		t.Fatalf("expected ErrAgentStart, got %v", err)
	}
	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected wrapped APIError, got %v", err)
	}
	if c.ConversationID() != "" {
		t.Fatal("conversation id set after failed start")
	}
}

func TestSendTurnRejectsBlankText(t *testing.T) {
	api := &fakeAPI{}
	c := NewClient(api, nil)
	if _, err := c.Begin(context.Background(), form.Form{Title: "KYC"}); err != nil {
		t.Fatalf("Begin err: %v", err)
	}

	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := c.SendTurn(context.Background(), text); !errors.Is(err, ErrEmptyUtterance) {
			t.Fatalf("SendTurn(%q): expected ErrEmptyUtterance, got %v", text, err)
		}
	}
	if api.calls() != 0 {
		t.Fatalf("blank text reached the backend %d times", api.calls())
	}
}

func TestSendTurnCompleteStopsFurtherTurns(t *testing.T) {
	api := &fakeAPI{results: []backend.SpeechResult{
		{Response: "Great job!", ExtractedData: map[string]any{"Applicant Name": "John Smith"}, AllRequiredCollected: true},
	}}
	c := NewClient(api, nil)
	greeting, err := c.Begin(context.Background(), form.Form{Title: "KYC"})
	if err != nil || greeting != "Hello!" {
		t.Fatalf("Begin = %q, %v", greeting, err)
	}

	turn, err := c.SendTurn(context.Background(), "  my name is John Smith ")
	if err != nil {
		t.Fatalf("SendTurn err: %v", err)
	}
	if !turn.Complete || turn.UserText != "my name is John Smith" || turn.AssistantText != "Great job!" {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if !c.Complete() {
		t.Fatal("expected client to be complete")
	}

	if _, err := c.SendTurn(context.Background(), "more"); !errors.Is(err, ErrConversationComplete) {
		t.Fatalf("expected ErrConversationComplete, got %v", err)
	}
	if api.calls() != 1 {
		t.Fatalf("expected exactly one backend call, got %d", api.calls())
	}

	c.Reset()
	if c.ConversationID() != "" || c.Complete() {
		t.Fatal("Reset did not clear conversation state")
	}
}

func TestSendTurnFailureIsRetryable(t *testing.T) {
	api := &fakeAPI{speechErr: errors.New("500")}
	c := NewClient(api, nil)
	if _, err := c.Begin(context.Background(), form.Form{Title: "KYC"}); err != nil {
		t.Fatalf("Begin err: %v", err)
	}

	if _, err := c.SendTurn(context.Background(), "hello"); !errors.Is(err, ErrTurnProcessing) {
		t.Fatalf("expected ErrTurnProcessing, got %v", err)
	}

	api.mu.Lock()
	api.speechErr = nil
	api.mu.Unlock()
	if _, err := c.SendTurn(context.Background(), "hello"); err != nil {
		t.Fatalf("retry err: %v", err)
	}
}

func TestSecondTurnWhileInFlightRejected(t *testing.T) {
	api := &fakeAPI{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	c := NewClient(api, nil)
	if _, err := c.Begin(context.Background(), form.Form{Title: "KYC"}); err != nil {
		t.Fatalf("Begin err: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.SendTurn(context.Background(), "first")
		done <- err
	}()
	<-api.entered

	if _, err := c.SendTurn(context.Background(), "second"); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}

	close(api.block)
	if err := <-done; err != nil {
		t.Fatalf("first turn err: %v", err)
	}
}

func TestResetDuringTurnDropsResult(t *testing.T) {
	api := &fakeAPI{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	c := NewClient(api, nil)
	if _, err := c.Begin(context.Background(), form.Form{Title: "KYC"}); err != nil {
		t.Fatalf("Begin err: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.SendTurn(context.Background(), "first")
		done <- err
	}()
	<-api.entered
	c.Reset()
	close(api.block)

	if err := <-done; !errors.Is(err, ErrNoActiveConversation) {
		t.Fatalf("expected ErrNoActiveConversation after reset, got %v", err)
	}
}
