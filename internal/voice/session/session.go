// Package session coordinates a voice form-filling session: it starts the
// agent, runs listening turns against the backend and hands the collected
// data over for review and submission.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/zhouzirui/autoform/client/internal/model/chat"
	"github.com/zhouzirui/autoform/client/internal/model/form"
	"github.com/zhouzirui/autoform/client/internal/service/events"
	"github.com/zhouzirui/autoform/client/internal/voice/conversation"
	"github.com/zhouzirui/autoform/client/internal/voice/listening"
)

// ErrInvalidState is returned for operations the current state does not
// allow.
var ErrInvalidState = errors.New("operation not allowed in current session state")

// State of the session.
type State string

const (
	NotStarted     State = "not_started"
	AgentReady     State = "agent_ready"
	AwaitingSpeech State = "awaiting_speech"
	Processing     State = "processing"
	ReviewReady    State = "review_ready"
)

// Backend is the part of the REST API the session drives.
type Backend interface {
	conversation.API
	CurrentForm(ctx context.Context) (form.Form, error)
	SubmitForm(ctx context.Context, sub form.Submission) (form.Receipt, error)
}

// Speaker voices assistant text.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Reporter receives every observable change.
type Reporter interface {
	Publish(events.Event)
}

// History records conversation messages.
type History interface {
	Start(conversationID string) error
	Append(conversationID, role, content string) error
	Forget(conversationID string)
}

// Options wires a session. Only Backend is required; a nil Recognizer runs
// the session without voice input.
type Options struct {
	Backend    Backend
	Recognizer listening.Recognizer
	Speaker    Speaker
	Reporter   Reporter
	History    History
	Logger     *log.Logger
	Now        func() time.Time
}

// Snapshot is a copy of the session at one point in time.
type Snapshot struct {
	State           State          `json:"state"`
	Listening       bool           `json:"listening"`
	SpeechSupported bool           `json:"speechSupported"`
	ConversationID  string         `json:"conversationId,omitempty"`
	Transcript      string         `json:"transcript"`
	Extracted       map[string]any `json:"extracted"`
	Complete        bool           `json:"complete"`
	Form            *form.Form     `json:"form,omitempty"`
}

// Orchestrator owns the session. Mutations happen under mu, never across
// network calls; epoch invalidates results that resolve after a reset.
type Orchestrator struct {
	backend  Backend
	conv     *conversation.Client
	listener *listening.Controller
	speaker  Speaker
	reporter Reporter
	history  History
	logger   *log.Logger
	now      func() time.Time

	plays     chan string
	closed    chan struct{}
	closeOnce sync.Once
	stopPlay  context.CancelFunc

	mu             sync.Mutex
	state          State
	busy           bool
	stopping       bool
	epoch          uint64
	conversationID string
	form           *form.Form
	extracted      map[string]any
}

// New returns an orchestrator in NotStarted.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	o := &Orchestrator{
		backend:   opts.Backend,
		conv:      conversation.NewClient(opts.Backend, logger),
		speaker:   opts.Speaker,
		reporter:  opts.Reporter,
		history:   opts.History,
		logger:    logger.WithPrefix("session"),
		now:       opts.Now,
		state:     NotStarted,
		extracted: map[string]any{},
	}
	if o.reporter == nil {
		o.reporter = nopReporter{}
	}
	if o.history == nil {
		o.history = nopHistory{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.listener = listening.New(opts.Recognizer, observer{o}, logger)

	o.closed = make(chan struct{})
	if o.speaker != nil {
		ctx, cancel := context.WithCancel(context.Background())
		o.stopPlay = cancel
		o.plays = make(chan string, 8)
		go o.playLoop(ctx)
	}
	return o
}

// StartAgent fetches the current form, begins a conversation, speaks the
// greeting and enables listening.
func (o *Orchestrator) StartAgent(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.state != NotStarted || o.busy {
		o.mu.Unlock()
		return "", ErrInvalidState
	}
	o.busy = true
	epoch := o.epoch
	o.mu.Unlock()

	o.status("Starting voice agent...")

	f, err := o.backend.CurrentForm(ctx)
	if err == nil {
		err = f.Validate()
	}
	if err != nil {
		o.release(epoch)
		err = fmt.Errorf("%w: load form: %w", conversation.ErrAgentStart, err)
		o.failure("Failed to load the form", err)
		return "", err
	}

	greeting, err := o.conv.Begin(ctx, f)
	if err != nil {
		o.release(epoch)
		o.failure("Failed to start the voice agent", err)
		return "", err
	}
	id := o.conv.ConversationID()

	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		if o.conv.ConversationID() == id {
			o.conv.Reset()
		}
		return "", fmt.Errorf("%w: session was reset", conversation.ErrNoActiveConversation)
	}
	o.conversationID = id
	o.form = &f
	o.extracted = map[string]any{}
	o.state = AgentReady
	o.mu.Unlock()

	if err := o.history.Start(id); err != nil {
		o.logger.Warn("history start failed", "id", id, "err", err)
	}
	o.publishState(AgentReady)
	o.assistant(id, greeting)

	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		return greeting, nil
	}
	o.state = AwaitingSpeech
	o.busy = false
	o.mu.Unlock()

	o.publishState(AwaitingSpeech)
	if o.listener.Supported() {
		o.status("Voice agent ready. Start speaking when you are ready.")
	} else {
		o.status("Speech recognition is not available. Type your answers instead.")
	}
	o.logger.Info("agent started", "conversation", id, "form", f.Title)
	return greeting, nil
}

// StartListening begins collecting an utterance.
func (o *Orchestrator) StartListening(ctx context.Context) error {
	o.mu.Lock()
	ok := o.ready()
	epoch := o.epoch
	o.mu.Unlock()
	if !ok {
		return ErrInvalidState
	}

	if err := o.listener.Start(ctx); err != nil {
		if errors.Is(err, listening.ErrAlreadyListening) {
			return fmt.Errorf("%w: %w", ErrInvalidState, err)
		}
		o.failure("Could not start listening", err)
		return err
	}

	o.mu.Lock()
	ok = o.epoch == epoch && o.state == AwaitingSpeech
	o.mu.Unlock()
	if !ok {
		o.listener.Stop()
		return ErrInvalidState
	}
	o.status("Listening... speak now.")
	return nil
}

// StopListening ends the utterance and, when something was heard, sends it
// as one turn. It returns the zero Turn when nothing was heard.
func (o *Orchestrator) StopListening(ctx context.Context) (conversation.Turn, error) {
	o.mu.Lock()
	if !o.ready() || o.listener.State() != listening.Listening {
		o.mu.Unlock()
		return conversation.Turn{}, ErrInvalidState
	}
	o.stopping = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.stopping = false
		o.mu.Unlock()
	}()

	text := o.listener.Stop()
	if text == "" {
		o.status("No speech detected. Please try again.")
		return conversation.Turn{}, nil
	}
	return o.runTurn(ctx, text)
}

// Say sends typed text as a turn. It serves sessions without voice input.
func (o *Orchestrator) Say(ctx context.Context, text string) (conversation.Turn, error) {
	o.mu.Lock()
	ok := o.ready()
	o.mu.Unlock()
	if !ok || o.listener.State() == listening.Listening {
		return conversation.Turn{}, ErrInvalidState
	}
	return o.runTurn(ctx, text)
}

func (o *Orchestrator) runTurn(ctx context.Context, text string) (conversation.Turn, error) {
	o.mu.Lock()
	if o.state != AwaitingSpeech || o.busy {
		o.mu.Unlock()
		return conversation.Turn{}, ErrInvalidState
	}
	o.state = Processing
	epoch, id := o.epoch, o.conversationID
	o.mu.Unlock()

	o.publishState(Processing)
	o.status("Processing...")

	turn, err := o.conv.SendTurn(ctx, text)
	if err != nil {
		if !o.transition(epoch, AwaitingSpeech) {
			return conversation.Turn{}, err
		}
		o.publishState(AwaitingSpeech)
		if errors.Is(err, conversation.ErrEmptyUtterance) {
			o.status("No speech detected. Please try again.")
			return conversation.Turn{}, err
		}
		o.failure("Failed to process speech", err)
		return conversation.Turn{}, err
	}

	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		return conversation.Turn{}, fmt.Errorf("%w: session was reset", conversation.ErrNoActiveConversation)
	}
	// A reply without extracted data keeps the previous snapshot.
	if turn.Extracted != nil {
		o.extracted = maps.Clone(turn.Extracted)
	}
	extracted := maps.Clone(o.extracted)
	o.mu.Unlock()

	o.record(id, chat.RoleUser, turn.UserText)
	o.reporter.Publish(events.Event{Type: events.TypeUser, Text: turn.UserText})
	o.reporter.Publish(events.Event{Type: events.TypeExtracted, Data: extracted})
	o.assistant(id, turn.AssistantText)

	next := AwaitingSpeech
	if turn.Complete {
		next = ReviewReady
	}
	if !o.transition(epoch, next) {
		return turn, nil
	}
	o.publishState(next)
	if turn.Complete {
		o.status("All required information collected. Please review the form.")
	}
	return turn, nil
}

// Submit merges reviewer overrides on top of the extracted data, checks the
// required fields and posts the submission. A successful submission resets
// the session.
func (o *Orchestrator) Submit(ctx context.Context, overrides map[string]any) (form.Receipt, error) {
	o.mu.Lock()
	if (o.state != ReviewReady && o.state != AwaitingSpeech) || o.busy || o.form == nil {
		o.mu.Unlock()
		return form.Receipt{}, ErrInvalidState
	}
	if o.listener.State() == listening.Listening {
		o.mu.Unlock()
		return form.Receipt{}, ErrInvalidState
	}
	data := maps.Clone(o.extracted)
	maps.Copy(data, overrides)
	f := o.form.Clone()
	if err := f.CheckRequired(data); err != nil {
		o.mu.Unlock()
		o.failure("Please fill in all required fields", err)
		return form.Receipt{}, err
	}
	o.busy = true
	epoch := o.epoch
	o.mu.Unlock()

	receipt, err := o.backend.SubmitForm(ctx, form.Submission{
		FormTitle: f.Title,
		Data:      data,
		Timestamp: o.now().UTC(),
	})
	if err != nil {
		o.release(epoch)
		o.failure("Failed to submit the form", err)
		return form.Receipt{}, err
	}

	o.logger.Info("form submitted", "form", f.Title, "submission", receipt.SubmissionID)
	o.reporter.Publish(events.Event{
		Type:    events.TypeSubmitted,
		Message: receipt.Message,
		Text:    receipt.SubmissionID,
		Data:    maps.Clone(data),
	})
	o.Reset()
	return receipt, nil
}

// Reset returns the session to NotStarted from any state. Results of calls
// still in flight are discarded.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.epoch++
	id := o.conversationID
	o.conversationID = ""
	o.form = nil
	o.extracted = map[string]any{}
	o.state = NotStarted
	o.busy = false
	o.mu.Unlock()

	o.listener.Stop()
	o.conv.Reset()
	if id != "" {
		o.history.Forget(id)
	}
	o.publishState(NotStarted)
	o.logger.Info("session reset", "conversation", id)
}

// Snapshot returns a copy of the current session.
func (o *Orchestrator) Snapshot() Snapshot {
	listeningNow := o.listener.State() == listening.Listening
	text := o.listener.Transcript()

	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{
		State:           o.state,
		Listening:       listeningNow,
		SpeechSupported: o.listener.Supported(),
		ConversationID:  o.conversationID,
		Transcript:      text,
		Extracted:       maps.Clone(o.extracted),
		Complete:        o.state == ReviewReady,
	}
	if o.form != nil {
		f := o.form.Clone()
		snap.Form = &f
	}
	return snap
}

// Close stops any active listening session and abandons queued playback.
func (o *Orchestrator) Close() {
	o.listener.Close()
	o.closeOnce.Do(func() {
		close(o.closed)
		if o.stopPlay != nil {
			o.stopPlay()
		}
	})
}

// assistant records a reply and queues it for playback. Playback never
// holds up the session.
func (o *Orchestrator) assistant(id, text string) {
	if text == "" {
		return
	}
	o.record(id, chat.RoleAssistant, text)
	o.reporter.Publish(events.Event{Type: events.TypeAssistant, Text: text})
	if o.plays == nil {
		return
	}
	select {
	case o.plays <- text:
	case <-o.closed:
	default:
		o.logger.Warn("playback queue full, reply not spoken", "chars", len(text))
	}
}

// playLoop speaks queued replies one at a time, in order.
func (o *Orchestrator) playLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-o.plays:
			if err := o.speaker.Speak(ctx, text); err != nil && ctx.Err() == nil {
				o.failure("Audio playback failed", err)
			}
		}
	}
}

func (o *Orchestrator) record(id, role, text string) {
	if err := o.history.Append(id, role, text); err != nil {
		o.logger.Debug("history append skipped", "id", id, "err", err)
	}
}

// ready reports whether a new utterance may begin. Callers hold mu.
func (o *Orchestrator) ready() bool {
	return o.state == AwaitingSpeech && !o.busy && !o.stopping
}

// transition moves to next unless a reset happened since epoch.
func (o *Orchestrator) transition(epoch uint64, next State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		return false
	}
	o.state = next
	return true
}

func (o *Orchestrator) release(epoch uint64) {
	o.mu.Lock()
	if o.epoch == epoch {
		o.busy = false
	}
	o.mu.Unlock()
}

func (o *Orchestrator) publishState(s State) {
	o.reporter.Publish(events.Event{Type: events.TypeState, State: string(s)})
}

func (o *Orchestrator) status(msg string) {
	o.reporter.Publish(events.Event{Type: events.TypeStatus, Message: msg})
}

func (o *Orchestrator) failure(msg string, err error) {
	o.logger.Error(msg, "err", err)
	o.reporter.Publish(events.Event{Type: events.TypeError, Message: msg, Text: err.Error()})
}

// observer adapts listening callbacks to session events.
type observer struct{ o *Orchestrator }

func (ob observer) OnInterim(text string) {
	ob.o.reporter.Publish(events.Event{Type: events.TypeInterim, Text: text})
}

func (ob observer) OnFinal(text string) {
	ob.o.reporter.Publish(events.Event{Type: events.TypeFinal, Text: text})
}

func (ob observer) OnFailure(err error) {
	ob.o.failure("Speech recognition stopped, please try again", err)
}

type nopReporter struct{}

func (nopReporter) Publish(events.Event) {}

type nopHistory struct{}

func (nopHistory) Start(string) error                  { return nil }
func (nopHistory) Append(string, string, string) error { return nil }
func (nopHistory) Forget(string)                       {}
