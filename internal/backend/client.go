// Package backend talks to the AutoForm REST API: form storage, the voice
// conversation endpoints, speech synthesis and submission.
package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/zhouzirui/autoform/client/internal/model/form"
	"github.com/zhouzirui/autoform/client/internal/model/speech"
)

const maxResponseBytes = 32 << 20

// Client is a thin JSON client. It sets no overall request deadline: calls
// resolve or fail on their own, callers cancel through the context.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger
}

// NewClient returns a client for baseURL. A nil httpClient gets transport
// level timeouts only.
func NewClient(baseURL string, httpClient *http.Client, logger *log.Logger) *Client {
	if httpClient == nil {
		httpClient = newDefaultHTTPClient()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    httpClient,
		logger:  logger.WithPrefix("backend"),
	}
}

func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// BaseURL returns the normalized backend address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type envelope struct {
	Success *bool  `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e envelope) check(op string) error {
	if e.Success != nil && *e.Success {
		return nil
	}
	msg := e.Error
	if msg == "" {
		msg = e.Message
	}
	if msg == "" {
		msg = "request was not successful"
	}
	return &APIError{Op: op, Status: http.StatusOK, Message: msg}
}

// SaveFormResult acknowledges a stored form.
type SaveFormResult struct {
	FormID  string `json:"formId"`
	Message string `json:"message"`
}

// StartResult carries a new conversation id and the agent's opening line.
type StartResult struct {
	ConversationID string
	Message        string
}

// SpeechResult is the backend's answer to one user utterance.
type SpeechResult struct {
	Response string
	// ExtractedData is nil when the reply carries no extracted_data.
	ExtractedData        map[string]any
	AllRequiredCollected bool
}

// CurrentForm fetches the form the backend is configured with.
func (c *Client) CurrentForm(ctx context.Context) (form.Form, error) {
	var out form.Form
	if err := c.do(ctx, "current form", http.MethodGet, "/api/current-form", nil, &out); err != nil {
		return form.Form{}, err
	}
	return out, nil
}

// SaveForm stores a form built on the client and makes it current.
func (c *Client) SaveForm(ctx context.Context, f form.Form) (SaveFormResult, error) {
	var out struct {
		envelope
		FormID string `json:"form_id"`
	}
	const op = "save form"
	if err := c.do(ctx, op, http.MethodPost, "/api/forms", f, &out); err != nil {
		return SaveFormResult{}, err
	}
	if err := out.check(op); err != nil {
		return SaveFormResult{}, err
	}
	return SaveFormResult{FormID: out.FormID, Message: out.Message}, nil
}

// StartConversation opens a voice conversation for the given form.
func (c *Client) StartConversation(ctx context.Context, f form.Form) (StartResult, error) {
	in := struct {
		Form form.Form `json:"form"`
	}{Form: f}
	var out struct {
		envelope
		ConversationID string `json:"conversation_id"`
	}
	const op = "start conversation"
	if err := c.do(ctx, op, http.MethodPost, "/api/voice/start-conversation", in, &out); err != nil {
		return StartResult{}, err
	}
	if err := out.check(op); err != nil {
		return StartResult{}, err
	}
	if out.ConversationID == "" {
		return StartResult{}, &APIError{Op: op, Status: http.StatusOK, Message: "missing conversation_id"}
	}
	return StartResult{ConversationID: out.ConversationID, Message: out.Message}, nil
}

// ProcessSpeech posts one complete user utterance.
func (c *Client) ProcessSpeech(ctx context.Context, conversationID, text string) (SpeechResult, error) {
	in := struct {
		ConversationID string `json:"conversation_id"`
		Text           string `json:"text"`
	}{ConversationID: conversationID, Text: text}
	var out struct {
		envelope
		Response             string         `json:"response"`
		ExtractedData        map[string]any `json:"extracted_data"`
		AllRequiredCollected bool           `json:"all_required_collected"`
	}
	const op = "process speech"
	if err := c.do(ctx, op, http.MethodPost, "/api/voice/process-speech", in, &out); err != nil {
		return SpeechResult{}, err
	}
	if err := out.check(op); err != nil {
		return SpeechResult{}, err
	}
	return SpeechResult{
		Response:             out.Response,
		ExtractedData:        out.ExtractedData,
		AllRequiredCollected: out.AllRequiredCollected,
	}, nil
}

// TextToSpeech asks the backend to synthesize text and decodes the audio.
func (c *Client) TextToSpeech(ctx context.Context, text string) (speech.Audio, error) {
	in := struct {
		Text string `json:"text"`
	}{Text: text}
	var out struct {
		envelope
		AudioData string `json:"audio_data"`
	}
	const op = "text to speech"
	if err := c.do(ctx, op, http.MethodPost, "/api/voice/tts", in, &out); err != nil {
		return speech.Audio{}, err
	}
	if err := out.check(op); err != nil {
		return speech.Audio{}, err
	}
	if out.AudioData == "" {
		return speech.Audio{}, ErrNoAudio
	}
	data, err := base64.StdEncoding.DecodeString(out.AudioData)
	if err != nil {
		return speech.Audio{}, fmt.Errorf("%s: decode audio: %w", op, err)
	}
	return speech.Audio{Data: data, Format: "wav"}, nil
}

// SubmitForm posts reviewed form data.
func (c *Client) SubmitForm(ctx context.Context, sub form.Submission) (form.Receipt, error) {
	var out struct {
		envelope
		SubmissionID string `json:"submission_id"`
	}
	const op = "submit form"
	if err := c.do(ctx, op, http.MethodPost, "/api/submit-form", sub, &out); err != nil {
		return form.Receipt{}, err
	}
	if err := out.check(op); err != nil {
		return form.Receipt{}, err
	}
	return form.Receipt{SubmissionID: out.SubmissionID, Message: out.Message}, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("request failed", "op", op, "err", err)
		return &TransportError{Op: op, URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Op: op, URL: req.URL.String(), Err: err}
	}
	c.logger.Debug("request done", "op", op, "status", resp.StatusCode, "took", time.Since(started))

	if resp.StatusCode >= 300 {
		return &APIError{Op: op, Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	var body envelope
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
