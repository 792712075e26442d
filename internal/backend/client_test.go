package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/autoform/client/internal/model/form"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func newTestServer(t *testing.T, register func(r chi.Router)) *Client {
	t.Helper()
	r := chi.NewRouter()
	register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", nil, nil)
}

func TestCurrentForm(t *testing.T) {
	client := newTestServer(t, func(r chi.Router) {
		r.Get("/api/current-form", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"title": "KYC",
				"fields": []map[string]any{
					{"name": "Applicant Name", "type": "string", "required": true},
					{"name": "Applicant Date of Birth", "type": "date", "required": false},
				},
			})
		})
	})

	f, err := client.CurrentForm(context.Background())
	if err != nil {
		t.Fatalf("CurrentForm err: %v", err)
	}
	if f.Title != "KYC" || len(f.Fields) != 2 {
		t.Fatalf("unexpected form: %+v", f)
	}
	if f.Fields[1].Type != form.FieldDate || f.Fields[1].Required {
		t.Fatalf("unexpected second field: %+v", f.Fields[1])
	}
}

func TestStartConversationSendsForm(t *testing.T) {
	var gotTitle string
	client := newTestServer(t, func(r chi.Router) {
		r.Post("/api/voice/start-conversation", func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				Form form.Form `json:"form"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad body"})
				return
			}
			gotTitle = body.Form.Title
			writeJSON(w, http.StatusOK, map[string]any{
				"success":         true,
				"conversation_id": "1",
				"message":         "Hello! I'll help you complete your KYC.",
			})
		})
	})

	res, err := client.StartConversation(context.Background(), form.Form{Title: "KYC"})
	if err != nil {
		t.Fatalf("StartConversation err: %v", err)
	}
	if gotTitle != "KYC" {
		t.Fatalf("backend received title %q", gotTitle)
	}
	if res.ConversationID != "1" || res.Message == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestProcessSpeechErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		payload    map[string]any
		wantStatus int
	}{
		{name: "http error", status: http.StatusBadRequest, payload: map[string]any{"error": "Invalid conversation ID"}, wantStatus: http.StatusBadRequest},
		{name: "success false", status: http.StatusOK, payload: map[string]any{"success": false, "error": "boom"}, wantStatus: http.StatusOK},
		{name: "success missing", status: http.StatusOK, payload: map[string]any{"response": "hi"}, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		client := newTestServer(t, func(r chi.Router) {
			r.Post("/api/voice/process-speech", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, tt.status, tt.payload)
			})
		})

		_, err := client.ProcessSpeech(context.Background(), "1", "John Smith")
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("%s: expected APIError, got %v", tt.name, err)
		}
		if apiErr.Status != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d", tt.name, apiErr.Status, tt.wantStatus)
		}
	}
}

func TestProcessSpeechResult(t *testing.T) {
	client := newTestServer(t, func(r chi.Router) {
		r.Post("/api/voice/process-speech", func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["conversation_id"] != "7" || body["text"] != "my name is John" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unexpected body"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"success":                true,
				"response":               "Thanks! Could you share your PAN?",
				"extracted_data":         map[string]any{"Applicant Name": "John"},
				"all_required_collected": false,
			})
		})
	})

	res, err := client.ProcessSpeech(context.Background(), "7", "my name is John")
	if err != nil {
		t.Fatalf("ProcessSpeech err: %v", err)
	}
	if res.ExtractedData["Applicant Name"] != "John" || res.AllRequiredCollected {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestProcessSpeechWithoutExtractedData(t *testing.T) {
	client := newTestServer(t, func(r chi.Router) {
		r.Post("/api/voice/process-speech", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"success":  true,
				"response": "Sorry, could you repeat that?",
			})
		})
	})

	res, err := client.ProcessSpeech(context.Background(), "7", "mumble")
	if err != nil {
		t.Fatalf("ProcessSpeech err: %v", err)
	}
	if res.ExtractedData != nil {
		t.Fatalf("expected nil extracted data, got %v", res.ExtractedData)
	}
}

func TestTextToSpeech(t *testing.T) {
	audio := []byte("RIFF....WAVE")
	client := newTestServer(t, func(r chi.Router) {
		r.Post("/api/voice/tts", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"success":    true,
				"audio_data": base64.StdEncoding.EncodeToString(audio),
			})
		})
	})

	got, err := client.TextToSpeech(context.Background(), "hello")
	if err != nil {
		t.Fatalf("TextToSpeech err: %v", err)
	}
	if string(got.Data) != string(audio) || got.Format != "wav" {
		t.Fatalf("unexpected audio: %+v", got)
	}
}

func TestTextToSpeechMissingAudio(t *testing.T) {
	client := newTestServer(t, func(r chi.Router) {
		r.Post("/api/voice/tts", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"success": true})
		})
	})

	if _, err := client.TextToSpeech(context.Background(), "hello"); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("expected ErrNoAudio, got %v", err)
	}
}

func TestSubmitForm(t *testing.T) {
	var got form.Submission
	client := newTestServer(t, func(r chi.Router) {
		r.Post("/api/submit-form", func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&got)
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "submission_id": "3"})
		})
	})

	ts := time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)
	receipt, err := client.SubmitForm(context.Background(), form.Submission{
		FormTitle: "KYC",
		Data:      map[string]any{"Applicant Name": "John Smith"},
		Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("SubmitForm err: %v", err)
	}
	if receipt.SubmissionID != "3" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if got.FormTitle != "KYC" || !got.Timestamp.Equal(ts) || got.Data["Applicant Name"] != "John Smith" {
		t.Fatalf("backend received %+v", got)
	}
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(url, nil, nil)
	_, err := client.CurrentForm(context.Background())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if transportErr.Op != "current form" {
		t.Fatalf("unexpected op %q", transportErr.Op)
	}
}
