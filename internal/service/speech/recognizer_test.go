package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	speechmodel "github.com/zhouzirui/autoform/client/internal/model/speech"
)

type sliceSource struct {
	frames [][]byte
}

func (s sliceSource) Stream(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		for _, f := range s.frames {
			select {
			case ch <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func serverFrame(t *testing.T, resp serverResponse, last bool) []byte {
	t.Helper()
	payload, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	payload, err = CompressPayload(payload, GzipCompression)
	if err != nil {
		t.Fatal(err)
	}
	flags, seq := PositiveSequenceNumber, int32(1)
	if last {
		flags, seq = NegativeSequenceNumber, -1
	}
	return EncodeMessage(&Message{
		Header:      NewHeader(FullServerResponse, flags, JSONSerialization, GzipCompression),
		Sequence:    seq,
		PayloadSize: uint32(len(payload)),
		Payload:     payload,
	})
}

func result(utterances ...utterance) serverResponse {
	var r serverResponse
	r.Code = successCode
	r.Result.Utterances = utterances
	return r
}

func testConfig(endpoint string) speechmodel.RecognizerConfig {
	return speechmodel.RecognizerConfig{AppID: "app", AccessToken: "token", Endpoint: endpoint, Language: "en-US"}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRecognizerStreamsChunks(t *testing.T) {
	headers := make(chan http.Header, 1)
	requests := make(chan sessionRequest, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := DecodeMessage(bytes.NewReader(data))
		if err != nil {
			return
		}
		payload, _ := DecompressPayload(msg.Payload, msg.Header.CompressionMethod)
		var req sessionRequest
		_ = json.Unmarshal(payload, &req)
		requests <- req

		first := true
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			audio, err := DecodeMessage(bytes.NewReader(data))
			if err != nil {
				return
			}
			if first {
				first = false
				conn.WriteMessage(websocket.BinaryMessage, serverFrame(t, result(
					utterance{Text: "John", Definite: true},
					utterance{Text: "Smi"},
				), false))
			}
			if audio.IsLastPacket() {
				conn.WriteMessage(websocket.BinaryMessage, serverFrame(t, result(
					utterance{Text: "John", Definite: true},
					utterance{Text: "Smith", Definite: true},
				), true))
				return
			}
		}
	}))
	defer srv.Close()

	pcm := bytes.Repeat([]byte{0x01, 0x00}, defaultPacketBytes) // two packets
	rec, err := NewRecognizer(testConfig(wsURL(srv)), sliceSource{frames: [][]byte{pcm}}, nil)
	if err != nil {
		t.Fatalf("NewRecognizer err: %v", err)
	}

	stream, err := rec.Start(context.Background())
	if err != nil {
		t.Fatalf("Start err: %v", err)
	}
	defer stream.Close()

	var got []speechmodel.TranscriptChunk
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case c, ok := <-stream.Chunks():
			if !ok {
				done = true
				break
			}
			got = append(got, c)
		case <-timeout:
			t.Fatal("timed out waiting for chunks")
		}
	}

	if err := stream.Err(); err != nil {
		t.Fatalf("stream err: %v", err)
	}
	want := []struct {
		text  string
		final bool
	}{{"John", true}, {"Smi", false}, {"Smith", true}}
	if len(got) != len(want) {
		t.Fatalf("got %d chunks (%+v), want %d", len(got), got, len(want))
	}
	for i, w := range want {
		if got[i].Text != w.text || got[i].Final != w.final {
			t.Errorf("chunk %d = %q final=%v, want %q final=%v", i, got[i].Text, got[i].Final, w.text, w.final)
		}
	}

	h := <-headers
	if h.Get("X-Api-App-Key") != "app" || h.Get("X-Api-Access-Key") != "token" {
		t.Errorf("missing auth headers: %v", h)
	}
	if h.Get("X-Api-Resource-Id") != resourceDuration || h.Get("X-Api-Connect-Id") == "" {
		t.Errorf("unexpected resource headers: %v", h)
	}
	req := <-requests
	if req.Audio.Rate != 16000 || req.Audio.Language != "en-US" || req.Request.ResultType != "full" {
		t.Errorf("unexpected session request %+v", req)
	}
}

func TestRecognizerReportsServerError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		var frame bytes.Buffer
		frame.Write(NewHeader(ErrorMessage, NoSequenceNumber, JSONSerialization, NoCompression).Encode())
		frame.Write([]byte{0, 0, 0, 7, 0, 0, 0, 3})
		frame.WriteString("bad")
		conn.WriteMessage(websocket.BinaryMessage, frame.Bytes())
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	rec, err := NewRecognizer(testConfig(wsURL(srv)), sliceSource{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	stream, err := rec.Start(context.Background())
	if err != nil {
		t.Fatalf("Start err: %v", err)
	}
	for range stream.Chunks() {
	}
	if err := stream.Err(); !errors.Is(err, ErrServer) {
		t.Fatalf("expected ErrServer, got %v", err)
	}
}

func TestRecognizerDialFailsFastOnAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Tt-Logid", "log-1")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	rec, err := NewRecognizer(testConfig(wsURL(srv)), sliceSource{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := rec.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "log-1") {
		t.Fatalf("expected dial error with logid, got %v", err)
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Fatal("auth errors must not be retried")
	}
}

func TestNewRecognizerRequiresCredentials(t *testing.T) {
	if _, err := NewRecognizer(speechmodel.RecognizerConfig{AppID: "app"}, sliceSource{}, nil); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	cfg := speechmodel.RecognizerConfig{AppID: "app", APIKey: "legacy"}
	if !Configured(cfg) {
		t.Fatal("APIKey should be accepted as the access token")
	}
}

func TestUtteranceChunks(t *testing.T) {
	now := time.Unix(0, 0)
	utts := []utterance{
		{Text: "hello", Definite: true},
		{Text: " ", Definite: true},
		{Text: "my name", Definite: false},
		{Text: "is", Definite: false},
	}

	chunks, finalized := utteranceChunks(utts, 0, now)
	if finalized != 2 {
		t.Fatalf("finalized = %d, want 2", finalized)
	}
	if len(chunks) != 2 || !chunks[0].Final || chunks[0].Text != "hello" || chunks[1].Final || chunks[1].Text != "my name" {
		t.Fatalf("unexpected chunks %+v", chunks)
	}

	chunks, finalized = utteranceChunks(utts, finalized, now)
	if finalized != 2 || len(chunks) != 1 || chunks[0].Final {
		t.Fatalf("already finalized utterances must not repeat: %+v", chunks)
	}
}
