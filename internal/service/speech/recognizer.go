// Package speech implements a streaming Volcengine speech recognizer over
// the binary WebSocket protocol.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	speechmodel "github.com/zhouzirui/autoform/client/internal/model/speech"
	"github.com/zhouzirui/autoform/client/internal/voice/listening"
)

const (
	DefaultEndpoint = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel"

	resourceDuration   = "volc.bigasr.sauc.duration"
	resourceConcurrent = "volc.bigasr.sauc.concurrent"

	// 200 ms of 16 kHz, 16-bit mono PCM.
	defaultPacketBytes = 6400
	successCode        = 20000000
)

var ErrServer = errors.New("recognition server error")

// AudioSource yields raw PCM. The channel is closed when the source ends.
type AudioSource interface {
	Stream(ctx context.Context) (<-chan []byte, error)
}

// Recognizer starts one WebSocket recognition session per Start.
type Recognizer struct {
	cfg     speechmodel.RecognizerConfig
	source  AudioSource
	dialer  *websocket.Dialer
	retries int
	logger  *log.Logger
}

// NewRecognizer fills config defaults and returns a recognizer reading from
// source.
func NewRecognizer(cfg speechmodel.RecognizerConfig, source AudioSource, logger *log.Logger) (*Recognizer, error) {
	if _, _, err := resolveCredentials(cfg); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errors.New("audio source is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	cfg = withDefaults(cfg)
	return &Recognizer{
		cfg:     cfg,
		source:  source,
		dialer:  &websocket.Dialer{HandshakeTimeout: time.Duration(cfg.HandshakeTimeout) * time.Second},
		retries: 3,
		logger:  logger.WithPrefix("asr"),
	}, nil
}

func withDefaults(cfg speechmodel.RecognizerConfig) speechmodel.RecognizerConfig {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = "bigmodel"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Bits <= 0 {
		cfg.Bits = 16
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.EndWindowSize <= 0 {
		cfg.EndWindowSize = 800
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30
	}
	return cfg
}

type sessionRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec"`
		Rate     int    `json:"rate"`
		Bits     int    `json:"bits"`
		Channel  int    `json:"channel"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn"`
		EnablePunc     bool   `json:"enable_punc"`
		ShowUtterances bool   `json:"show_utterances"`
		ResultType     string `json:"result_type"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type utterance struct {
	Text      string `json:"text"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Definite  bool   `json:"definite"`
}

type serverResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		Text       string      `json:"text"`
		Utterances []utterance `json:"utterances"`
	} `json:"result"`
}

func (r *Recognizer) buildRequest(connectID string) sessionRequest {
	var req sessionRequest
	req.User.UID = connectID
	req.Audio.Language = r.cfg.Language
	req.Audio.Format = "pcm"
	req.Audio.Codec = "raw"
	req.Audio.Rate = r.cfg.SampleRate
	req.Audio.Bits = r.cfg.Bits
	req.Audio.Channel = r.cfg.Channels
	req.Request.ModelName = r.cfg.Model
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"
	req.Request.EndWindowSize = r.cfg.EndWindowSize
	return req
}

func (r *Recognizer) packetBytes() int {
	n := r.cfg.SampleRate * r.cfg.Bits / 8 * r.cfg.Channels / 5
	if n <= 0 {
		return defaultPacketBytes
	}
	return n
}

// Start connects, sends the session parameters and begins streaming audio.
func (r *Recognizer) Start(ctx context.Context) (listening.Stream, error) {
	appID, token, err := resolveCredentials(r.cfg)
	if err != nil {
		return nil, err
	}

	resourceID := resourceDuration
	if r.cfg.ConcurrentMode {
		resourceID = resourceConcurrent
	}
	connectID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := dialWithRetry(ctx, r.dialer, r.cfg.Endpoint, header, r.retries, r.logger)
	if err != nil {
		return nil, err
	}
	logger := r.logger.With("connect_id", connectID)
	if logID := resp.Header.Get("X-Tt-Logid"); logID != "" {
		logger = logger.With("logid", logID)
	}

	payload, err := json.Marshal(r.buildRequest(connectID))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("marshal session request: %w", err)
	}
	payload, err = CompressPayload(payload, GzipCompression)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(NewFullClientRequest(payload, GzipCompression))); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send session request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	audio, err := r.source.Stream(streamCtx)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("open audio source: %w", err)
	}

	s := &stream{
		conn:   conn,
		chunks: make(chan speechmodel.TranscriptChunk, 16),
		cancel: cancel,
		logger: logger,
	}
	go s.send(streamCtx, audio, r.packetBytes())
	go s.receive(streamCtx)
	logger.Info("recognition session opened", "resource", resourceID)
	return s, nil
}

// stream is one live recognition session.
type stream struct {
	conn   *websocket.Conn
	chunks chan speechmodel.TranscriptChunk
	cancel context.CancelFunc
	logger *log.Logger

	writeMu   sync.Mutex
	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func (s *stream) Chunks() <-chan speechmodel.TranscriptChunk { return s.chunks }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *stream) write(msg *Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, EncodeMessage(msg))
}

// send repacks source audio into fixed size packets. The session
// parameters used sequence 1, so audio starts at 2.
func (s *stream) send(ctx context.Context, audio <-chan []byte, packet int) {
	seq := int32(2)
	var pending []byte

	flush := func(data []byte, last bool) error {
		compressed, err := CompressPayload(data, GzipCompression)
		if err != nil {
			return err
		}
		if err := s.write(NewAudioOnlyRequest(compressed, seq, last, GzipCompression)); err != nil {
			return fmt.Errorf("send audio packet %d: %w", seq, err)
		}
		seq++
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-audio:
			if !ok {
				if err := flush(pending, true); err != nil && ctx.Err() == nil {
					s.setErr(err)
				}
				s.logger.Debug("audio source drained", "packets", seq-2)
				return
			}
			pending = append(pending, data...)
			for len(pending) >= packet {
				if err := flush(pending[:packet], false); err != nil {
					if ctx.Err() == nil {
						s.setErr(err)
						s.Close()
					}
					return
				}
				pending = append(pending[:0], pending[packet:]...)
			}
		}
	}
}

// receive decodes server frames into transcript chunks until the session
// ends, then closes the chunk channel.
func (s *stream) receive(ctx context.Context) {
	defer close(s.chunks)
	defer s.Close()

	finalized := 0
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.setErr(fmt.Errorf("read recognition result: %w", err))
			}
			return
		}

		msg, err := DecodeMessage(bytes.NewReader(data))
		if err != nil {
			s.setErr(err)
			return
		}

		switch msg.Header.MessageType {
		case ErrorMessage:
			payload, _ := DecompressPayload(msg.Payload, msg.Header.CompressionMethod)
			s.setErr(fmt.Errorf("%w: code %d: %s", ErrServer, msg.ErrorCode, strings.TrimSpace(string(payload))))
			return
		case FullServerResponse:
			payload, err := DecompressPayload(msg.Payload, msg.Header.CompressionMethod)
			if err != nil {
				s.setErr(err)
				return
			}
			var resp serverResponse
			if err := json.Unmarshal(payload, &resp); err != nil {
				s.logger.Warn("skip undecodable result", "err", err)
				continue
			}
			if resp.Code != 0 && resp.Code != successCode {
				s.setErr(fmt.Errorf("%w: code %d: %s", ErrServer, resp.Code, resp.Message))
				return
			}

			var chunks []speechmodel.TranscriptChunk
			chunks, finalized = utteranceChunks(resp.Result.Utterances, finalized, time.Now())
			for _, c := range chunks {
				select {
				case s.chunks <- c:
				case <-ctx.Done():
					return
				}
			}
			if msg.IsLastPacket() {
				s.logger.Info("recognition session finished")
				return
			}
		}
	}
}

// utteranceChunks maps a full result to chunks: each newly definite
// utterance becomes a final chunk, and the first pending one becomes an
// interim chunk. finalized counts utterances already emitted as final.
func utteranceChunks(utterances []utterance, finalized int, now time.Time) ([]speechmodel.TranscriptChunk, int) {
	var out []speechmodel.TranscriptChunk
	for i := finalized; i < len(utterances); i++ {
		u := utterances[i]
		text := strings.TrimSpace(u.Text)
		if !u.Definite {
			if text != "" {
				out = append(out, speechmodel.TranscriptChunk{
					Text:       text,
					StartTime:  u.StartTime,
					EndTime:    u.EndTime,
					ReceivedAt: now,
				})
			}
			break
		}
		finalized++
		if text == "" {
			continue
		}
		out = append(out, speechmodel.TranscriptChunk{
			Text:       text,
			Final:      true,
			Confidence: 1,
			StartTime:  u.StartTime,
			EndTime:    u.EndTime,
			ReceivedAt: now,
		})
	}
	return out, finalized
}
