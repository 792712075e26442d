package audio

import (
	"encoding/json"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Sink receives microphone frames.
type Sink interface {
	Write(frame []byte) bool
	Finish()
}

// Handler accepts 16 kHz 16-bit mono PCM from a browser over a WebSocket.
// Binary messages are audio; a text message {"type":"end"} ends the
// current utterance feed.
type Handler struct {
	sink     Sink
	upgrader websocket.Upgrader
	logger   *log.Logger
}

func New(sink Sink, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		sink: sink,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  8192,
			WriteBufferSize: 1024,
		},
		logger: logger.WithPrefix("audio-ws"),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/audio/ws", h.handleWebSocket)
}

type controlMessage struct {
	Type string `json:"type"`
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	h.logger.Info("microphone connected", "remote", r.RemoteAddr)
	var frames, dropped int
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("read failed", "err", err)
			}
			break
		}

		switch msgType {
		case websocket.BinaryMessage:
			frames++
			if !h.sink.Write(data) {
				dropped++
			}
		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				h.reply(conn, "error", "invalid control message")
				continue
			}
			switch msg.Type {
			case "end":
				h.sink.Finish()
				h.reply(conn, "ended", "")
			case "ping":
				h.reply(conn, "pong", "")
			default:
				h.reply(conn, "error", "unknown control message: "+msg.Type)
			}
		}
	}
	h.logger.Info("microphone disconnected", "frames", frames, "dropped", dropped)
}

func (h *Handler) reply(conn *websocket.Conn, typ, message string) {
	payload := map[string]string{"type": typ}
	if message != "" {
		payload["message"] = message
	}
	if err := conn.WriteJSON(payload); err != nil {
		h.logger.Debug("reply failed", "err", err)
	}
}
