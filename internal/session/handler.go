package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Handler owns the websocket endpoint. Each accepted connection gets
// its own Session; writes are serialized through a per-connection lock
// because gorilla permits only one concurrent writer.

type Handler struct {
	deps Deps
	cfg  Config
	log  *slog.Logger

	upgrader websocket.Upgrader
}

func NewHandler(deps Deps, cfg Config) *Handler {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		deps: deps,
		cfg:  cfg,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
			// Browser clients connect from the app origin; the JWT on the
			// upgrade request is the actual gate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSender) Send(msg ServerMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(msg)
}

// Serve upgrades the request and runs the read loop until the client
// goes away.
func (h *Handler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sender := &wsSender{conn: conn}
	sess := New(h.deps, h.cfg, sender)
	defer sess.OnDisconnect()

	_ = sender.Send(ServerMessage{"type": MsgConnected})

	ctx := c.Request.Context()
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("websocket read failed", "err", err)
			}
			return
		}
		// A raw binary frame is an implicit audio_chunk.
		if msgType == websocket.BinaryMessage {
			sess.HandleAudioChunk(ctx, payload)
			continue
		}
		var msg ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = sender.Send(errorMsg("messages must be JSON or binary audio"))
			continue
		}
		h.dispatch(ctx, sess, sender, msg)
	}
}

func (h *Handler) dispatch(ctx context.Context, sess *Session, sender *wsSender, msg ClientMessage) {
	switch msg.Type {
	case MsgRegisterPatient:
		if msg.PatientID == "" {
			_ = sender.Send(errorMsg("patientId required"))
			return
		}
		sess.RegisterPatient(msg.PatientID)

	case MsgStartCall:
		if err := sess.StartCall(ctx); err != nil {
			h.log.Warn("start_call failed", "patient_id", msg.PatientID, "err", err)
		}

	case MsgAudioChunk:
		wav, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			_ = sender.Send(errorMsg("audio must be base64"))
			return
		}
		sess.HandleAudioChunk(ctx, wav)

	case MsgRejectCall:
		sess.HandleReject(ctx)

	case MsgEndCall:
		sess.End("client_request")

	default:
		_ = sender.Send(errorMsg("unknown message type"))
	}
}
