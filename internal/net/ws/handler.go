package ws

import (
	nethttp "net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/AntoniZalewski/CityFlow-LLM/internal/state"
)

const writeWait = 10 * time.Second

// ObserverCounter is notified when a downstream subscriber connects or
// disconnects; it drives the adapter's fallback-poll guard.
type ObserverCounter interface {
	ClientConnected()
	ClientDisconnected()
}

type HandlerConfig struct {
	Logger *logrus.Logger
}

// Handler upgrades /ws/state requests and pushes each broadcast snapshot to
// the caller until disconnect.
type Handler struct {
	broadcaster *state.Broadcaster
	observers   ObserverCounter
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
}

func NewHandler(broadcaster *state.Broadcaster, observers ObserverCounter, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		broadcaster: broadcaster,
		observers:   observers,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
	}
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("state subscription upgrade failed")
		return
	}

	sessionID := uuid.NewString()
	logger := h.logger.WithField("session", sessionID)

	sub := h.broadcaster.Subscribe()
	h.observers.ClientConnected()
	defer func() {
		h.broadcaster.Unsubscribe(sub)
		h.observers.ClientDisconnected()
		conn.Close()
		logger.Debug("state subscriber disconnected")
	}()

	logger.Debug("state subscriber connected")

	// The read loop only exists to notice the peer going away; inbound
	// payloads are ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case snap := <-sub:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				logger.WithError(err).Debug("failed to push snapshot to subscriber")
				return
			}
		}
	}
}
