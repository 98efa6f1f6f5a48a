package signaling

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/zeta-mv/link-relay/internal/fragment"
)

// WSIngress accepts offer fragments over a plain WebSocket, one fragment per
// text message. It exists for development and tests, where standing up a TURN
// client is overkill; the fragment wire format is identical on both paths.
type WSIngress struct {
	store    *fragment.Store
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewWSIngress(store *fragment.Store, log *slog.Logger) *WSIngress {
	return &WSIngress{
		store: store,
		log:   log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *WSIngress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.log.Debug("fragment websocket connected", "remote", r.RemoteAddr)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.store.Ingest(string(msg))
	}
}
