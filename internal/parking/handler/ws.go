package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/parkhold/internal/parking/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// lotMessage is one frame of the lot feed. The first frame is a snapshot of
// every spot, later frames carry single changed spots.
type lotMessage struct {
	Type  string        `json:"type"`
	Spots []domain.Spot `json:"spots,omitempty"`
	Spot  *domain.Spot  `json:"spot,omitempty"`
}

func (h *HTTP) watchLot(w http.ResponseWriter, r *http.Request) {
	lotID := chi.URLParam(r, "lotID")
	ctx := r.Context()
	snapshot, updates, err := h.svc.WatchLot(ctx, lotID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// reader: only pongs and the close frame are expected
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if snapshot == nil {
		snapshot = []domain.Spot{}
	}
	if err := write(conn, lotMessage{Type: "snapshot", Spots: snapshot}); err != nil {
		return
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case spot, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			if err := write(conn, lotMessage{Type: "spot", Spot: &spot}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func write(conn *websocket.Conn, msg lotMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
