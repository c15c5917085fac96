package analysisd

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const hubWriteTimeout = 5 * time.Second

// Hub fans analysis messages out to every websocket subscribed to a novel.
// Dead connections are pruned on the first failed write.
type Hub struct {
	mu    sync.Mutex
	conns map[string][]*websocket.Conn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string][]*websocket.Conn)}
}

func (h *Hub) Register(novelID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[novelID] = append(h.conns[novelID], conn)
}

func (h *Hub) Unregister(novelID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.conns[novelID]
	for i, c := range conns {
		if c == conn {
			h.conns[novelID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.conns[novelID]) == 0 {
		delete(h.conns, novelID)
	}
}

// Broadcast sends one message to every subscriber of a novel. Write errors
// evict the connection; delivery is best effort.
func (h *Hub) Broadcast(novelID string, msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns := h.conns[novelID]
	alive := conns[:0]
	for _, conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			_ = conn.Close()
			continue
		}
		alive = append(alive, conn)
	}
	if len(alive) == 0 {
		delete(h.conns, novelID)
		return
	}
	h.conns[novelID] = alive
}

// SubscriberCount reports how many channels are open for a novel.
func (h *Hub) SubscriberCount(novelID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[novelID])
}
