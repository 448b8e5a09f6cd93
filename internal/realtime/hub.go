// Package realtime pushes payment status changes to WebSocket clients. The
// saga is asynchronous; this is how a rider's client learns the outcome
// without polling.
package realtime

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// StatusUpdate is the message pushed when a payment reaches a terminal state.
type StatusUpdate struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// Hub manages WebSocket clients and broadcasts payment updates to them.
type Hub struct {
	connections map[*websocket.Conn]struct{}
	Register    chan *websocket.Conn
	Unregister  chan *websocket.Conn
	Broadcast   chan []byte
	logf        func(format string, args ...any)
	mu          sync.Mutex
}

// NewHub constructs a Hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		Register:    make(chan *websocket.Conn),
		Unregister:  make(chan *websocket.Conn),
		Broadcast:   make(chan []byte),
		logf:        log.Printf,
	}
}

// BroadcastPayment pushes a payment status to every connected client. Safe to
// call from any goroutine; the hub's Run loop does the writing.
func (h *Hub) BroadcastPayment(paymentID, status string) {
	body, err := json.Marshal(StatusUpdate{PaymentID: paymentID, Status: status})
	if err != nil {
		h.logf("realtime: encode status update payment=%s: %v", paymentID, err)
		return
	}
	h.Broadcast <- body
}

// Run processes register/unregister/broadcast events.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.Unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case msg := <-h.Broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}
