package host

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Broadcaster pushes host state to connected dashboard clients via WebSocket.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[*websocket.Conn]bool),
	}
}

// HandleWS is the WebSocket upgrade handler for /ws.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("⚠️  WebSocket upgrade failed: %v", err)
		return
	}

	b.mu.Lock()
	b.clients[conn] = true
	n := len(b.clients)
	b.mu.Unlock()

	log.Printf("📊 Dashboard client connected (%d total)", n)

	// Read loop (to detect disconnect)
	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.clients, conn)
			n := len(b.clients)
			b.mu.Unlock()
			conn.Close()
			log.Printf("📊 Dashboard client disconnected (%d remain)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Clients returns the number of connected dashboard clients.
func (b *Broadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HostState is the JSON payload pushed to the dashboard.
type HostState struct {
	Stage         string          `json:"stage"`
	Device        string          `json:"device"`
	Routing       []int           `json:"routing"`
	OutputNames   []string        `json:"output_names"`
	Instances     []InstanceState `json:"instances"`
	TotalBatches  int64           `json:"total_batches"`
	TotalItems    int64           `json:"total_items"`
	TotalBytes    int64           `json:"total_bytes"`
	AvgLatencyUs  int64           `json:"avg_latency_us"`
	LastBatchSize int32           `json:"last_batch_size"`
}

type InstanceState struct {
	ID      string `json:"id"`
	Batches int64  `json:"batches"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Format  string `json:"format,omitempty"`
	AgeMs   int64  `json:"age_ms"`
}

// Broadcast sends the host state to all connected WebSocket clients.
func (b *Broadcaster) Broadcast(state *HostState) {
	data, err := sonnet.Marshal(state)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for conn := range b.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(b.clients, conn)
		}
	}
}
