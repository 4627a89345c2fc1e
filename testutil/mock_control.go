package testutil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MockControlServer simulates the attendance server's /ws control channel.
// It broadcasts check-in/check-out messages and records what clients send.
type MockControlServer struct {
	listener net.Listener
	server   *http.Server
	token    string

	mu       sync.Mutex
	conns    []*websocket.Conn
	accepted int
	rejected int
	received []map[string]interface{}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewMockControl creates a mock server. A non-empty token makes the upgrade
// require a matching bearer Authorization header.
func NewMockControl(token string) *MockControlServer {
	return &MockControlServer{token: token}
}

// Start begins listening on a dynamic port
func (m *MockControlServer) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	m.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", m.handleWebSocket)
	m.server = &http.Server{Handler: mux}

	go func() {
		_ = m.server.Serve(m.listener)
	}()
	return nil
}

// Stop closes every client connection and the listener.
func (m *MockControlServer) Stop() error {
	m.DropClients()
	if m.server != nil {
		_ = m.server.Close()
	}
	return nil
}

// URL returns the ws:// address of the control endpoint.
func (m *MockControlServer) URL() string {
	if m.listener == nil {
		return ""
	}
	return "ws://" + m.listener.Addr().String() + "/ws"
}

// Broadcast sends msg as JSON to every connected client.
func (m *MockControlServer) Broadcast(msg interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		_ = c.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := c.WriteJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

// DropClients closes every open connection without a close handshake.
func (m *MockControlServer) DropClients() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		_ = c.Close()
	}
	m.conns = nil
}

// Clients is the number of currently connected clients.
func (m *MockControlServer) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Accepted is the total number of successful upgrades.
func (m *MockControlServer) Accepted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

// Rejected is the number of upgrades refused for a bad credential.
func (m *MockControlServer) Rejected() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected
}

// Received returns every message decoded from clients, in order.
func (m *MockControlServer) Received() []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]interface{}(nil), m.received...)
}

// ReceivedOfType filters Received by the "type" field.
func (m *MockControlServer) ReceivedOfType(typ string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, msg := range m.Received() {
		if msg["type"] == typ {
			out = append(out, msg)
		}
	}
	return out
}

func (m *MockControlServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if m.token != "" && r.Header.Get("Authorization") != "Bearer "+m.token {
		m.mu.Lock()
		m.rejected++
		m.mu.Unlock()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.conns = append(m.conns, conn)
	m.accepted++
	m.mu.Unlock()

	defer m.forget(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		m.mu.Lock()
		m.received = append(m.received, msg)
		m.mu.Unlock()
	}
}

func (m *MockControlServer) forget(conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.conns {
		if c == conn {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			break
		}
	}
	_ = conn.Close()
}
