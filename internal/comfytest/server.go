// Package comfytest provides an in-process fake execution server for tests.
package comfytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/lamim/comfyremote/pkg/models"
)

// Server mimics the control plane and event stream of an execution server
type Server struct {
	*httptest.Server

	// Token, when set, is required as a bearer header or token query param
	Token string

	// OnPrompt runs after a prompt is accepted; tests use it to script events
	OnPrompt func(req models.PromptRequest, promptID string)

	mu             sync.Mutex
	upgrader       websocket.Upgrader
	sockets        map[string]*websocket.Conn
	writeMu        map[string]*sync.Mutex
	upgrades       int
	nextID         int
	prompts        []models.PromptRequest
	queue          models.QueueSnapshot
	history        map[string]models.HistoryEntry
	files          map[string][]byte
	interrupts     []string
	rejectStatus   int
	rejectBody     string
	queueFailures  int
	queueRequests  int
	refuseStreams  int
	promptRequests int
}

// NewServer starts a fake server that is closed when the test ends
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		sockets: make(map[string]*websocket.Conn),
		writeMu: make(map[string]*sync.Mutex),
		history: make(map[string]models.HistoryEntry),
		files:   make(map[string][]byte),
		queue: models.QueueSnapshot{
			Running: []models.QueueEntry{},
			Pending: []models.QueueEntry{},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleStream)
	mux.HandleFunc("POST /prompt", s.handlePrompt)
	mux.HandleFunc("GET /queue", s.handleGetQueue)
	mux.HandleFunc("POST /queue", s.handlePostQueue)
	mux.HandleFunc("POST /interrupt", s.handleInterrupt)
	mux.HandleFunc("GET /history/{id}", s.handleHistory)
	mux.HandleFunc("GET /view", s.handleView)

	s.Server = httptest.NewServer(s.authorize(mux))
	t.Cleanup(func() {
		s.DropStreams()
		s.Server.Close()
	})
	return s
}

// Host returns the server's host
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Listener.Addr().String())
	return host
}

// Port returns the server's port
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Endpoint returns a plaintext endpoint pointing at the server
func (s *Server) Endpoint() models.Endpoint {
	return models.Endpoint{Host: s.Host(), Port: s.Port(), TLS: models.TLSNever, Token: s.Token}
}

// RejectPrompts makes POST /prompt answer with status and body
func (s *Server) RejectPrompts(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectStatus, s.rejectBody = status, body
}

// FailQueueReads makes the next n GET /queue calls answer 503
func (s *Server) FailQueueReads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueFailures = n
}

// RefuseStreams makes the next n websocket handshakes fail with 503
func (s *Server) RefuseStreams(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuseStreams = n
}

// SetQueue replaces the queue contents
func (s *Server) SetQueue(q models.QueueSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = q
}

// SetHistory records a history entry for promptID
func (s *Server) SetHistory(promptID string, entry models.HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[promptID] = entry
}

// AddFile makes artifact downloadable through /view
func (s *Server) AddFile(a models.Artifact, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[fileKey(string(a.Type), a.Subfolder, a.Filename)] = data
}

// Prompts returns every accepted prompt request
func (s *Server) Prompts() []models.PromptRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PromptRequest(nil), s.prompts...)
}

// Interrupts returns the prompt ids of interrupt calls ("" for a bare interrupt)
func (s *Server) Interrupts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.interrupts...)
}

// Upgrades returns how many websocket connections were accepted
func (s *Server) Upgrades() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upgrades
}

// QueueRequests returns how many GET /queue calls were served
func (s *Server) QueueRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueRequests
}

// PromptRequests returns how many POST /prompt calls were received
func (s *Server) PromptRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptRequests
}

// Connected reports whether clientID has an open stream
func (s *Server) Connected(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sockets[clientID]
	return ok
}

// WaitConnected blocks until clientID has an open stream
func (s *Server) WaitConnected(t testing.TB, clientID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !s.Connected(clientID) {
		if time.Now().After(deadline) {
			t.Fatalf("client %s never connected", clientID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// SendEvent writes a {type, data} frame to clientID
func (s *Server) SendEvent(clientID, eventType string, data any) error {
	payload, err := json.Marshal(map[string]any{"type": eventType, "data": data})
	if err != nil {
		return err
	}
	return s.SendRaw(clientID, websocket.TextMessage, payload)
}

// SendRaw writes an arbitrary frame to clientID
func (s *Server) SendRaw(clientID string, messageType int, data []byte) error {
	s.mu.Lock()
	ws, ok := s.sockets[clientID]
	wmu := s.writeMu[clientID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("client %s is not connected", clientID)
	}
	wmu.Lock()
	defer wmu.Unlock()
	return ws.WriteMessage(messageType, data)
}

// DropStreams closes every open stream without a close frame
func (s *Server) DropStreams() {
	s.mu.Lock()
	sockets := s.sockets
	s.sockets = make(map[string]*websocket.Conn)
	s.mu.Unlock()

	for _, ws := range sockets {
		_ = ws.Close()
	}
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" &&
			r.Header.Get("Authorization") != "Bearer "+s.Token &&
			r.URL.Query().Get("token") != s.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.refuseStreams > 0 {
		s.refuseStreams--
		s.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	clientID := r.URL.Query().Get("clientId")

	s.mu.Lock()
	s.upgrades++
	s.sockets[clientID] = ws
	s.writeMu[clientID] = &sync.Mutex{}
	remaining := len(s.queue.Running) + len(s.queue.Pending)
	s.mu.Unlock()

	_ = s.SendEvent(clientID, "status", map[string]any{
		"status": map[string]any{"exec_info": map[string]any{"queue_remaining": remaining}},
		"sid":    clientID,
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}

	s.mu.Lock()
	if s.sockets[clientID] == ws {
		delete(s.sockets, clientID)
	}
	s.mu.Unlock()
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req models.PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.promptRequests++
	if s.rejectStatus != 0 {
		status, body := s.rejectStatus, s.rejectBody
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
		return
	}
	s.nextID++
	number := s.nextID
	promptID := fmt.Sprintf("prompt-%d", number)
	s.prompts = append(s.prompts, req)
	s.queue.Pending = append(s.queue.Pending, models.QueueEntry{Number: float64(number), PromptID: promptID})
	onPrompt := s.OnPrompt
	s.mu.Unlock()

	writeJSON(w, models.PromptResponse{PromptID: promptID, Number: number, NodeErrors: json.RawMessage("{}")})

	if onPrompt != nil {
		go onPrompt(req, promptID)
	}
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.queueRequests++
	if s.queueFailures > 0 {
		s.queueFailures--
		s.mu.Unlock()
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	q := s.queue
	s.mu.Unlock()
	writeJSON(w, q)
}

func (s *Server) handlePostQueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delete []string `json:"delete"`
		Clear  bool     `json:"clear"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if req.Clear {
		s.queue.Pending = []models.QueueEntry{}
	}
	if len(req.Delete) > 0 {
		drop := make(map[string]bool, len(req.Delete))
		for _, id := range req.Delete {
			drop[id] = true
		}
		kept := []models.QueueEntry{}
		for _, e := range s.queue.Pending {
			if !drop[e.PromptID] {
				kept = append(kept, e)
			}
		}
		s.queue.Pending = kept
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PromptID string `json:"prompt_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.mu.Lock()
	s.interrupts = append(s.interrupts, req.PromptID)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	entry, ok := s.history[id]
	s.mu.Unlock()

	out := map[string]models.HistoryEntry{}
	if ok {
		out[id] = entry
	}
	writeJSON(w, out)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	data, ok := s.files[fileKey(q.Get("type"), q.Get("subfolder"), q.Get("filename"))]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func fileKey(typ, subfolder, filename string) string {
	return typ + "/" + subfolder + "/" + filename
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
