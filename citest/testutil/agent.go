package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Prompts with these prefixes change how MockAgent replies.
const (
	// PromptFail makes the agent report a session error instead of a reply.
	PromptFail = "fail"
	// PromptHang makes the agent hold the turn open until it is aborted.
	PromptHang = "hang"
)

// MockAgent mimics the agent server's session API for testing. Replies echo
// the prompt word by word over the event feed.
type MockAgent struct {
	server *httptest.Server

	mu       sync.Mutex
	sessions map[string]*agentSession
	feeds    map[chan string]struct{}
	prompts  []AgentPrompt
	aborts   map[string]int
	seq      int

	// ChunkDelay spaces the reply's text updates.
	ChunkDelay time.Duration
}

// AgentPrompt records one prompt the agent received.
type AgentPrompt struct {
	Timestamp time.Time
	SessionID string
	Text      string
}

type agentSession struct {
	id      string
	title   string
	created int64
	history []json.RawMessage
	abort   chan struct{}
}

// NewMockAgent starts a mock agent server with no sessions.
func NewMockAgent() *MockAgent {
	m := &MockAgent{
		sessions:   make(map[string]*agentSession),
		feeds:      make(map[chan string]struct{}),
		aborts:     make(map[string]int),
		ChunkDelay: 20 * time.Millisecond,
	}

	r := chi.NewRouter()
	r.Get("/session/{id}", m.handleGetSession)
	r.Get("/session/{id}/message", m.handleMessages)
	r.Post("/session/{id}/message", m.handlePrompt)
	r.Post("/session/{id}/abort", m.handleAbort)
	r.Get("/event", m.handleEvents)

	m.server = httptest.NewServer(r)
	return m
}

// URL returns the mock agent's URL.
func (m *MockAgent) URL() string {
	return m.server.URL
}

// Close shuts down the mock agent.
func (m *MockAgent) Close() {
	m.server.Close()
}

// AddSession registers a session with an empty history and returns its ID.
func (m *MockAgent) AddSession(title string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("ses_%03d_%s", m.seq, RandomString(6))
	m.sessions[id] = &agentSession{
		id:      id,
		title:   title,
		created: time.Now().UnixMilli(),
		abort:   make(chan struct{}),
	}
	return id
}

// Prompts returns every prompt received for sessionID.
func (m *MockAgent) Prompts(sessionID string) []AgentPrompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AgentPrompt
	for _, p := range m.prompts {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out
}

// Aborts returns how many times sessionID was aborted.
func (m *MockAgent) Aborts(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborts[sessionID]
}

// Reply returns the text the agent answers prompt with.
func Reply(prompt string) string {
	return "echo: " + prompt
}

func (m *MockAgent) session(r *http.Request) (*agentSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[chi.URLParam(r, "id")]
	return s, ok
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(`{"name":"NotFoundError","data":{"message":"session not found"}}`))
}

func (m *MockAgent) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := m.session(r)
	if !ok {
		notFound(w)
		return
	}
	m.mu.Lock()
	body := fmt.Sprintf(`{"id":%q,"title":%q,"directory":"/work","projectID":"mock","version":"1","time":{"created":%d,"updated":%d}}`,
		s.id, s.title, s.created, time.Now().UnixMilli())
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}

func (m *MockAgent) handleMessages(w http.ResponseWriter, r *http.Request) {
	s, ok := m.session(r)
	if !ok {
		notFound(w)
		return
	}
	m.mu.Lock()
	history := append([]json.RawMessage{}, s.history...)
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(history)
}

func (m *MockAgent) handlePrompt(w http.ResponseWriter, r *http.Request) {
	s, ok := m.session(r)
	if !ok {
		notFound(w)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	var req struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	var texts []string
	for _, p := range req.Parts {
		texts = append(texts, p.Text)
	}
	prompt := strings.Join(texts, "\n")

	m.mu.Lock()
	m.seq++
	userID := fmt.Sprintf("msg_%03d_user", m.seq)
	assistantID := fmt.Sprintf("msg_%03d_assistant", m.seq)
	m.prompts = append(m.prompts, AgentPrompt{Timestamp: time.Now(), SessionID: s.id, Text: prompt})
	s.history = append(s.history, json.RawMessage(fmt.Sprintf(
		`{"info":{"id":%q,"sessionID":%q,"role":"user","time":{"created":%d}},"parts":[%s]}`,
		userID, s.id, time.Now().UnixMilli(), partJSON(s.id, userID, userID+"_text", prompt))))
	abort := s.abort
	m.mu.Unlock()

	switch {
	case strings.HasPrefix(prompt, PromptHang):
		select {
		case <-abort:
		case <-r.Context().Done():
		}
		return

	case strings.HasPrefix(prompt, PromptFail):
		m.publish(fmt.Sprintf(`{"type":"session.error","properties":{"sessionID":%q,"error":{"name":"ProviderAuthError","data":{"message":"bad key","providerID":"mock"}}}}`, s.id))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"info":` + assistantJSON(s.id, assistantID, userID, 0, 0) + `,"parts":[]}`))
		return
	}

	reply := Reply(prompt)
	words := strings.Fields(reply)
	info := assistantJSON(s.id, assistantID, userID, len(strings.Fields(prompt)), len(words))
	partID := assistantID + "_text"

	m.publish(`{"type":"message.updated","properties":{"info":` + info + `}}`)
	for i := range words {
		if r.Context().Err() != nil {
			return
		}
		text := strings.Join(words[:i+1], " ")
		m.publish(`{"type":"message.part.updated","properties":{"part":` + partJSON(s.id, assistantID, partID, text) + `}}`)
		time.Sleep(m.ChunkDelay)
	}

	part := partJSON(s.id, assistantID, partID, reply)
	m.mu.Lock()
	s.history = append(s.history, json.RawMessage(`{"info":`+info+`,"parts":[`+part+`]}`))
	m.mu.Unlock()
	m.publish(fmt.Sprintf(`{"type":"session.idle","properties":{"sessionID":%q}}`, s.id))

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"info":` + info + `,"parts":[` + part + `]}`))
}

func (m *MockAgent) handleAbort(w http.ResponseWriter, r *http.Request) {
	s, ok := m.session(r)
	if !ok {
		notFound(w)
		return
	}
	m.mu.Lock()
	m.aborts[s.id]++
	close(s.abort)
	s.abort = make(chan struct{})
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`true`))
}

// handleEvents serves the event feed. The feed is registered before the
// headers go out, so a client that has its response cannot miss a frame.
func (m *MockAgent) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	feed := make(chan string, 256)
	m.mu.Lock()
	m.feeds[feed] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.feeds, feed)
		m.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-feed:
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}
}

func (m *MockAgent) publish(frame string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for feed := range m.feeds {
		select {
		case feed <- frame:
		default:
		}
	}
}

func assistantJSON(sessionID, id, parentID string, in, out int) string {
	return fmt.Sprintf(`{"id":%q,"sessionID":%q,"role":"assistant","time":{"created":%d},"parentID":%q,`+
		`"modelID":"mock-model","providerID":"mock","mode":"build","path":{"cwd":"/work","root":"/work"},"system":[],"cost":0,`+
		`"tokens":{"input":%d,"output":%d,"reasoning":0,"cache":{"read":0,"write":0}}}`,
		id, sessionID, time.Now().UnixMilli(), parentID, in, out)
}

func partJSON(sessionID, messageID, id, text string) string {
	return fmt.Sprintf(`{"id":%q,"messageID":%q,"sessionID":%q,"type":"text","text":%q}`,
		id, messageID, sessionID, text)
}
