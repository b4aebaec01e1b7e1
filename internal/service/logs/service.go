package logs

import (
	"encoding/json"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/carecanvas/deployd/internal/ws"
)

const defaultBuffer = 200

// Event is one captured line of a project's dev-server output.
type Event struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Source    string    `json:"source"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// Sources an event can originate from.
const (
	SourceDevServer = "dev-server"
	SourceSystem    = "system"
)

// Service keeps a bounded ring of recent output per project and streams
// new lines to websocket subscribers. Nothing is persisted; the buffer
// exists so a client attaching mid-deploy still sees recent context.
type Service struct {
	mu     sync.Mutex
	rings  map[string][]Event
	buffer int
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a log service with the given per-project buffer size.
func New(hub *ws.Hub, logger *slog.Logger, buffer int) *Service {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Service{
		rings:  make(map[string][]Event),
		buffer: buffer,
		hub:    hub,
		logger: logger,
	}
}

// Append records a line and broadcasts it to the project's subscribers.
func (s *Service) Append(projectID, source, line string) {
	event := Event{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Source:    source,
		Line:      line,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	ring := append(s.rings[projectID], event)
	if len(ring) > s.buffer {
		ring = ring[len(ring)-s.buffer:]
	}
	s.rings[projectID] = ring
	s.mu.Unlock()

	s.broadcast(event)
}

// Recent returns a snapshot of the buffered events for a project, oldest
// first.
func (s *Service) Recent(projectID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := s.rings[projectID]
	out := make([]Event, len(ring))
	copy(out, ring)
	return out
}

// Drop discards the buffer for a project. Called when the project is
// deleted.
func (s *Service) Drop(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rings, projectID)
}

// Hub exposes the websocket hub for HTTP handlers.
func (s *Service) Hub() *ws.Hub {
	return s.hub
}

func (s *Service) broadcast(event Event) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to marshal log event", "project_id", event.ProjectID, "error", err)
		}
		return
	}
	s.hub.Broadcast(event.ProjectID, payload)
}
