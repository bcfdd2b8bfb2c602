package mcpwire

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
)

const (
	headerSessionID   = "Mcp-Session-Id"
	headerLastEventID = "Last-Event-ID"
)

// Session ids are opaque but bounded: alphanumeric plus hyphen and underscore,
// 8 to 128 characters. Anything else is rejected rather than echoed back.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// sessionState tracks the server-issued session identifier and the last seen
// event id for the HTTP-based transports. Both are captured from responses and
// replayed on subsequent requests; neither is ever invented client-side.
//
// The tracker carries its own small mutex because it is consulted on the
// send path, outside the connection state lock.
type sessionState struct {
	mu          sync.Mutex
	id          string
	lastEventID string
}

// captureFromResponse reads the session id header from an initialize response.
// An id that fails the validity pattern is logged and discarded, leaving no
// session id set; that is not an error.
func (s *sessionState) captureFromResponse(h http.Header, logger *slog.Logger) {
	v := h.Get(headerSessionID)
	if v == "" {
		return
	}
	if !sessionIDPattern.MatchString(v) {
		logger.Warn("rejecting invalid session id", slog.String("sessionID", v))
		return
	}
	s.mu.Lock()
	s.id = v
	s.mu.Unlock()
}

// annotateRequest attaches the session id header (except on initialize
// requests, which precede any session) and the last-event-id header whenever
// one is known, so a dropped stream can be resumed.
func (s *sessionState) annotateRequest(h http.Header, isInitialize bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != "" && !isInitialize {
		h.Set(headerSessionID, s.id)
	}
	if s.lastEventID != "" {
		h.Set(headerLastEventID, s.lastEventID)
	}
}

// captureEventID updates the last-event id from a parsed response frame that
// carries one.
func (s *sessionState) captureEventID(ev sseEvent) {
	if !ev.hasID {
		return
	}
	s.mu.Lock()
	s.lastEventID = ev.ID
	s.mu.Unlock()
}

func (s *sessionState) sessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *sessionState) clear() {
	s.mu.Lock()
	s.id = ""
	s.lastEventID = ""
	s.mu.Unlock()
}

// terminate issues an HTTP DELETE carrying the session header to explicitly
// end the server-side session. Whatever the outcome, the local session id is
// cleared; the return value reports whether the server acknowledged the
// termination.
func (s *sessionState) terminate(
	ctx context.Context,
	client *http.Client,
	endpoint string,
	logger *slog.Logger,
) (bool, error) {
	s.mu.Lock()
	id := s.id
	s.id = ""
	s.lastEventID = ""
	s.mu.Unlock()

	if id == "" {
		return false, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set(headerSessionID, id)

	resp, err := client.Do(req)
	if err != nil {
		logger.Warn("failed to terminate session", slog.Any("err", err))
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logger.Warn("session termination not acknowledged", slog.Int("status", resp.StatusCode))
		return false, nil
	}
	return true, nil
}
