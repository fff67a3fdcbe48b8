package mcp

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// generateSessionID creates a cryptographically secure session identifier
// for the `Mcp-Session-Id` header.
func generateSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// session holds the server-side state for one Streamable HTTP session:
// its event store for resumption, and the set of open SSE streams
// (one per in-flight request plus at most one standalone GET stream).
type session struct {
	id string

	mu       sync.Mutex
	store    *eventStore
	streams  map[streamID]*sseStream
	reqToSid map[any]streamID

	nextStream int64

	peer *Peer
}

func newSession(id string, maxEventsPerStream int) *session {
	return &session{
		id:       id,
		store:    newEventStore(maxEventsPerStream),
		streams:  make(map[streamID]*sseStream),
		reqToSid: make(map[any]streamID),
	}
}

// setRequestStream records which stream carries the eventual response to id.
func (s *session) setRequestStream(id RequestID, sid streamID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqToSid[id.Key()] = sid
}

// requestStream looks up and clears the stream associated with id; a
// response is terminal for its request so the mapping is consumed once.
func (s *session) requestStream(id RequestID) (streamID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid, ok := s.reqToSid[id.Key()]
	if ok {
		delete(s.reqToSid, id.Key())
	}
	return sid, ok
}

// openStreams returns a snapshot of currently live streams, for broadcast
// fallback routing of server-initiated messages with no request correlation.
func (s *session) openStreams() []*sseStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*sseStream, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st)
	}
	return out
}

// openStream registers a new logical stream (either tied to a request,
// via requestStream, or the standalone GET stream via id 0), and queues a
// priming event (empty data, at the stream's next index in the event
// store) as its first buffered frame so a
// client that disconnects before any real data arrives still has a
// Last-Event-ID to resume from.
func (s *session) openStream(id streamID) *sseStream {
	stream := newSSEStream(id)
	s.mu.Lock()
	s.streams[id] = stream
	s.mu.Unlock()
	idx := s.store.append(id, nil)
	stream.send(event{index: idx, data: nil})
	return stream
}

func (s *session) closeStream(id streamID) {
	s.mu.Lock()
	stream, ok := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()
	if ok {
		stream.close()
	}
}

func (s *session) lookupStream(id streamID) (*sseStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, ok := s.streams[id]
	return stream, ok
}

// nextStreamID allocates the next request-correlated stream id. The
// standalone GET stream always uses streamID 0.
func (s *session) nextStreamID() streamID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextStream++
	return streamID(s.nextStream)
}

func (s *session) closeAll() {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[streamID]*sseStream)
	s.mu.Unlock()
	for _, stream := range streams {
		stream.close()
	}
}

// sessionManager owns the set of live sessions for a stateful
// Streamable HTTP transport.
type sessionManager struct {
	mu                 sync.RWMutex
	sessions           map[string]*session
	maxEventsPerStream int
}

func newSessionManager(maxEventsPerStream int) *sessionManager {
	return &sessionManager{
		sessions:           make(map[string]*session),
		maxEventsPerStream: maxEventsPerStream,
	}
}

func (m *sessionManager) create() (*session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}
	s := newSession(id, m.maxEventsPerStream)
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s, nil
}

func (m *sessionManager) get(id string) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *sessionManager) terminate(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.closeAll()
	}
	return ok
}

func (m *sessionManager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// pendingTotal sums PendingCount across every live session's Peer, for
// metrics instrumentation.
func (m *sessionManager) pendingTotal() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, s := range m.sessions {
		if s.peer != nil {
			total += s.peer.PendingCount()
		}
	}
	return total
}
