package control

import (
	"sort"
	"sync"
	"time"

	"github.com/NodePath81/speedprobe/internal/probe"
)

// StatusEntry is the JSON view of one live probe session.
type StatusEntry struct {
	ID         string `json:"id"`
	ClientAddr string `json:"client_addr"`
	Country    string `json:"country,omitempty"`
	Phase      string `json:"phase"`
	// Created is Unix milliseconds; Age is seconds since creation.
	Created int64 `json:"created"`
	Age     int64 `json:"age"`
}

type statusEntry struct {
	session    *probe.Session
	clientAddr string
	country    string
}

// StatusStore tracks live probe sessions so they can be listed and closed
// together.
type StatusStore struct {
	mu       sync.Mutex
	sessions map[string]*statusEntry
}

func NewStatusStore() *StatusStore {
	return &StatusStore{sessions: make(map[string]*statusEntry)}
}

func (s *StatusStore) Add(session *probe.Session, clientAddr, country string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID()] = &statusEntry{
		session:    session,
		clientAddr: clientAddr,
		country:    country,
	}
}

func (s *StatusStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *StatusStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Snapshot lists live sessions, oldest first.
func (s *StatusStore) Snapshot() []StatusEntry {
	now := time.Now()
	s.mu.Lock()
	out := make([]StatusEntry, 0, len(s.sessions))
	for _, entry := range s.sessions {
		created := entry.session.Created()
		out = append(out, StatusEntry{
			ID:         entry.session.ID(),
			ClientAddr: entry.clientAddr,
			Country:    entry.country,
			Phase:      entry.session.Phase().String(),
			Created:    created.UnixMilli(),
			Age:        int64(now.Sub(created).Seconds()),
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created == out[j].Created {
			return out[i].ID < out[j].ID
		}
		return out[i].Created < out[j].Created
	})
	return out
}

// CloseAll stops every tracked session. Entries are removed by their own
// handlers once Run returns.
func (s *StatusStore) CloseAll() {
	s.mu.Lock()
	sessions := make([]*probe.Session, 0, len(s.sessions))
	for _, entry := range s.sessions {
		sessions = append(sessions, entry.session)
	}
	s.mu.Unlock()
	for _, session := range sessions {
		session.Close()
	}
}

// Close stops one session and reports whether it was tracked.
func (s *StatusStore) Close(id string) bool {
	s.mu.Lock()
	entry := s.sessions[id]
	s.mu.Unlock()
	if entry == nil {
		return false
	}
	entry.session.Close()
	return true
}
