package memory

import (
	"context"
	"sync"

	"coliving-admin-auth/internal/models"
)

type AuditStore struct {
	mu      sync.RWMutex
	entries []models.AuditLogEntry
}

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Append(_ context.Context, entry *models.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *entry
	copied.Metadata = make(map[string]string, len(entry.Metadata))
	for k, v := range entry.Metadata {
		copied.Metadata[k] = v
	}
	s.entries = append(s.entries, copied)
	return nil
}

// Entries returns a snapshot in append order.
func (s *AuditStore) Entries() []models.AuditLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.AuditLogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// CountAction counts entries with the given action.
func (s *AuditStore) CountAction(action models.AuditAction) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}
