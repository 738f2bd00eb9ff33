package acl

import (
	"context"
	"sync"
)

// Store persists MemoryACL records. Persistence design is a given
// collaborator; the engine only needs these operations.
type Store interface {
	Get(ctx context.Context, memoryID string) (*MemoryACL, error) // ErrACLNotFound on miss
	Put(ctx context.Context, acl *MemoryACL) error
	Delete(ctx context.Context, memoryID string) error
	List(ctx context.Context) ([]*MemoryACL, error)
}

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	acls map[string]*MemoryACL
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{acls: make(map[string]*MemoryACL)}
}

func (s *MemoryStore) Get(_ context.Context, memoryID string) (*MemoryACL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acl, ok := s.acls[memoryID]
	if !ok {
		return nil, ErrACLNotFound
	}
	cp := cloneACL(acl)
	return cp, nil
}

func (s *MemoryStore) Put(_ context.Context, acl *MemoryACL) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acls[acl.MemoryID] = cloneACL(acl)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, memoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.acls, memoryID)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*MemoryACL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MemoryACL, 0, len(s.acls))
	for _, acl := range s.acls {
		out = append(out, cloneACL(acl))
	}
	return out, nil
}

// cloneACL keeps callers from mutating stored state through shared slices
// and maps.
func cloneACL(acl *MemoryACL) *MemoryACL {
	cp := *acl
	if acl.AccessRules != nil {
		cp.AccessRules = make(map[string]AccessLevel, len(acl.AccessRules))
		for k, v := range acl.AccessRules {
			cp.AccessRules[k] = v
		}
	}
	if acl.SharedWith != nil {
		cp.SharedWith = append([]ShareGrant(nil), acl.SharedWith...)
	}
	return &cp
}
