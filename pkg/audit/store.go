package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEntryNotFound = errors.New("audit entry not found")
	ErrChainBroken   = errors.New("audit hash chain is broken")
)

// Entry is one immutable record in the decision audit store, keyed by
// (actor, resource, timestamp) and hash-chained to its predecessor.
type Entry struct {
	EntryID      string          `json:"entry_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	ActorID      string          `json:"actor_id"`
	Resource     string          `json:"resource"`
	Action       string          `json:"action"`
	Payload      json.RawMessage `json:"payload"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// Store is an append-only, hash-chained audit log held in memory. It backs
// the audit-log read API and the chain verification endpoint.
type Store struct {
	mu        sync.RWMutex
	entries   []*Entry
	byID      map[string]*Entry
	sequence  uint64
	chainHead string
}

// NewStore creates an empty audit store.
func NewStore() *Store {
	return &Store{byID: make(map[string]*Entry)}
}

// Append records a decision payload. The payload must marshal to JSON.
func (s *Store) Append(actorID, resource, action string, payload interface{}) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode audit payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sequence++
	entry := &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     s.sequence,
		Timestamp:    time.Now().UTC(),
		ActorID:      actorID,
		Resource:     resource,
		Action:       action,
		Payload:      raw,
		PreviousHash: s.chainHead,
	}
	entry.EntryHash = hashEntry(entry)

	s.entries = append(s.entries, entry)
	s.byID[entry.EntryID] = entry
	s.chainHead = entry.EntryHash
	return entry, nil
}

// Get returns an entry by ID.
func (s *Store) Get(entryID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.byID[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// List returns the newest entries first, optionally filtered by actor and
// resource, up to limit (0 = all).
func (s *Store) List(actorID, resource string, limit int) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if actorID != "" && e.ActorID != actorID {
			continue
		}
		if resource != "" && e.Resource != resource {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// VerifyChain recomputes every entry hash and checks the chain links.
func (s *Store) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prev := ""
	for _, entry := range s.entries {
		if entry.PreviousHash != prev {
			return fmt.Errorf("%w: entry %s links to %q, expected %q",
				ErrChainBroken, entry.EntryID, entry.PreviousHash, prev)
		}
		if hashEntry(entry) != entry.EntryHash {
			return fmt.Errorf("%w: entry %s hash mismatch", ErrChainBroken, entry.EntryID)
		}
		prev = entry.EntryHash
	}
	return nil
}

func hashEntrySum(entry *Entry) [32]byte {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|", entry.Sequence, entry.Timestamp.Format(time.RFC3339Nano),
		entry.ActorID, entry.Resource, entry.Action, entry.PreviousHash)
	h.Write(entry.Payload)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func hashEntry(entry *Entry) string {
	sum := hashEntrySum(entry)
	return hex.EncodeToString(sum[:])
}
