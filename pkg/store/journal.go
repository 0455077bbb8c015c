// Package store implements durable storage for the governance engine: the
// engine state repository (memory and SQL) and an append-only, hash-chained
// journal of emitted events.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jio-gl/multiguard/pkg/contracts"
)

var (
	ErrEntryNotFound = errors.New("entry not found")
	ErrChainBroken   = errors.New("hash chain is broken")
)

const genesisHash = "genesis"

// JournalEntry is one immutable, chained record of an engine event.
type JournalEntry struct {
	Sequence     uint64          `json:"sequence"`
	Event        contracts.Event `json:"event"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// Journal is an append-only event log where each entry commits to its
// predecessor, so any rewrite of history is detected by VerifyChain.
type Journal struct {
	mu        sync.RWMutex
	entries   []*JournalEntry
	byEventID map[string]*JournalEntry
	chainHead string
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{
		byEventID: make(map[string]*JournalEntry),
		chainHead: genesisHash,
	}
}

// Append chains ev onto the journal.
func (j *Journal) Append(ev contracts.Event) (*JournalEntry, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}

	j.mu.Lock()
	entry := &JournalEntry{
		Sequence:     uint64(len(j.entries)) + 1,
		Event:        ev,
		PayloadHash:  computeHash(payload),
		PreviousHash: j.chainHead,
	}
	entry.EntryHash, err = entryHash(entry)
	if err != nil {
		j.mu.Unlock()
		return nil, err
	}
	j.entries = append(j.entries, entry)
	if ev.ID != "" {
		j.byEventID[ev.ID] = entry
	}
	j.chainHead = entry.EntryHash
	j.mu.Unlock()
	return entry, nil
}

func computeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

func entryHash(entry *JournalEntry) (string, error) {
	hashable := struct {
		Sequence     uint64 `json:"sequence"`
		PayloadHash  string `json:"payload_hash"`
		PreviousHash string `json:"previous_hash"`
	}{
		Sequence:     entry.Sequence,
		PayloadHash:  entry.PayloadHash,
		PreviousHash: entry.PreviousHash,
	}
	data, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry for hashing: %w", err)
	}
	return computeHash(data), nil
}

// Get returns the entry recording event id.
func (j *Journal) Get(eventID string) (*JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	entry, ok := j.byEventID[eventID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// Head returns the hash of the newest entry, or "genesis" when empty.
func (j *Journal) Head() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.chainHead
}

// Size returns the number of entries.
func (j *Journal) Size() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// JournalFilter selects entries; zero fields match everything.
type JournalFilter struct {
	Type       contracts.EventType
	ProposalID uint64
	AfterSeq   uint64
	MaxResults int
}

func (f JournalFilter) matches(e *JournalEntry) bool {
	if f.Type != "" && e.Event.Type != f.Type {
		return false
	}
	if f.ProposalID != 0 && e.Event.ProposalID != f.ProposalID {
		return false
	}
	return e.Sequence > f.AfterSeq
}

// Query returns matching entries in sequence order.
func (j *Journal) Query(filter JournalFilter) []*JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	results := make([]*JournalEntry, 0)
	for _, e := range j.entries {
		if !filter.matches(e) {
			continue
		}
		results = append(results, e)
		if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
			break
		}
	}
	return results
}

// VerifyChain recomputes every payload and entry hash.
func (j *Journal) VerifyChain() error {
	j.mu.RLock()
	defer j.mu.RUnlock()

	expectedPrev := genesisHash
	for i, entry := range j.entries {
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, i+1, entry.PreviousHash, expectedPrev)
		}
		payload, err := json.Marshal(entry.Event)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, i+1, err)
		}
		if computeHash(payload) != entry.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, i+1)
		}
		computed, err := entryHash(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, i+1, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i+1, computed, entry.EntryHash)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}
