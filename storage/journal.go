package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/AvaProtocol/ap-userops/storage/schema"
)

type EntryStatus string

const (
	StatusSubmitted EntryStatus = "submitted"
	StatusIncluded  EntryStatus = "included"
	StatusReverted  EntryStatus = "reverted"
	StatusPending   EntryStatus = "pending"
)

// JournalEntry records one submitted user operation.
type JournalEntry struct {
	Session     string      `json:"session"`
	Seq         uint64      `json:"seq"`
	Operation   string      `json:"operation"`
	Stage       string      `json:"stage"`
	Sender      string      `json:"sender"`
	Hash        string      `json:"hash"`
	Nonce       string      `json:"nonce"`
	EntryPoint  string      `json:"entryPoint"`
	Status      EntryStatus `json:"status"`
	GasCost     string      `json:"gasCost,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	TxHash      string      `json:"txHash,omitempty"`
	SubmittedAt time.Time   `json:"submittedAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Journal is a durable log of every hash the orchestrator submitted, grouped
// by run session.
type Journal struct {
	db Storage
	mu sync.Mutex
}

func NewJournal(db Storage) *Journal {
	return &Journal{db: db}
}

// NewSessionID returns a lexicographically sortable run id.
func NewSessionID() string {
	return ulid.Make().String()
}

// Record stores a fresh submission and assigns its sequence number.
func (j *Journal) Record(entry *JournalEntry) error {
	if entry.Session == "" || entry.Hash == "" {
		return fmt.Errorf("journal entry needs a session and a hash")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	seq, err := j.db.IncCounter(schema.SessionCounterKey(entry.Session))
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	entry.Seq = seq
	if entry.Status == "" {
		entry.Status = StatusSubmitted
	}
	if entry.SubmittedAt.IsZero() {
		entry.SubmittedAt = now
	}
	entry.UpdatedAt = now

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return j.db.BatchWrite(map[string][]byte{
		string(schema.OperationKey(entry.Hash)):             data,
		string(schema.SessionEntryKey(entry.Session, seq)): []byte(entry.Hash),
	})
}

// Resolve updates the outcome of a recorded submission.
func (j *Journal) Resolve(hash string, status EntryStatus, gasCost, txHash, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, err := j.get(hash)
	if err != nil {
		return err
	}

	entry.Status = status
	entry.GasCost = gasCost
	entry.TxHash = txHash
	entry.Reason = reason
	entry.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return j.db.Set(schema.OperationKey(hash), data)
}

func (j *Journal) Get(hash string) (*JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.get(hash)
}

func (j *Journal) get(hash string) (*JournalEntry, error) {
	data, err := j.db.GetKey(schema.OperationKey(hash))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("operation %s is not in the journal: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var entry JournalEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupt journal entry %s: %w", hash, err)
	}
	return &entry, nil
}

// Session returns a session's submissions in submission order.
func (j *Journal) Session(session string) ([]*JournalEntry, error) {
	items, err := j.db.GetByPrefix(schema.SessionPrefix(session))
	if err != nil {
		return nil, err
	}

	entries := make([]*JournalEntry, 0, len(items))
	for _, item := range items {
		entry, err := j.Get(string(item.Value))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Sessions lists known session ids, oldest first.
func (j *Journal) Sessions() ([]string, error) {
	keys, err := j.db.ListKeys(schema.AllSessionsPrefix())
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var sessions []string
	for _, k := range keys {
		if id, ok := schema.SessionFromEntryKey(k); ok && !seen[id] {
			seen[id] = true
			sessions = append(sessions, id)
		}
	}
	sort.Strings(sessions)
	return sessions, nil
}

// JournalSummary counts every journaled operation by status.
type JournalSummary struct {
	Sessions   int
	ByStatus   map[EntryStatus]int
	Unresolved []*JournalEntry
}

func (s *JournalSummary) Total() int {
	total := 0
	for _, n := range s.ByStatus {
		total += n
	}
	return total
}

// Summary scans the whole journal. Unresolved holds the entries still
// submitted or pending, oldest first.
func (j *Journal) Summary() (*JournalSummary, error) {
	items, err := j.db.GetByPrefix(schema.AllOperationsPrefix())
	if err != nil {
		return nil, err
	}
	sessions, err := j.Sessions()
	if err != nil {
		return nil, err
	}

	summary := &JournalSummary{
		Sessions: len(sessions),
		ByStatus: map[EntryStatus]int{},
	}
	for _, item := range items {
		var entry JournalEntry
		if err := json.Unmarshal(item.Value, &entry); err != nil {
			return nil, fmt.Errorf("corrupt journal entry %s: %w", item.Key, err)
		}
		summary.ByStatus[entry.Status]++
		if entry.Status == StatusSubmitted || entry.Status == StatusPending {
			summary.Unresolved = append(summary.Unresolved, &entry)
		}
	}
	sort.SliceStable(summary.Unresolved, func(a, b int) bool {
		return summary.Unresolved[a].SubmittedAt.Before(summary.Unresolved[b].SubmittedAt)
	})
	return summary, nil
}
