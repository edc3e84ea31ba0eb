// Package journal keeps a bounded in-memory record of what happened to each
// message as it passed through a bus pipeline.
package journal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-bus/contracts"
)

// Outcome of one pipeline pass
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// Entry records one message passing one direction of a pipeline
type Entry struct {
	ID             string           `json:"id"`
	Timestamp      time.Time        `json:"timestamp"`
	MessageID      string           `json:"messageId"`
	MessageType    string           `json:"messageType"`
	Intent         contracts.Intent `json:"intent"`
	CorrelationID  string           `json:"correlationId,omitempty"`
	ConversationID string           `json:"conversationId,omitempty"`
	Direction      string           `json:"direction"`
	SubscriptionID string           `json:"subscriptionId,omitempty"`
	Transport      string           `json:"transport,omitempty"`
	Outcome        Outcome          `json:"outcome"`
	Error          string           `json:"error,omitempty"`
	Duration       time.Duration    `json:"duration"`
}

// Stats summarises the entries currently held
type Stats struct {
	TotalEntries    int64             `json:"totalEntries"`
	EntriesByType   map[string]int64  `json:"entriesByType"`
	EntriesByResult map[Outcome]int64 `json:"entriesByOutcome"`
	ErrorCount      int64             `json:"errorCount"`
	AverageDuration time.Duration     `json:"averageDuration"`
	LastEntry       time.Time         `json:"lastEntry"`
}

// Journal is safe for concurrent use. When full it drops the oldest
// rotatePercent of its entries.
type Journal struct {
	entries        []*Entry
	byMessageID    map[string][]*Entry
	byConversation map[string][]*Entry
	mu             sync.RWMutex
	maxEntries     int
	rotatePercent  float64
}

// Option configures a Journal
type Option func(*Journal)

// WithMaxEntries sets the maximum number of entries
func WithMaxEntries(max int) Option {
	return func(j *Journal) {
		j.maxEntries = max
	}
}

// WithRotatePercent sets the fraction of entries dropped when the journal is full
func WithRotatePercent(percent float64) Option {
	return func(j *Journal) {
		j.rotatePercent = percent
	}
}

// New creates an empty journal holding up to 10000 entries
func New(opts ...Option) *Journal {
	j := &Journal{
		byMessageID:    make(map[string][]*Entry),
		byConversation: make(map[string][]*Entry),
		maxEntries:     10000,
		rotatePercent:  0.2,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.maxEntries < 1 {
		j.maxEntries = 1
	}
	return j
}

// Record stores entry, filling ID and Timestamp when empty
func (j *Journal) Record(ctx context.Context, entry Entry) error {
	if entry.MessageID == "" {
		return errors.New("journal entry needs a message id")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) >= j.maxEntries {
		j.rotate()
	}

	e := &entry
	j.entries = append(j.entries, e)
	j.index(e)
	return nil
}

// ByMessageID returns the entries of one message, oldest first
func (j *Journal) ByMessageID(messageID string) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return copyEntries(j.byMessageID[messageID])
}

// ByConversation returns every entry of a conversation, oldest first
func (j *Journal) ByConversation(conversationID string) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return copyEntries(j.byConversation[conversationID])
}

// Recent returns up to limit of the newest entries, newest first. A limit
// of zero or less returns everything.
func (j *Journal) Recent(limit int) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()

	n := len(j.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]Entry, 0, n)
	for i := len(j.entries) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, *j.entries[i])
	}
	return result
}

// Stats returns a summary of the held entries
func (j *Journal) Stats() Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()

	stats := Stats{
		TotalEntries:    int64(len(j.entries)),
		EntriesByType:   make(map[string]int64),
		EntriesByResult: make(map[Outcome]int64),
	}

	var total time.Duration
	for _, entry := range j.entries {
		stats.EntriesByType[entry.MessageType]++
		stats.EntriesByResult[entry.Outcome]++
		if entry.Outcome == OutcomeError {
			stats.ErrorCount++
		}
		total += entry.Duration
		if entry.Timestamp.After(stats.LastEntry) {
			stats.LastEntry = entry.Timestamp
		}
	}
	if len(j.entries) > 0 {
		stats.AverageDuration = total / time.Duration(len(j.entries))
	}
	return stats
}

// Clear removes entries older than olderThan and reports how many went
func (j *Journal) Clear(olderThan time.Duration) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	kept := j.entries[:0]
	for _, entry := range j.entries {
		if entry.Timestamp.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	removed := len(j.entries) - len(kept)
	clear(j.entries[len(kept):])
	j.entries = kept
	j.rebuildIndexes()
	return removed
}

// Len returns the number of held entries
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

func (j *Journal) rotate() {
	removeCount := int(float64(j.maxEntries) * j.rotatePercent)
	if removeCount < 1 {
		removeCount = 1
	}
	if removeCount > len(j.entries) {
		removeCount = len(j.entries)
	}

	j.entries = append([]*Entry(nil), j.entries[removeCount:]...)
	j.rebuildIndexes()
}

func (j *Journal) index(e *Entry) {
	j.byMessageID[e.MessageID] = append(j.byMessageID[e.MessageID], e)
	if e.ConversationID != "" {
		j.byConversation[e.ConversationID] = append(j.byConversation[e.ConversationID], e)
	}
}

func (j *Journal) rebuildIndexes() {
	j.byMessageID = make(map[string][]*Entry)
	j.byConversation = make(map[string][]*Entry)
	for _, e := range j.entries {
		j.index(e)
	}
}

func copyEntries(entries []*Entry) []Entry {
	result := make([]Entry, len(entries))
	for i, e := range entries {
		result[i] = *e
	}
	sort.SliceStable(result, func(a, b int) bool {
		return result[a].Timestamp.Before(result[b].Timestamp)
	})
	return result
}
