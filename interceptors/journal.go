package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/journal"
	"github.com/glimte/mmate-bus/messaging"
)

// JournalTask records the outcome of every message it sees
type JournalTask struct {
	journal *journal.Journal
	logger  *slog.Logger
}

// NewJournalTask creates a task recording into j
func NewJournalTask(j *journal.Journal, logger *slog.Logger) *JournalTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &JournalTask{journal: j, logger: logger}
}

// Invoke implements messaging.Task
func (t *JournalTask) Invoke(ctx context.Context, hc *messaging.HandlerContext, next messaging.Next) error {
	start := time.Now()
	err := next(ctx)

	msg := hc.Message()
	entry := journal.Entry{
		Timestamp:      start,
		MessageID:      msg.Metadata.MessageID,
		MessageType:    msg.Type,
		Intent:         msg.Metadata.Intent,
		CorrelationID:  msg.Metadata.CorrelationID,
		ConversationID: msg.Metadata.ConversationID,
		Direction:      direction(hc),
		SubscriptionID: hc.SubscriptionID(),
		Transport:      hc.Transport(),
		Outcome:        journal.OutcomeSuccess,
		Duration:       time.Since(start),
	}
	switch {
	case err != nil:
		entry.Outcome = journal.OutcomeError
		entry.Error = err.Error()
	case hc.WasCancelled():
		entry.Outcome = journal.OutcomeCancelled
	}

	if recordErr := t.journal.Record(ctx, entry); recordErr != nil {
		t.logger.Warn("failed to journal message", "messageType", msg.Type, "error", recordErr)
	}
	return err
}

// Name implements messaging.Task
func (t *JournalTask) Name() string {
	return "JournalTask"
}
