package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
)

// ErrMessageFiltered is returned by a FilterTask configured with SkipWithError
var ErrMessageFiltered = errors.New("interceptors: message filtered")

// MessageFilter decides whether a message continues down the chain
type MessageFilter interface {
	ShouldProcess(ctx context.Context, envelope *contracts.Envelope) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, envelope *contracts.Envelope) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, envelope *contracts.Envelope) (bool, error) {
	return f(ctx, envelope)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently stops the chain without error
	SkipSilently SkipBehavior = iota
	// SkipWithError stops the chain with ErrMessageFiltered
	SkipWithError
	// SkipWithLog stops the chain and logs the skipped message
	SkipWithLog
)

// FilterTask stops the chain for messages its filter rejects
type FilterTask struct {
	filter   MessageFilter
	behavior SkipBehavior
	logger   *slog.Logger
}

// NewFilterTask creates a new filtering task
func NewFilterTask(filter MessageFilter, behavior SkipBehavior, logger *slog.Logger) *FilterTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilterTask{
		filter:   filter,
		behavior: behavior,
		logger:   logger,
	}
}

// Invoke implements messaging.Task
func (t *FilterTask) Invoke(ctx context.Context, hc *messaging.HandlerContext, next messaging.Next) error {
	msg := hc.Message()
	ok, err := t.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}
	if ok {
		return next(ctx)
	}

	switch t.behavior {
	case SkipWithError:
		return fmt.Errorf("%w: type=%s, id=%s", ErrMessageFiltered, msg.Type, msg.Metadata.MessageID)
	case SkipWithLog:
		t.logger.Info("message filtered",
			"messageId", msg.Metadata.MessageID,
			"messageType", msg.Type,
			"direction", direction(hc),
		)
	}
	return nil
}

// Name implements messaging.Task
func (t *FilterTask) Name() string {
	return "FilterTask"
}

// AllOf passes a message only when every filter passes it
func AllOf(filters ...MessageFilter) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, envelope *contracts.Envelope) (bool, error) {
		for _, filter := range filters {
			ok, err := filter.ShouldProcess(ctx, envelope)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// AnyOf passes a message when at least one filter passes it
func AnyOf(filters ...MessageFilter) MessageFilter {
	return MessageFilterFunc(func(ctx context.Context, envelope *contracts.Envelope) (bool, error) {
		for _, filter := range filters {
			ok, err := filter.ShouldProcess(ctx, envelope)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

// MessageTypeFilter passes only the listed message types
type MessageTypeFilter struct {
	allowed map[string]bool
}

// NewMessageTypeFilter creates a filter that only allows specific message types
func NewMessageTypeFilter(allowedTypes ...string) *MessageTypeFilter {
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[t] = true
	}
	return &MessageTypeFilter{allowed: allowed}
}

// ShouldProcess implements MessageFilter
func (f *MessageTypeFilter) ShouldProcess(ctx context.Context, envelope *contracts.Envelope) (bool, error) {
	return f.allowed[envelope.Type], nil
}

// MetadataFilter passes messages whose metadata field key equals value
type MetadataFilter struct {
	key   string
	value any
}

// NewMetadataFilter creates a filter on a pipeline-defined metadata field
func NewMetadataFilter(key string, value any) *MetadataFilter {
	return &MetadataFilter{key: key, value: value}
}

// ShouldProcess implements MessageFilter
func (f *MetadataFilter) ShouldProcess(ctx context.Context, envelope *contracts.Envelope) (bool, error) {
	v, ok := envelope.Metadata.Get(f.key)
	return ok && v == f.value, nil
}

// ConditionalTask runs task only for messages condition passes; other
// messages go straight to next
type ConditionalTask struct {
	condition MessageFilter
	task      messaging.Task
}

// NewConditionalTask creates a new conditional task
func NewConditionalTask(condition MessageFilter, task messaging.Task) *ConditionalTask {
	return &ConditionalTask{condition: condition, task: task}
}

// Invoke implements messaging.Task
func (t *ConditionalTask) Invoke(ctx context.Context, hc *messaging.HandlerContext, next messaging.Next) error {
	ok, err := t.condition.ShouldProcess(ctx, hc.Message())
	if err != nil {
		return err
	}
	if ok {
		return t.task.Invoke(ctx, hc, next)
	}
	return next(ctx)
}

// Name implements messaging.Task
func (t *ConditionalTask) Name() string {
	return fmt.Sprintf("ConditionalTask[%s]", t.task.Name())
}
