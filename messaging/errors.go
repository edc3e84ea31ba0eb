package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

var (
	// Registration errors
	ErrInvalidFilter        = errors.New("messaging: subscription filter cannot be empty")
	ErrInvalidHandler       = errors.New("messaging: handler cannot be nil")
	ErrSubscriptionNotFound = errors.New("messaging: subscription not found")

	// Message construction errors
	ErrUnknownMessageType = errors.New("messaging: cannot determine message type")

	// Transport errors
	ErrNoTransport        = errors.New("messaging: no transport registered")
	ErrUnknownTransport   = errors.New("messaging: unknown transport")
	ErrTransportExists    = errors.New("messaging: transport already registered")
	ErrInvalidTransport   = errors.New("messaging: transport cannot be nil")
	ErrUnexpectedDelivery = errors.New("messaging: delivered envelope has no intent")

	// Reply errors
	ErrAlreadyReplied = errors.New("messaging: message was already answered")

	// Lifecycle errors
	ErrBusClosed = errors.New("messaging: bus is closed")
)

// NoSubscriberError is raised when a command has no matching subscription
type NoSubscriberError struct {
	MessageType string
}

func (e *NoSubscriberError) Error() string {
	return fmt.Sprintf("no subscriber for command %s", e.MessageType)
}

// MultipleSubscribersError is raised when a command matches more than one subscription
type MultipleSubscribersError struct {
	MessageType string
	Count       int
}

func (e *MultipleSubscribersError) Error() string {
	return fmt.Sprintf("command %s has %d subscribers, expected exactly one", e.MessageType, e.Count)
}

// TimeoutError rejects a pending reply whose timer fired first
type TimeoutError struct {
	MessageType string
	MessageID   string
	Timeout     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v waiting for reply to %s (messageId=%s)", e.Timeout, e.MessageType, e.MessageID)
}

// HandlerCancelledError is returned when a cancelled handler tries to send or publish
type HandlerCancelledError struct {
	MessageType string
}

func (e *HandlerCancelledError) Error() string {
	return fmt.Sprintf("handler for %s was cancelled", e.MessageType)
}

// ReplyHandlerCancelledError rejects a reply that was cancelled on either side:
// the replying handler was cancelled, the caller's token was triggered, or the
// caller stopped waiting.
type ReplyHandlerCancelledError struct {
	MessageType string
	Err         error
}

func (e *ReplyHandlerCancelledError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reply to %s cancelled: %v", e.MessageType, e.Err)
	}
	return fmt.Sprintf("reply to %s cancelled", e.MessageType)
}

func (e *ReplyHandlerCancelledError) Unwrap() error {
	return e.Err
}

// InvalidReplyError is returned when replying to a message that expects no reply
type InvalidReplyError struct {
	MessageType string
	Intent      contracts.Intent
}

func (e *InvalidReplyError) Error() string {
	return fmt.Sprintf("cannot reply to %s: intent is %q, not %q", e.MessageType, e.Intent, contracts.IntentSendReply)
}

// RemoteError rejects a pending reply whose handler answered with an error payload
type RemoteError struct {
	MessageType string
	Code        string
	Message     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("handler for %s replied with error %s: %s", e.MessageType, e.Code, e.Message)
}

// HandlerPanicError wraps a value recovered from a panicking handler or task
type HandlerPanicError struct {
	Value any
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// IsTimeout reports whether err is a reply timeout
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsCancelled reports whether err is a handler or reply cancellation
func IsCancelled(err error) bool {
	var hce *HandlerCancelledError
	var rce *ReplyHandlerCancelledError
	return errors.As(err, &hce) || errors.As(err, &rce)
}
