package contracts

import (
	"fmt"
	"time"
)

// SystemErrorType is the message type of the system error event
const SystemErrorType = "Bus.Error"

// Error codes carried by ErrorPayload and SystemError
const (
	ErrorCodeHandlerFailed       = "HANDLER_FAILED"
	ErrorCodeHandlerPanic        = "HANDLER_PANIC"
	ErrorCodeHandlerCancelled    = "HANDLER_CANCELLED"
	ErrorCodeNoSubscriber        = "NO_SUBSCRIBER"
	ErrorCodeMultipleSubscribers = "MULTIPLE_SUBSCRIBERS"
)

// ErrorPayload is a reply payload that rejects the caller's request
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorPayload creates a new error payload
func NewErrorPayload(code, message string) *ErrorPayload {
	return &ErrorPayload{
		Code:    code,
		Message: message,
	}
}

// IsCancellation reports whether the replying handler had been cancelled
func (e *ErrorPayload) IsCancellation() bool {
	return e.Code == ErrorCodeHandlerCancelled
}

// Error implements the error interface
func (e *ErrorPayload) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// SystemError is the payload of a SystemErrorType event
type SystemError struct {
	Code           string    `json:"code"`
	Description    string    `json:"description"`
	Message        *Envelope `json:"message,omitempty"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// MessageType implements Named
func (e *SystemError) MessageType() string {
	return SystemErrorType
}
