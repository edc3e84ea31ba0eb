package contracts

// Intent tags an envelope with the delivery semantics it was sent with
type Intent string

const (
	// IntentPublish is a fire-and-forget event delivered to zero or more subscribers
	IntentPublish Intent = "publish"
	// IntentSend is a command delivered to exactly one subscriber
	IntentSend Intent = "send"
	// IntentSendReply is a command whose handler is expected to reply
	IntentSendReply Intent = "sendReply"
	// IntentReply is the correlated answer to an IntentSendReply message
	IntentReply Intent = "reply"
)

// IsCommand reports whether the intent requires exactly one subscriber
func (i Intent) IsCommand() bool {
	return i == IntentSend || i == IntentSendReply
}

// ReplySuffix is appended to a request type to form its reply type
const ReplySuffix = ".reply"

// ReplyType returns the message type used for replies to messageType
func ReplyType(messageType string) string {
	return messageType + ReplySuffix
}

// Named is implemented by payloads that carry their own message type
type Named interface {
	MessageType() string
}
