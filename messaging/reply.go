package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

// replyResult is what a waiting caller eventually receives
type replyResult struct {
	value any
	err   error
}

// pendingReply is one outstanding send-with-reply request
type pendingReply struct {
	messageID   string
	messageType string
	timeout     time.Duration
	token       *CancellationToken
	result      chan replyResult
	timer       *time.Timer

	timedOut   bool
	timedOutAt time.Time
	settled    bool
}

// settle delivers r to the waiting caller at most once. Callers hold the table lock.
func (p *pendingReply) settle(r replyResult) {
	if p.settled {
		return
	}
	p.settled = true
	p.result <- r
}

// replyOutcome describes what happened to an arriving reply
type replyOutcome int

const (
	replyUnknown replyOutcome = iota
	replyLate
	replyDelivered
)

// replyTable correlates replies with pending requests by message ID.
// Entries are removed exactly once: by the reply, by abandon, by sweep, or by closeAll.
type replyTable struct {
	pending map[string]*pendingReply
	mu      sync.Mutex
}

func newReplyTable() *replyTable {
	return &replyTable{pending: make(map[string]*pendingReply)}
}

// register adds a pending entry and starts its timer
func (t *replyTable) register(messageID, messageType string, timeout time.Duration, token *CancellationToken) (*pendingReply, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[messageID]; exists {
		return nil, fmt.Errorf("request %s is already awaiting a reply", messageID)
	}

	p := &pendingReply{
		messageID:   messageID,
		messageType: messageType,
		timeout:     timeout,
		token:       token,
		result:      make(chan replyResult, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		t.timeoutFired(messageID)
	})
	t.pending[messageID] = p
	return p, nil
}

// timeoutFired rejects the caller but keeps the entry so a racing reply is
// recognised as late instead of unknown
func (t *replyTable) timeoutFired(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[messageID]
	if !ok || p.settled {
		return
	}
	p.timedOut = true
	p.timedOutAt = time.Now()
	p.settle(replyResult{err: &TimeoutError{
		MessageType: p.messageType,
		MessageID:   p.messageID,
		Timeout:     p.timeout,
	}})
}

// resolve settles the entry addressed by the reply's ReplyTo
func (t *replyTable) resolve(reply *contracts.Envelope) replyOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[reply.Metadata.ReplyTo]
	if !ok {
		return replyUnknown
	}
	delete(t.pending, p.messageID)

	if p.timedOut {
		return replyLate
	}
	p.timer.Stop()

	if p.token.IsCancelled() {
		p.settle(replyResult{err: &ReplyHandlerCancelledError{MessageType: p.messageType}})
		return replyDelivered
	}

	if ep, ok := reply.Payload.(*contracts.ErrorPayload); ok {
		if ep.IsCancellation() {
			p.settle(replyResult{err: &ReplyHandlerCancelledError{MessageType: p.messageType}})
		} else {
			p.settle(replyResult{err: &RemoteError{
				MessageType: p.messageType,
				Code:        ep.Code,
				Message:     ep.Message,
			}})
		}
		return replyDelivered
	}

	p.settle(replyResult{value: reply.Payload})
	return replyDelivered
}

// abandon removes an entry whose caller stopped waiting
func (t *replyTable) abandon(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.pending[messageID]; ok {
		p.timer.Stop()
		p.settled = true
		delete(t.pending, messageID)
	}
}

// sweep removes timed-out entries older than grace and returns how many it removed
func (t *replyTable) sweep(now time.Time, grace time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, p := range t.pending {
		if p.timedOut && now.Sub(p.timedOutAt) >= grace {
			delete(t.pending, id)
			removed++
		}
	}
	return removed
}

// closeAll rejects every outstanding request with err and empties the table
func (t *replyTable) closeAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, p := range t.pending {
		p.timer.Stop()
		p.settle(replyResult{err: err})
		delete(t.pending, id)
	}
}

func (t *replyTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
