package ws

import (
	"sync"

	"github.com/relaykit/relayer-go/core/relayer"
)

// EventName identifies one status event on a subscription.
type EventName string

const (
	EventPending   EventName = "pending"
	EventSubmitted EventName = "submitted"
	EventSuccess   EventName = "success"
	EventRejected  EventName = "rejected"
	EventReverted  EventName = "reverted"
)

func eventNameFor(code relayer.StatusCode) (EventName, bool) {
	switch code {
	case relayer.StatusPending:
		return EventPending, true
	case relayer.StatusSubmitted:
		return EventSubmitted, true
	case relayer.StatusSuccess:
		return EventSuccess, true
	case relayer.StatusRejected:
		return EventRejected, true
	case relayer.StatusReverted:
		return EventReverted, true
	}
	return "", false
}

// Handler receives status updates for one event.
type Handler func(*relayer.Status)

// Subscription is one live status subscription multiplexed over the shared
// connection. Handlers run synchronously on the read loop, so they must
// not block.
type Subscription struct {
	id             string
	subscriptionID string

	mu        sync.Mutex
	nextToken int
	handlers  map[EventName]map[int]Handler
}

func newSubscription(id, subscriptionID string) *Subscription {
	return &Subscription{
		id:             id,
		subscriptionID: subscriptionID,
		handlers:       make(map[EventName]map[int]Handler),
	}
}

// ID is the local identifier: the operation id, or "all-<subscriptionID>"
// for wildcard subscriptions.
func (s *Subscription) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Subscription) setID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

// SubscriptionID is the server-assigned identifier used to unsubscribe.
func (s *Subscription) SubscriptionID() string {
	return s.subscriptionID
}

// On registers a handler for one event and returns a token for Off.
func (s *Subscription) On(event EventName, handler Handler) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextToken++
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[int]Handler)
	}
	s.handlers[event][s.nextToken] = handler
	return s.nextToken
}

// Off removes a handler registered with On.
func (s *Subscription) Off(event EventName, token int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers[event], token)
}

func (s *Subscription) dispatch(status *relayer.Status) {
	event, ok := eventNameFor(status.Code)
	if !ok {
		return
	}

	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.handlers[event]))
	for _, handler := range s.handlers[event] {
		handlers = append(handlers, handler)
	}
	s.mu.Unlock()

	for _, handler := range handlers {
		handler(status)
	}
}
