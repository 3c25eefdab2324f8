package httpapi

import (
	"sort"
	"sync"

	"github.com/coder/climulti/lib/types"
	"github.com/coder/quartz"
)

type EventType string

const (
	EventTypeStatusChange EventType = "status_change"
	EventTypeError        EventType = "error"
)

type Event struct {
	Type    EventType
	Payload any
}

type EventEmitter struct {
	mu                  sync.Mutex
	statuses            map[string]types.StatusChangeBody
	chans               map[int]chan Event
	chanIdx             int
	subscriptionBufSize int
	clock               quartz.Clock
}

type EventEmitterOption func(*EventEmitter)

func WithClock(clock quartz.Clock) EventEmitterOption {
	return func(e *EventEmitter) {
		e.clock = clock
	}
}

// WithSubscriptionBufSize sets the size of the buffer for each
// subscription. Once the buffer is full, the channel will be closed.
// Listeners must actively drain the channel.
func WithSubscriptionBufSize(size int) EventEmitterOption {
	return func(e *EventEmitter) {
		e.subscriptionBufSize = size
	}
}

func NewEventEmitter(opts ...EventEmitterOption) *EventEmitter {
	e := &EventEmitter{
		statuses:            make(map[string]types.StatusChangeBody),
		chans:               make(map[int]chan Event),
		subscriptionBufSize: 1024,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = quartz.NewReal()
	}
	return e
}

// Assumes the caller holds the lock.
func (e *EventEmitter) notifyChannels(eventType EventType, payload any) {
	event := Event{
		Type:    eventType,
		Payload: payload,
	}
	for chanID, ch := range e.chans {
		select {
		case ch <- event:
		default:
			// If the channel is full, close it.
			e.unsubscribeInner(chanID)
		}
	}
}

// UpdateStatusAndEmitChanges records the status of one process and
// notifies subscribers when it differs from the last known one.
func (e *EventEmitter) UpdateStatusAndEmitChanges(identifier string, status types.ProcessStatus, pid int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.statuses[identifier]; ok && old.Status == status && old.PID == pid {
		return
	}
	body := types.StatusChangeBody{
		Identifier: identifier,
		Status:     status,
		PID:        pid,
		Time:       e.clock.Now(),
	}
	e.statuses[identifier] = body
	e.notifyChannels(EventTypeStatusChange, body)
}

// Forget drops a process from the state replayed to new subscribers.
func (e *EventEmitter) Forget(identifier string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.statuses, identifier)
}

func (e *EventEmitter) EmitError(message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifyChannels(EventTypeError, types.ErrorBody{Message: message, Time: e.clock.Now()})
}

// Assumes the caller holds the lock.
func (e *EventEmitter) currentStateAsEvents() []Event {
	identifiers := make([]string, 0, len(e.statuses))
	for identifier := range e.statuses {
		identifiers = append(identifiers, identifier)
	}
	sort.Strings(identifiers)
	events := make([]Event, 0, len(identifiers))
	for _, identifier := range identifiers {
		events = append(events, Event{
			Type:    EventTypeStatusChange,
			Payload: e.statuses[identifier],
		})
	}
	return events
}

// Subscribe returns:
// - a subscription ID that can be used to unsubscribe.
// - a channel for receiving events.
// - a list of events that recreate the known process states right before
// the subscription was created.
func (e *EventEmitter) Subscribe() (int, <-chan Event, []Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stateEvents := e.currentStateAsEvents()

	ch := make(chan Event, e.subscriptionBufSize)
	e.chans[e.chanIdx] = ch
	e.chanIdx++
	return e.chanIdx - 1, ch, stateEvents
}

// Assumes the caller holds the lock.
func (e *EventEmitter) unsubscribeInner(chanID int) {
	ch, ok := e.chans[chanID]
	if !ok {
		return
	}
	close(ch)
	delete(e.chans, chanID)
}

func (e *EventEmitter) Unsubscribe(chanID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsubscribeInner(chanID)
}
