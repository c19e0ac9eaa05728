package supervisor

import (
	"sync"
	"time"

	"github.com/core-tools/hsu-console/pkg/lineproto"
	"github.com/core-tools/hsu-console/pkg/logging"
	"github.com/core-tools/hsu-console/pkg/metrics"
	"github.com/core-tools/hsu-console/pkg/process"
)

type EventKind string

const (
	// EventDecoded carries one lineproto.Event.
	EventDecoded              EventKind = "decoded"
	EventRunning              EventKind = "running"
	EventExited               EventKind = "exited"
	EventTerminatedAbnormally EventKind = "terminated_abnormally"
)

const closedBeforeRunning = "closed before reaching Running"

type Event struct {
	Kind        EventKind
	ProcessID   string
	ProcessName string
	Time        time.Time

	// EventDecoded
	Decoded lineproto.Event
	// EventExited, and EventTerminatedAbnormally when the OS reported one
	Status process.ExitStatus
	// EventTerminatedAbnormally
	Reason string
}

// exitEvent decides how an exit is reported. A process that never reached
// Running is always abnormal; otherwise the exit status decides.
func exitEvent(reachedRunning bool, status process.ExitStatus) Event {
	switch {
	case !reachedRunning:
		return Event{Kind: EventTerminatedAbnormally, Status: status, Reason: closedBeforeRunning}
	case status.Known:
		return Event{Kind: EventExited, Status: status}
	default:
		return Event{Kind: EventTerminatedAbnormally, Reason: "exit status unavailable"}
	}
}

const DefaultEventBuffer = 256

// Subscription delivers events until Close is called or the source ends,
// at which point C is closed.
type Subscription struct {
	C   <-chan Event
	hub *eventHub
	id  uint64
}

func (s *Subscription) Close() {
	s.hub.unsubscribe(s.id)
}

// eventHub fans events out to bounded subscriber channels. A full
// subscriber loses the event, never blocks the publisher.
type eventHub struct {
	name          string
	defaultBuffer int
	logger        logging.Logger

	mutex       sync.Mutex
	subscribers map[uint64]chan Event
	nextID      uint64
	closed      bool
}

func newEventHub(name string, defaultBuffer int, logger logging.Logger) *eventHub {
	if defaultBuffer <= 0 {
		defaultBuffer = DefaultEventBuffer
	}
	return &eventHub{
		name:          name,
		defaultBuffer: defaultBuffer,
		logger:        logger,
		subscribers:   make(map[uint64]chan Event),
	}
}

func (h *eventHub) subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = h.defaultBuffer
	}
	ch := make(chan Event, buffer)

	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.nextID++
	if h.closed {
		close(ch)
	} else {
		h.subscribers[h.nextID] = ch
	}
	return &Subscription{C: ch, hub: h, id: h.nextID}
}

func (h *eventHub) unsubscribe(id uint64) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if ch, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(ch)
	}
}

func (h *eventHub) publish(event Event) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closed {
		return
	}
	for id, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			metrics.EventsDroppedTotal.Inc()
			h.logger.Warnf("Event subscriber full, dropping event, hub: %s, subscriber: %d, kind: %s", h.name, id, event.Kind)
		}
	}
}

func (h *eventHub) close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}
