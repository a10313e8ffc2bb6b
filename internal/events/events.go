// Package events carries the live step stream of a run to its observers.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Type string

const (
	TaskStarted     Type = "task_started"
	StepStart       Type = "step_start"
	LLMResponse     Type = "llm_response"
	ActionExecuting Type = "action_executing"
	StepComplete    Type = "step_complete"
	TaskComplete    Type = "task_complete"
	TaskMaxSteps    Type = "task_max_steps"
	Error           Type = "error"
)

type Event struct {
	Type  Type           `json:"type"`
	RunID string         `json:"run_id,omitempty"`
	Step  int            `json:"step,omitempty"`
	Time  time.Time      `json:"time"`
	Data  map[string]any `json:"data,omitempty"`
}

// Terminal reports whether e ends a run. Failed steps arrive as
// step_complete; error is only sent when the run itself fails.
func (e Event) Terminal() bool {
	return e.Type == TaskComplete || e.Type == TaskMaxSteps || e.Type == Error
}

type Sink interface {
	Emit(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Multi fans an event out to every non-nil sink in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Log writes events to logger at debug level.
func Log(logger zerolog.Logger) Sink {
	logger = logger.With().Str("comp", "events").Logger()
	return SinkFunc(func(e Event) {
		logger.Debug().
			Str("type", string(e.Type)).
			Str("run", e.RunID).
			Int("step", e.Step).
			Interface("data", e.Data).
			Msg("event")
	})
}

const defaultBuffer = 64

// Broadcaster delivers every event to all subscribers. Late subscribers
// first receive the retained history. A subscriber that falls behind loses
// events instead of blocking the run.
type Broadcaster struct {
	mu         sync.Mutex
	subs       map[int]chan Event
	next       int
	history    []Event
	maxHistory int
	closed     bool
	dropped    int
}

func NewBroadcaster(maxHistory int) *Broadcaster {
	if maxHistory < 0 {
		maxHistory = 0
	}
	return &Broadcaster{subs: map[int]chan Event{}, maxHistory: maxHistory}
}

func (b *Broadcaster) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.maxHistory > 0 {
		if len(b.history) == b.maxHistory {
			b.history = append(b.history[:0], b.history[1:]...)
		}
		b.history = append(b.history, e)
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Subscribe returns a channel of events and a function that cancels the
// subscription. The channel is closed by cancel or by Close.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, len(b.history)+defaultBuffer)
	for _, e := range b.history {
		ch <- e
	}
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Close ends every subscription. Later events are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Dropped counts events lost to slow subscribers.
func (b *Broadcaster) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
