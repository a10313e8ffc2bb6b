package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func collect(ch <-chan Event) []Type {
	var out []Type
	for e := range ch {
		out = append(out, e.Type)
	}
	return out
}

func TestBroadcasterFansOut(t *testing.T) {
	b := NewBroadcaster(0)
	first, _ := b.Subscribe()
	second, _ := b.Subscribe()

	var wg sync.WaitGroup
	results := make([][]Type, 2)
	for i, ch := range []<-chan Event{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = collect(ch)
		}()
	}

	b.Emit(Event{Type: StepStart, Step: 1})
	b.Emit(Event{Type: StepComplete, Step: 1})
	b.Emit(Event{Type: TaskComplete})
	b.Close()
	wg.Wait()

	want := []Type{StepStart, StepComplete, TaskComplete}
	assert.Equal(t, want, results[0])
	assert.Equal(t, want, results[1])
}

func TestLateSubscriberGetsHistory(t *testing.T) {
	b := NewBroadcaster(2)
	b.Emit(Event{Type: TaskStarted})
	b.Emit(Event{Type: StepStart, Step: 1})
	b.Emit(Event{Type: LLMResponse, Step: 1})

	ch, cancel := b.Subscribe()
	b.Emit(Event{Type: StepComplete, Step: 1})
	cancel()
	cancel()

	assert.Equal(t, []Type{StepStart, LLMResponse, StepComplete}, collect(ch))

	b.Close()
	closed, _ := b.Subscribe()
	assert.Equal(t, []Type{LLMResponse, StepComplete}, collect(closed))
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroadcaster(0)
	ch, cancel := b.Subscribe()
	defer cancel()
	for i := 0; i < defaultBuffer+10; i++ {
		b.Emit(Event{Type: StepStart, Step: i})
	}
	assert.Equal(t, 10, b.Dropped())
	require.Len(t, ch, defaultBuffer)
}

func TestMultiAndTerminal(t *testing.T) {
	var got []Type
	m := Multi{nil, SinkFunc(func(e Event) { got = append(got, e.Type) })}
	m.Emit(Event{Type: ActionExecuting})
	assert.Equal(t, []Type{ActionExecuting}, got)

	assert.True(t, Event{Type: TaskMaxSteps}.Terminal())
	assert.True(t, Event{Type: Error}.Terminal())
	assert.False(t, Event{Type: StepComplete}.Terminal())
}
