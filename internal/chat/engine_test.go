package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedResponder struct {
	events  []Event
	answer  string
	err     error
	block   chan struct{}
	started chan struct{}
}

func (r *scriptedResponder) Respond(ctx context.Context, history []Turn, question string, emit Emitter) (string, error) {
	if r.started != nil {
		close(r.started)
	}
	for _, ev := range r.events {
		if err := emit(ev); err != nil {
			return "", err
		}
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r.err != nil {
		return "", r.err
	}
	return r.answer, nil
}

func testEngine(t *testing.T, r Responder, opts Options) *Engine {
	t.Helper()
	return NewEngine(r, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func collect(events *[]Event) Emitter {
	return func(ev Event) error {
		*events = append(*events, ev)
		return nil
	}
}

func TestAskStreamsOrderedEvents(t *testing.T) {
	r := &scriptedResponder{
		events: []Event{
			{Type: EventThinking, Content: "looking at the reports"},
			{Type: EventTool, Tool: "load_reports", Content: "600519/2026-08-28"},
			{Type: EventThinking, Content: "drafting the answer"},
		},
		answer: "The consolidated view is bullish.",
	}
	e := testEngine(t, r, Options{})

	var got []Event
	require.NoError(t, e.Ask(context.Background(), "", "what is the verdict?", collect(&got)))

	require.Len(t, got, 4)
	assert.Equal(t, EventThinking, got[0].Type)
	assert.Equal(t, EventTool, got[1].Type)
	assert.Equal(t, "load_reports", got[1].Tool)
	assert.Equal(t, EventThinking, got[2].Type)

	final := got[3]
	assert.Equal(t, EventDone, final.Type)
	assert.Equal(t, "The consolidated view is bullish.", final.Content)
	assert.Len(t, final.ConversationID, 8)

	// Only the last event is terminal
	for _, ev := range got[:3] {
		assert.False(t, ev.Type.Terminal())
	}
}

func TestAskRecordsHistory(t *testing.T) {
	r := &scriptedResponder{answer: "answer one"}
	e := testEngine(t, r, Options{})

	var got []Event
	require.NoError(t, e.Ask(context.Background(), "", "question one", collect(&got)))
	convID := got[len(got)-1].ConversationID

	info, err := e.Get(convID)
	require.NoError(t, err)
	require.Len(t, info.Turns, 2)
	assert.Equal(t, RoleUser, info.Turns[0].Role)
	assert.Equal(t, "question one", info.Turns[0].Content)
	assert.Equal(t, RoleAssistant, info.Turns[1].Role)
	assert.Equal(t, "answer one", info.Turns[1].Content)

	// A follow-up on the same conversation sees the history
	var history []Turn
	e.responder = responderFunc(func(ctx context.Context, h []Turn, q string, emit Emitter) (string, error) {
		history = h
		return "answer two", nil
	})
	require.NoError(t, e.Ask(context.Background(), convID, "question two", collect(&got)))
	require.Len(t, history, 2)
	assert.Equal(t, "question one", history[0].Content)

	info, err = e.Get(convID)
	require.NoError(t, err)
	assert.Equal(t, 4, info.TurnCount)
}

type responderFunc func(ctx context.Context, history []Turn, question string, emit Emitter) (string, error)

func (f responderFunc) Respond(ctx context.Context, history []Turn, question string, emit Emitter) (string, error) {
	return f(ctx, history, question, emit)
}

func TestAskUnknownConversation(t *testing.T) {
	e := testEngine(t, &scriptedResponder{answer: "x"}, Options{})

	err := e.Ask(context.Background(), "deadbeef", "hello", func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAskBusyConversationRejected(t *testing.T) {
	r := &scriptedResponder{
		answer:  "slow answer",
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	e := testEngine(t, r, Options{})

	// Seed a conversation first
	seed := &scriptedResponder{answer: "seed"}
	e.responder = seed
	var got []Event
	require.NoError(t, e.Ask(context.Background(), "", "seed", collect(&got)))
	convID := got[len(got)-1].ConversationID
	e.responder = r

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var slow []Event
		assert.NoError(t, e.Ask(context.Background(), convID, "slow", collect(&slow)))
	}()

	<-r.started
	err := e.Ask(context.Background(), convID, "impatient", func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrBusy)

	close(r.block)
	wg.Wait()

	// The lock is free again after the in-flight ask finishes
	e.responder = &scriptedResponder{answer: "after"}
	assert.NoError(t, e.Ask(context.Background(), convID, "again", func(Event) error { return nil }))
}

func TestAskResponderErrorEmitsErrorEvent(t *testing.T) {
	r := &scriptedResponder{
		events: []Event{{Type: EventThinking, Content: "hmm"}},
		err:    errors.New("backend unavailable"),
	}
	e := testEngine(t, r, Options{})

	var got []Event
	err := e.Ask(context.Background(), "", "q", collect(&got))
	require.Error(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, EventThinking, got[0].Type)
	assert.Equal(t, EventError, got[1].Type)
	assert.Contains(t, got[1].Error, "backend unavailable")
}

func TestAskResponderPanicBecomesErrorEvent(t *testing.T) {
	e := testEngine(t, responderFunc(func(ctx context.Context, h []Turn, q string, emit Emitter) (string, error) {
		panic("nil map write")
	}), Options{})

	var got []Event
	err := e.Ask(context.Background(), "", "q", collect(&got))
	require.Error(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, EventError, got[0].Type)
}

func TestAskClientDisconnectStops(t *testing.T) {
	emitted := 0
	e := testEngine(t, responderFunc(func(ctx context.Context, h []Turn, q string, emit Emitter) (string, error) {
		for i := 0; i < 10; i++ {
			if err := emit(Event{Type: EventThinking, Content: "chunk"}); err != nil {
				return "", err
			}
		}
		return "never delivered", nil
	}), Options{})

	err := e.Ask(context.Background(), "", "q", func(ev Event) error {
		if ev.Type == EventDone {
			return nil
		}
		emitted++
		if emitted >= 3 {
			return errors.New("client gone")
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 3, emitted)
}

func TestAskTimeout(t *testing.T) {
	e := testEngine(t, responderFunc(func(ctx context.Context, h []Turn, q string, emit Emitter) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), Options{AskTimeout: 20 * time.Millisecond})

	var got []Event
	err := e.Ask(context.Background(), "", "q", collect(&got))
	require.Error(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, EventError, got[0].Type)
}

func TestHistoryTrimmedToMaxTurns(t *testing.T) {
	e := testEngine(t, &scriptedResponder{answer: "a"}, Options{MaxTurns: 4})

	var got []Event
	require.NoError(t, e.Ask(context.Background(), "", "q0", collect(&got)))
	convID := got[len(got)-1].ConversationID

	for i := 1; i < 5; i++ {
		require.NoError(t, e.Ask(context.Background(), convID, fmt.Sprintf("q%d", i), func(Event) error { return nil }))
	}

	info, err := e.Get(convID)
	require.NoError(t, err)
	assert.Equal(t, 4, info.TurnCount)
	assert.Equal(t, "q3", info.Turns[0].Content)
}

func TestListAndDelete(t *testing.T) {
	e := testEngine(t, &scriptedResponder{answer: "a"}, Options{})

	var got []Event
	require.NoError(t, e.Ask(context.Background(), "", "q", collect(&got)))
	convID := got[len(got)-1].ConversationID

	list := e.List()
	require.Len(t, list, 1)
	assert.Equal(t, convID, list[0].ID)
	assert.Empty(t, list[0].Turns, "list omits turns")

	require.NoError(t, e.Delete(convID))
	assert.ErrorIs(t, e.Delete(convID), ErrNotFound)
	_, err := e.Get(convID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationCapEvictsIdle(t *testing.T) {
	e := testEngine(t, &scriptedResponder{answer: "a"}, Options{MaxConversations: 2})

	var first []Event
	require.NoError(t, e.Ask(context.Background(), "", "q", collect(&first)))
	firstID := first[len(first)-1].ConversationID

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, e.Ask(context.Background(), "", "q", func(Event) error { return nil }))

	// Third conversation evicts the oldest idle one
	require.NoError(t, e.Ask(context.Background(), "", "q", func(Event) error { return nil }))

	assert.Len(t, e.List(), 2)
	_, err := e.Get(firstID)
	assert.ErrorIs(t, err, ErrNotFound)
}
