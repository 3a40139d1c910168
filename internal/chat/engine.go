package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusy means the conversation already has an ask in flight
	ErrBusy = errors.New("conversation busy")
	// ErrNotFound means no conversation exists with the given ID
	ErrNotFound = errors.New("conversation not found")
)

// Responder computes the answer to a question. It may push thinking and
// tool events through emit while working; the engine itself sends the
// terminal event.
type Responder interface {
	Respond(ctx context.Context, history []Turn, question string, emit Emitter) (string, error)
}

// Options configures the engine
type Options struct {
	// MaxTurns bounds the retained history per conversation
	MaxTurns int
	// MaxConversations bounds how many threads are kept
	MaxConversations int
	// AskTimeout bounds one ask end to end
	AskTimeout time.Duration
}

// DefaultOptions returns the standard engine configuration
func DefaultOptions() Options {
	return Options{
		MaxTurns:         100,
		MaxConversations: 256,
		AskTimeout:       5 * time.Minute,
	}
}

// Engine manages conversations and streams ask responses as ordered
// event sequences
type Engine struct {
	responder Responder
	opts      Options
	logger    *slog.Logger

	mu    sync.RWMutex
	convs map[string]*Conversation
}

// NewEngine creates a conversational stream engine
func NewEngine(responder Responder, opts Options, logger *slog.Logger) *Engine {
	def := DefaultOptions()
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = def.MaxTurns
	}
	if opts.MaxConversations <= 0 {
		opts.MaxConversations = def.MaxConversations
	}
	if opts.AskTimeout <= 0 {
		opts.AskTimeout = def.AskTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		responder: responder,
		opts:      opts,
		logger:    logger.With(slog.String("component", "chat_engine")),
		convs:     make(map[string]*Conversation),
	}
}

// NewConversationID makes a short conversation identifier
func NewConversationID() string {
	return uuid.New().String()[:8]
}

// Ask answers a question on the given conversation, streaming events
// through emit. An empty convID starts a new conversation. The emitted
// sequence is zero or more thinking and tool events followed by exactly
// one done or error event; nothing follows the terminal event.
func (e *Engine) Ask(ctx context.Context, convID, question string, emit Emitter) error {
	conv, err := e.obtain(convID)
	if err != nil {
		return err
	}

	if !conv.tryAcquire() {
		return fmt.Errorf("%s: %w", conv.id, ErrBusy)
	}
	defer conv.release()

	ctx, cancel := context.WithTimeout(ctx, e.opts.AskTimeout)
	defer cancel()

	e.mu.RLock()
	history := append([]Turn(nil), conv.turns...)
	e.mu.RUnlock()

	// Guard the stream contract: the responder may only send
	// non-terminal events, and nothing goes out once the stream ended
	var done bool
	guarded := func(ev Event) error {
		if done {
			return nil
		}
		if ev.Type.Terminal() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return emit(ev)
	}

	e.logger.InfoContext(ctx, "ask started",
		slog.String("conversation_id", conv.id),
		slog.Int("history_turns", len(history)))

	answer, err := e.respond(ctx, history, question, guarded)
	done = true
	if err != nil {
		e.logger.WarnContext(ctx, "ask failed",
			slog.String("conversation_id", conv.id),
			slog.String("error", err.Error()))
		if emitErr := emit(Event{
			Type:           EventError,
			ConversationID: conv.id,
			Error:          err.Error(),
		}); emitErr != nil {
			return emitErr
		}
		return err
	}

	e.record(conv, question, answer)

	return emit(Event{
		Type:           EventDone,
		Content:        answer,
		ConversationID: conv.id,
	})
}

// respond invokes the responder with panic recovery
func (e *Engine) respond(ctx context.Context, history []Turn, question string, emit Emitter) (answer string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("responder panicked: %v", r)
		}
	}()
	return e.responder.Respond(ctx, history, question, emit)
}

// obtain returns an existing conversation or creates a new one when
// convID is empty
func (e *Engine) obtain(convID string) (*Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if convID != "" {
		conv, ok := e.convs[convID]
		if !ok {
			return nil, fmt.Errorf("%s: %w", convID, ErrNotFound)
		}
		return conv, nil
	}

	e.evictLocked()
	conv := newConversation(NewConversationID())
	e.convs[conv.id] = conv
	return conv, nil
}

// evictLocked drops the least recently used idle conversation when the
// cap is reached
func (e *Engine) evictLocked() {
	if len(e.convs) < e.opts.MaxConversations {
		return
	}
	var victim *Conversation
	for _, conv := range e.convs {
		if len(conv.busy) > 0 {
			continue
		}
		if victim == nil || conv.updatedAt.Before(victim.updatedAt) {
			victim = conv
		}
	}
	if victim != nil {
		delete(e.convs, victim.id)
		e.logger.Info("conversation evicted", slog.String("conversation_id", victim.id))
	}
}

// record appends the question and answer to the history, trimming to
// the turn cap
func (e *Engine) record(conv *Conversation, question, answer string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	conv.turns = append(conv.turns,
		Turn{Role: RoleUser, Content: question, At: now},
		Turn{Role: RoleAssistant, Content: answer, At: now},
	)
	if len(conv.turns) > e.opts.MaxTurns {
		conv.turns = conv.turns[len(conv.turns)-e.opts.MaxTurns:]
	}
	conv.updatedAt = now
}

// Get returns a conversation with its full history
func (e *Engine) Get(convID string) (Info, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	conv, ok := e.convs[convID]
	if !ok {
		return Info{}, fmt.Errorf("%s: %w", convID, ErrNotFound)
	}
	return Info{
		ID:        conv.id,
		CreatedAt: conv.createdAt,
		UpdatedAt: conv.updatedAt,
		TurnCount: len(conv.turns),
		Turns:     append([]Turn(nil), conv.turns...),
	}, nil
}

// List returns all conversations without their turns, most recently
// updated first
func (e *Engine) List() []Info {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Info, 0, len(e.convs))
	for _, conv := range e.convs {
		out = append(out, Info{
			ID:        conv.id,
			CreatedAt: conv.createdAt,
			UpdatedAt: conv.updatedAt,
			TurnCount: len(conv.turns),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Delete removes a conversation
func (e *Engine) Delete(convID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.convs[convID]; !ok {
		return fmt.Errorf("%s: %w", convID, ErrNotFound)
	}
	delete(e.convs, convID)
	return nil
}
