// Package relay runs one chat turn at a time per connection: it forwards
// upstream text fragments to the client in order, then persists the turn pair
// and signals completion, or signals a single stream error.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zhouzirui/llm-hub/backend/internal/apperr"
	"github.com/zhouzirui/llm-hub/backend/internal/metrics"
	"github.com/zhouzirui/llm-hub/backend/internal/model/conversation"
	"github.com/zhouzirui/llm-hub/backend/internal/model/user"
	"github.com/zhouzirui/llm-hub/backend/internal/service/completion"
	convservice "github.com/zhouzirui/llm-hub/backend/internal/service/conversation"
)

// Events sent to the client.
const (
	EventChunk       = "message-chunk"
	EventComplete    = "message-complete"
	EventStreamError = "stream-error"
	EventError       = "error"
)

// State is the relay's position in the turn lifecycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingUpstream
	StateStreaming
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingUpstream:
		return "awaiting_upstream"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrBusy rejects a turn while another is in flight on the connection.
	ErrBusy = errors.New("a reply is already in progress")
	// ErrClosed rejects work on a relay whose connection has gone.
	ErrClosed = errors.New("connection closed")
)

// Request is the send-message payload.
type Request struct {
	ConversationID string `json:"conversationId,omitempty"`
	Message        string `json:"message"`
}

type ChunkPayload struct {
	Content string `json:"content"`
}

type CompletePayload struct {
	ConversationID string             `json:"conversationId,omitempty"`
	Usage          conversation.Usage `json:"usage"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Emitter delivers one event to the connected client. Calls are serialized by
// the relay.
type Emitter interface {
	Emit(event string, payload any) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(event string, payload any) error

func (f EmitterFunc) Emit(event string, payload any) error {
	return f(event, payload)
}

// Conversations is the slice of the conversation gateway the relay needs.
type Conversations interface {
	Get(ctx context.Context, ownerID, id string) (conversation.Conversation, error)
	SaveExchange(ctx context.Context, ownerID, id string, ex convservice.Exchange, titleRunes int) (string, error)
}

// Config tunes every relay opened by a Service.
type Config struct {
	// Persist saves each completed turn pair. When false the client is
	// expected to POST the turns itself.
	Persist         bool
	HistoryLimit    int
	UpstreamTimeout time.Duration
	PersistTimeout  time.Duration
	TurnsPerMinute  int
	TitleRunes      int
}

func (c Config) withDefaults() Config {
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = 60 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	if c.TitleRunes <= 0 {
		c.TitleRunes = convservice.DefaultTitleRunes
	}
	return c
}

// Service holds the dependencies shared by all connections.
type Service struct {
	client        completion.Client
	conversations Conversations
	cfg           Config
	metrics       *metrics.Collector
	logger        *slog.Logger
}

// NewService builds the relay factory.
func NewService(client completion.Client, conversations Conversations, cfg Config, collector *metrics.Collector, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:        client,
		conversations: conversations,
		cfg:           cfg.withDefaults(),
		metrics:       collector,
		logger:        logger.With("component", "relay"),
	}
}

// Session is the per-connection state.
type Session struct {
	ConnectionID         string
	Identity             user.Identity
	ActiveConversationID string
	accumulated          strings.Builder
}

// Relay is the state machine bound to one connection.
type Relay struct {
	svc     *Service
	emitter Emitter
	logger  *slog.Logger
	limiter *rate.Limiter

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	emitMu sync.Mutex

	mu            sync.Mutex
	state         State
	session       Session
	cancelTurn    context.CancelFunc
	releaseTurn   func() bool
	stopRequested bool
	closed        bool
}

// Open starts a relay for an admitted connection. Close must be called when
// the connection ends.
func (s *Service) Open(connectionID string, identity user.Identity, emitter Emitter) *Relay {
	ctx, stop := context.WithCancel(context.Background())
	r := &Relay{
		svc:     s,
		emitter: emitter,
		logger:  s.logger.With("connection", connectionID, "user", identity.UserID),
		ctx:     ctx,
		stop:    stop,
		state:   StateIdle,
		session: Session{ConnectionID: connectionID, Identity: identity},
	}
	if s.cfg.TurnsPerMinute > 0 {
		r.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.cfg.TurnsPerMinute)), s.cfg.TurnsPerMinute)
	}
	return r
}

// State reports the current lifecycle state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ActiveConversationID is the conversation the last completed turn used.
func (r *Relay) ActiveConversationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.ActiveConversationID
}

// Submit accepts a turn and runs it in the background. A rejected turn is
// reported to the client as an error event and returned.
func (r *Relay) Submit(req Request) error {
	ctx, err := r.begin(r.ctx, req)
	if err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx, req)
	}()
	return nil
}

// Handle runs a turn to completion on the caller's goroutine. Cancelling ctx
// aborts the turn silently.
func (r *Relay) Handle(ctx context.Context, req Request) error {
	turnCtx, err := r.begin(ctx, req)
	if err != nil {
		return err
	}

	r.wg.Add(1)
	defer r.wg.Done()
	r.run(turnCtx, req)
	return nil
}

// Cancel stops the in-flight turn, if any. Before the exchange is stored the
// client receives a stream error and nothing is persisted. A stop that arrives
// while the exchange is being stored lets the turn complete.
func (r *Relay) Cancel() {
	r.mu.Lock()
	cancel := r.cancelTurn
	if cancel != nil {
		r.stopRequested = true
	}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close cancels any in-flight turn and waits for it to unwind. No events are
// emitted once Close returns.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.stop()
	r.wg.Wait()
}

func (r *Relay) begin(parent context.Context, req Request) (context.Context, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}

	var reject error
	switch {
	case r.state != StateIdle:
		reject = ErrBusy
	case strings.TrimSpace(req.Message) == "":
		reject = apperr.New(apperr.ErrValidation, "message is required")
	case r.limiter != nil && !r.limiter.Allow():
		reject = apperr.New(apperr.ErrValidation, "too many messages, please slow down")
	}
	if reject != nil {
		r.mu.Unlock()
		r.svc.metrics.TurnFinished(metrics.OutcomeRejected, 0)
		r.emit(EventError, ErrorPayload{Message: clientMessage(reject)})
		return nil, reject
	}

	ctx, cancel := context.WithCancel(parent)
	r.releaseTurn = nil
	if parent != r.ctx {
		// Close must also reach turns running on a caller's context.
		r.releaseTurn = context.AfterFunc(r.ctx, cancel)
	}
	r.state = StateAwaitingUpstream
	r.cancelTurn = cancel
	r.stopRequested = false
	r.session.accumulated.Reset()
	r.mu.Unlock()
	return ctx, nil
}

func (r *Relay) run(ctx context.Context, req Request) {
	started := time.Now()
	outcome := metrics.OutcomeFailed
	defer func() {
		r.mu.Lock()
		if r.cancelTurn != nil {
			r.cancelTurn()
			r.cancelTurn = nil
		}
		if r.releaseTurn != nil {
			r.releaseTurn()
			r.releaseTurn = nil
		}
		r.state = StateIdle
		r.session.accumulated.Reset()
		r.mu.Unlock()
		r.svc.metrics.TurnFinished(outcome, time.Since(started))
	}()

	identity := r.session.Identity
	var history []conversation.ChatTurn
	if req.ConversationID != "" {
		conv, err := r.svc.conversations.Get(ctx, identity.UserID, req.ConversationID)
		if err != nil {
			if ctx.Err() != nil {
				outcome = metrics.OutcomeCanceled
				return
			}
			outcome = metrics.OutcomeRejected
			r.emit(EventError, ErrorPayload{Message: clientMessage(err)})
			return
		}
		history = conv.Messages
	}

	turns := append(conversation.Turns(history, r.svc.cfg.HistoryLimit), conversation.Turn{
		Role:    conversation.RoleUser,
		Content: req.Message,
	})

	upstreamCtx, cancelUpstream := context.WithTimeout(ctx, r.svc.cfg.UpstreamTimeout)
	defer cancelUpstream()

	stream, err := r.svc.client.Stream(upstreamCtx, turns)
	if err != nil {
		outcome = r.fail(ctx, err)
		return
	}
	defer stream.Close()

	r.setState(StateStreaming)
	for {
		fragment, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			outcome = r.fail(ctx, err)
			return
		}

		r.mu.Lock()
		r.session.accumulated.WriteString(fragment)
		r.mu.Unlock()

		if err := r.emit(EventChunk, ChunkPayload{Content: fragment}); err != nil {
			r.logger.Debug("client went away mid-stream", "error", err)
			outcome = metrics.OutcomeCanceled
			return
		}
		r.svc.metrics.ChunkForwarded()
	}

	// A stop that lands after the last fragment still ends the turn.
	if ctx.Err() != nil {
		outcome = r.fail(ctx, ctx.Err())
		return
	}

	r.mu.Lock()
	reply := r.session.accumulated.String()
	r.mu.Unlock()
	if reply == "" {
		outcome = r.fail(ctx, apperr.New(apperr.ErrUpstreamProtocol, "The AI service returned an empty response"))
		return
	}

	usage := stream.Usage()
	r.svc.metrics.Tokens(usage.PromptTokens, usage.CompletionTokens)

	conversationID := req.ConversationID
	if r.svc.cfg.Persist {
		conversationID = r.persist(ctx, req, reply)
	}
	if conversationID != "" {
		r.mu.Lock()
		r.session.ActiveConversationID = conversationID
		r.mu.Unlock()
	}

	// Once the exchange is stored the turn completes even if a stop arrived
	// meanwhile. A closed relay emits nothing.
	outcome = metrics.OutcomeCompleted
	r.emit(EventComplete, CompletePayload{ConversationID: conversationID, Usage: usage})
}

// persist stores the exchange. Failures are logged only; the client already
// has the text. It returns the conversation used, which is created when the
// request named none.
func (r *Relay) persist(ctx context.Context, req Request, reply string) string {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.svc.cfg.PersistTimeout)
	defer cancel()

	conversationID, err := r.svc.conversations.SaveExchange(ctx, r.session.Identity.UserID, req.ConversationID, convservice.Exchange{
		Message: req.Message,
		Reply:   reply,
		Model:   r.svc.client.Model(),
	}, r.svc.cfg.TitleRunes)
	if err != nil {
		r.svc.metrics.PersistFailed()
		r.logger.Error("persist turn failed", "conversation", conversationID, "error", err)
	}
	return conversationID
}

// fail reports a failed turn. A turn cancelled by disconnect ends silently;
// one cancelled by Cancel tells the client generation stopped.
func (r *Relay) fail(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		r.mu.Lock()
		stopped := r.stopRequested && !r.closed
		r.mu.Unlock()
		if stopped {
			r.emit(EventStreamError, ErrorPayload{Message: "Generation stopped"})
		}
		return metrics.OutcomeCanceled
	}

	r.setState(StateFailed)
	class := "unknown"
	if kind := apperr.Kind(err); kind != nil {
		class = kind.Error()
	}
	r.svc.metrics.UpstreamError(class)
	r.logger.Warn("turn failed", "class", class, "error", err)
	r.emit(EventStreamError, ErrorPayload{Message: clientMessage(err)})
	return metrics.OutcomeFailed
}

func (r *Relay) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// emit delivers an event unless the relay has been closed.
func (r *Relay) emit(event string, payload any) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	return r.emitter.Emit(event, payload)
}

func clientMessage(err error) string {
	if errors.Is(err, ErrBusy) {
		return ErrBusy.Error()
	}
	return apperr.Message(err)
}
