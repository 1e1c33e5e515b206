package interrupt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sonavox/turnguard/internal/classify"
	"github.com/sonavox/turnguard/internal/observe"
	"github.com/sonavox/turnguard/pkg/types"
)

// Reason strings for decisions produced by the buffer itself rather than the
// classifier. Fixed set, safe as metric attributes.
const (
	// ReasonTimeout marks a decision forced by the resolution timeout
	// because the transcript never arrived.
	ReasonTimeout = "resolution timeout elapsed without transcript"

	// ReasonUnsolicited marks a transcript that arrived with no pending VAD
	// signal — the agent was silent the whole time, so the text is a normal
	// reply.
	ReasonUnsolicited = "transcript without pending interruption"

	// ReasonSessionClosed marks an event force-resolved because its session
	// ended while the decision was still open.
	ReasonSessionClosed = "session closed before transcript"
)

// Resolution paths recorded on the decisions metric.
const (
	pathTranscript = "transcript"
	pathTimeout    = "timeout"
	pathClosed     = "closed"
)

// DecisionFunc receives the final decision for each resolved interruption
// event. For [types.DecisionInterrupt] the implementation must stop the
// agent's audio output; for Ignore and Respond it takes no audio action.
//
// The callback runs outside the buffer's lock, so it may safely call back
// into the buffer or the tracker.
type DecisionFunc func(decision types.Decision, reason string)

// Handle correlates a queued interruption with the transcript that later
// resolves it. It is opaque to callers and carries no authority to force
// early resolution.
type Handle uuid.UUID

// String returns the canonical UUID form of the handle.
func (h Handle) String() string { return uuid.UUID(h).String() }

// BufferConfig holds all dependencies needed to create a [Buffer].
type BufferConfig struct {
	// Tracker supplies the agent-state snapshot captured when an event is
	// opened. Must not be nil.
	Tracker *Tracker

	// Classifier turns an attached transcript plus the captured snapshot
	// into a decision. Must not be nil.
	Classifier *classify.Classifier

	// ResolutionTimeout bounds how long a decision stays open waiting for a
	// transcript. Must be positive.
	ResolutionTimeout time.Duration

	// TimeoutFallback is the decision emitted when the timeout fires:
	// DecisionIgnore biases against interrupting on uncertain signals,
	// DecisionInterrupt biases toward responsiveness at the cost of false
	// interrupts on slow STT. No other value is valid.
	TimeoutFallback types.Decision

	// OnDecision receives every resolved decision. Must not be nil.
	OnDecision DecisionFunc

	// Metrics records decision outcomes and latencies. When nil, the
	// package-level default instruments are used.
	Metrics *observe.Metrics
}

// Buffer is the single-slot pending-event store for one session. It owns at
// most one open interruption event at a time and guarantees that each opened
// event resolves to exactly one decision, through either the transcript path
// or the timeout path.
//
// All exported methods are safe for concurrent use.
type Buffer struct {
	tracker    *Tracker
	classifier *classify.Classifier
	timeout    time.Duration
	fallback   types.Decision
	onDecision DecisionFunc
	metrics    *observe.Metrics

	mu     sync.Mutex
	open   *pendingEvent
	closed bool

	// timedOut is set when a timeout resolves an event and cleared on the
	// next signal. It lets the buffer tell a late transcript (for the event
	// the timeout already closed — dropped silently) apart from a genuinely
	// unsolicited one (forwarded as Respond).
	timedOut bool
}

// pendingEvent is one VAD-to-resolution cycle. The snapshot is captured at
// creation and never changes; origin may be replaced by coalesced pulses.
type pendingEvent struct {
	handle    Handle
	createdAt time.Time
	snapshot  types.AgentState
	origin    any
	timer     *time.Timer
}

// NewBuffer validates cfg and creates a Buffer.
//
// Errors are prefixed with "interrupt: ".
func NewBuffer(cfg BufferConfig) (*Buffer, error) {
	if cfg.Tracker == nil {
		return nil, errors.New("interrupt: Tracker must not be nil")
	}
	if cfg.Classifier == nil {
		return nil, errors.New("interrupt: Classifier must not be nil")
	}
	if cfg.ResolutionTimeout <= 0 {
		return nil, errors.New("interrupt: ResolutionTimeout must be positive")
	}
	if cfg.TimeoutFallback != types.DecisionIgnore && cfg.TimeoutFallback != types.DecisionInterrupt {
		return nil, errors.New("interrupt: TimeoutFallback must be ignore or interrupt")
	}
	if cfg.OnDecision == nil {
		return nil, errors.New("interrupt: OnDecision must not be nil")
	}

	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	return &Buffer{
		tracker:    cfg.Tracker,
		classifier: cfg.Classifier,
		timeout:    cfg.ResolutionTimeout,
		fallback:   cfg.TimeoutFallback,
		onDecision: cfg.OnDecision,
		metrics:    m,
	}, nil
}

// QueueInterruption opens an interruption event for a user-started-speaking
// signal and returns its correlation handle. The event captures the
// tracker's current state snapshot and arms the resolution timeout.
//
// If an event is already open, the new pulse coalesces into it: origin
// replaces the stored payload but the timeout clock is not reset, so
// repeated false starts cannot starve resolution — the original latency
// bound holds. The existing event's handle is returned.
//
// QueueInterruption never blocks; the waiting period is represented by the
// open event plus the armed timer, not by a blocked call.
func (b *Buffer) QueueInterruption(origin any) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Handle{}
	}
	b.timedOut = false

	if b.open != nil {
		b.open.origin = origin
		b.metrics.CoalescedPulses.Add(context.Background(), 1)
		slog.Debug("vad pulse coalesced into open event", "handle", b.open.handle)
		return b.open.handle
	}

	ev := &pendingEvent{
		handle:    Handle(uuid.New()),
		createdAt: time.Now(),
		snapshot:  b.tracker.Snapshot(),
		origin:    origin,
	}
	h := ev.handle
	ev.timer = time.AfterFunc(b.timeout, func() { b.expire(h) })
	b.open = ev
	b.metrics.OpenEvents.Add(context.Background(), 1)

	slog.Debug("interruption event opened",
		"handle", ev.handle,
		"agent_state", ev.snapshot,
		"timeout", b.timeout,
	)
	return h
}

// OnTranscription attaches a final transcript to the open event, cancels the
// pending timeout, classifies the text against the event's snapshot, and
// emits the resulting decision.
//
// With no open event the transcript is either forwarded directly as a
// Respond decision (the agent was silent the whole time, so the silent-state
// classification is degenerate) or, when the previous event was closed by
// its timeout, dropped silently — that text belongs to an already-settled
// decision.
func (b *Buffer) OnTranscription(text string) {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return
	}

	if b.open == nil {
		lateForTimedOut := b.timedOut
		b.timedOut = false
		b.mu.Unlock()

		if lateForTimedOut {
			b.metrics.DroppedTranscripts.Add(context.Background(), 1)
			slog.Debug("transcript arrived after timeout resolution, dropped", "text", text)
			return
		}
		if len(classify.Tokenize(text)) == 0 {
			return
		}
		b.metrics.RecordDecision(context.Background(), types.DecisionRespond.String(), ReasonUnsolicited, pathTranscript)
		b.onDecision(types.DecisionRespond, ReasonUnsolicited)
		return
	}

	ev := b.open
	b.open = nil
	ev.timer.Stop()
	b.mu.Unlock()

	decision, reason := b.classifier.Analyze(text, ev.snapshot)
	b.resolve(ev, decision, reason, pathTranscript)
}

// Close force-resolves any open event with the timeout fallback and rejects
// all further signals. Every opened event still produces exactly one
// decision, even across session teardown. Close is idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	ev := b.open
	b.open = nil
	b.mu.Unlock()

	if ev == nil {
		return
	}
	ev.timer.Stop()
	b.resolve(ev, b.fallback, ReasonSessionClosed, pathClosed)
}

// expire is the timer callback for handle h. It resolves the event with the
// configured fallback unless the transcript path won the race first — the
// open-slot check under the mutex makes the two paths mutually exclusive.
func (b *Buffer) expire(h Handle) {
	b.mu.Lock()
	if b.open == nil || b.open.handle != h {
		// Transcript (or Close) already resolved this event.
		b.mu.Unlock()
		return
	}
	ev := b.open
	b.open = nil
	b.timedOut = true
	b.mu.Unlock()

	b.resolve(ev, b.fallback, ReasonTimeout, pathTimeout)
}

// resolve records metrics and delivers the final decision. Called exactly
// once per event, outside the buffer lock.
func (b *Buffer) resolve(ev *pendingEvent, decision types.Decision, reason, path string) {
	ctx := context.Background()
	latency := time.Since(ev.createdAt)

	b.metrics.OpenEvents.Add(ctx, -1)
	b.metrics.RecordDecision(ctx, decision.String(), reason, path)
	b.metrics.DecisionLatency.Record(ctx, latency.Seconds())

	slog.Info("interruption event resolved",
		"handle", ev.handle,
		"decision", decision,
		"reason", reason,
		"path", path,
		"agent_state", ev.snapshot,
		"latency", latency,
	)

	b.onDecision(decision, reason)
}
