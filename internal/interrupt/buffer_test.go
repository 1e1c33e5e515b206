package interrupt

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sonavox/turnguard/internal/classify"
	"github.com/sonavox/turnguard/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type decisionResult struct {
	decision types.Decision
	reason   string
}

// decisionSink collects emitted decisions and signals each arrival on a
// buffered channel so tests can wait without polling.
type decisionSink struct {
	mu      sync.Mutex
	results []decisionResult
	arrived chan struct{}
}

func newDecisionSink() *decisionSink {
	return &decisionSink{arrived: make(chan struct{}, 64)}
}

func (s *decisionSink) record(d types.Decision, reason string) {
	s.mu.Lock()
	s.results = append(s.results, decisionResult{d, reason})
	s.mu.Unlock()
	s.arrived <- struct{}{}
}

func (s *decisionSink) wait(t *testing.T, timeout time.Duration) decisionResult {
	t.Helper()
	select {
	case <-s.arrived:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a decision")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[len(s.results)-1]
}

func (s *decisionSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func testClassifier() *classify.Classifier {
	return classify.New(classify.Config{
		BackchannelWords:     []string{"yeah", "ok", "okay", "mhm"},
		InterruptWords:       []string{"stop", "wait", "no"},
		MaxBackchannelTokens: 3,
	})
}

func newTestBuffer(t *testing.T, tr *Tracker, sink *decisionSink, timeout time.Duration, fallback types.Decision) *Buffer {
	t.Helper()
	b, err := NewBuffer(BufferConfig{
		Tracker:           tr,
		Classifier:        testClassifier(),
		ResolutionTimeout: timeout,
		TimeoutFallback:   fallback,
		OnDecision:        sink.record,
	})
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	return b
}

// ── Construction ─────────────────────────────────────────────────────────────

func TestNewBufferValidation(t *testing.T) {
	t.Parallel()

	valid := BufferConfig{
		Tracker:           NewTracker(),
		Classifier:        testClassifier(),
		ResolutionTimeout: time.Second,
		TimeoutFallback:   types.DecisionIgnore,
		OnDecision:        func(types.Decision, string) {},
	}

	cases := []struct {
		name    string
		mutate  func(*BufferConfig)
		wantErr string
	}{
		{"nil tracker", func(c *BufferConfig) { c.Tracker = nil }, "Tracker"},
		{"nil classifier", func(c *BufferConfig) { c.Classifier = nil }, "Classifier"},
		{"zero timeout", func(c *BufferConfig) { c.ResolutionTimeout = 0 }, "ResolutionTimeout"},
		{"negative timeout", func(c *BufferConfig) { c.ResolutionTimeout = -time.Second }, "ResolutionTimeout"},
		{"respond fallback", func(c *BufferConfig) { c.TimeoutFallback = types.DecisionRespond }, "TimeoutFallback"},
		{"nil callback", func(c *BufferConfig) { c.OnDecision = nil }, "OnDecision"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tc.mutate(&cfg)
			if _, err := NewBuffer(cfg); err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("NewBuffer err = %v, want mention of %s", err, tc.wantErr)
			}
		})
	}

	t.Run("valid config", func(t *testing.T) {
		t.Parallel()
		if _, err := NewBuffer(valid); err != nil {
			t.Fatalf("NewBuffer: %v", err)
		}
	})
}

// ── Transcript path ──────────────────────────────────────────────────────────

func TestTranscriptResolution(t *testing.T) {
	t.Parallel()

	t.Run("backchannel while speaking is ignored", func(t *testing.T) {
		t.Parallel()
		tr := NewTracker()
		tr.MarkSpeaking()
		sink := newDecisionSink()
		b := newTestBuffer(t, tr, sink, time.Second, types.DecisionIgnore)

		h := b.QueueInterruption(nil)
		if h == (Handle{}) {
			t.Fatal("QueueInterruption returned zero handle")
		}
		b.OnTranscription("yeah")

		got := sink.wait(t, time.Second)
		if got.decision != types.DecisionIgnore || got.reason != classify.ReasonBackchannel {
			t.Fatalf("got (%v, %q), want (ignore, %q)", got.decision, got.reason, classify.ReasonBackchannel)
		}
	})

	t.Run("interrupt word while speaking interrupts", func(t *testing.T) {
		t.Parallel()
		tr := NewTracker()
		tr.MarkSpeaking()
		sink := newDecisionSink()
		b := newTestBuffer(t, tr, sink, time.Second, types.DecisionIgnore)

		b.QueueInterruption(nil)
		b.OnTranscription("no stop")

		got := sink.wait(t, time.Second)
		if got.decision != types.DecisionInterrupt || got.reason != classify.ReasonInterruptWord {
			t.Fatalf("got (%v, %q), want (interrupt, %q)", got.decision, got.reason, classify.ReasonInterruptWord)
		}
	})

	t.Run("transcript cancels the timeout", func(t *testing.T) {
		t.Parallel()
		tr := NewTracker()
		tr.MarkSpeaking()
		sink := newDecisionSink()
		b := newTestBuffer(t, tr, sink, 30*time.Millisecond, types.DecisionInterrupt)

		b.QueueInterruption(nil)
		b.OnTranscription("yeah")
		sink.wait(t, time.Second)

		// Had the timer survived, the interrupt fallback would land here.
		time.Sleep(80 * time.Millisecond)
		if n := sink.count(); n != 1 {
			t.Fatalf("decision count = %d, want exactly 1", n)
		}
	})

	t.Run("classified against snapshot, not current state", func(t *testing.T) {
		t.Parallel()
		tr := NewTracker()
		tr.MarkSpeaking()
		sink := newDecisionSink()
		b := newTestBuffer(t, tr, sink, time.Second, types.DecisionIgnore)

		b.QueueInterruption(nil)
		// Agent finishes its utterance before the transcript lands. The event
		// was opened while speaking, so the overlap still classifies as such.
		tr.MarkSilent()
		b.OnTranscription("yeah")

		got := sink.wait(t, time.Second)
		if got.decision != types.DecisionIgnore || got.reason != classify.ReasonBackchannel {
			t.Fatalf("got (%v, %q), want snapshot-based (ignore, %q)", got.decision, got.reason, classify.ReasonBackchannel)
		}
	})
}

// ── Timeout path ─────────────────────────────────────────────────────────────

func TestTimeoutResolution(t *testing.T) {
	t.Parallel()

	for _, fallback := range []types.Decision{types.DecisionIgnore, types.DecisionInterrupt} {
		t.Run("fallback "+fallback.String(), func(t *testing.T) {
			t.Parallel()
			tr := NewTracker()
			tr.MarkSpeaking()
			sink := newDecisionSink()
			b := newTestBuffer(t, tr, sink, 20*time.Millisecond, fallback)

			b.QueueInterruption(nil)

			got := sink.wait(t, time.Second)
			if got.decision != fallback || got.reason != ReasonTimeout {
				t.Fatalf("got (%v, %q), want (%v, %q)", got.decision, got.reason, fallback, ReasonTimeout)
			}
		})
	}

	t.Run("late transcript after timeout is dropped", func(t *testing.T) {
		t.Parallel()
		tr := NewTracker()
		tr.MarkSpeaking()
		sink := newDecisionSink()
		b := newTestBuffer(t, tr, sink, 20*time.Millisecond, types.DecisionIgnore)

		b.QueueInterruption(nil)
		sink.wait(t, time.Second) // timeout decision

		b.OnTranscription("wait stop everything")
		time.Sleep(50 * time.Millisecond)
		if n := sink.count(); n != 1 {
			t.Fatalf("decision count = %d, want 1 (late transcript must be dropped)", n)
		}
	})

	t.Run("transcript after the drop is unsolicited again", func(t *testing.T) {
		t.Parallel()
		tr := NewTracker()
		sink := newDecisionSink()
		b := newTestBuffer(t, tr, sink, 20*time.Millisecond, types.DecisionIgnore)

		tr.MarkSpeaking()
		b.QueueInterruption(nil)
		sink.wait(t, time.Second) // timeout decision
		b.OnTranscription("late text") // consumed by the tombstone

		tr.MarkSilent()
		b.OnTranscription("a fresh question")
		got := sink.wait(t, time.Second)
		if got.decision != types.DecisionRespond || got.reason != ReasonUnsolicited {
			t.Fatalf("got (%v, %q), want (respond, %q)", got.decision, got.reason, ReasonUnsolicited)
		}
	})
}

// ── Coalescing ───────────────────────────────────────────────────────────────

func TestCoalescing(t *testing.T) {
	t.Parallel()

	t.Run("repeat pulse returns the open handle", func(t *testing.T) {
		t.Parallel()
		tr := NewTracker()
		tr.MarkSpeaking()
		sink := newDecisionSink()
		b := newTestBuffer(t, tr, sink, time.Second, types.DecisionIgnore)

		h1 := b.QueueInterruption("pulse-1")
		h2 := b.QueueInterruption("pulse-2")
		if h1 != h2 {
			t.Fatalf("handles differ: %v vs %v", h1, h2)
		}

		b.OnTranscription("stop")
		sink.wait(t, time.Second)
		if n := sink.count(); n != 1 {
			t.Fatalf("decision count = %d, want 1 for coalesced pulses", n)
		}
	})

	t.Run("snapshot survives coalesced pulses and state changes", func(t *testing.T) {
		t.Parallel()
		tr := NewTracker()
		tr.MarkSpeaking()
		sink := newDecisionSink()
		b := newTestBuffer(t, tr, sink, time.Second, types.DecisionIgnore)

		b.QueueInterruption(nil)
		tr.MarkSilent()
		b.QueueInterruption(nil) // coalesces; must not re-capture state

		b.OnTranscription("yeah")
		got := sink.wait(t, time.Second)
		if got.decision != types.DecisionIgnore || got.reason != classify.ReasonBackchannel {
			t.Fatalf("got (%v, %q), want the speaking-snapshot classification (ignore, %q)",
				got.decision, got.reason, classify.ReasonBackchannel)
		}
	})

	t.Run("coalescing does not extend the timeout", func(t *testing.T) {
		t.Parallel()
		tr := NewTracker()
		tr.MarkSpeaking()
		sink := newDecisionSink()
		b := newTestBuffer(t, tr, sink, 60*time.Millisecond, types.DecisionIgnore)

		start := time.Now()
		b.QueueInterruption(nil)
		// Keep pulsing past the original deadline; resolution must still
		// happen on the first event's clock.
		for range 4 {
			time.Sleep(25 * time.Millisecond)
			b.QueueInterruption(nil)
		}

		got := sink.wait(t, time.Second)
		if got.reason != ReasonTimeout {
			t.Fatalf("reason = %q, want %q", got.reason, ReasonTimeout)
		}
		if elapsed := time.Since(start); elapsed > 120*time.Millisecond {
			t.Fatalf("resolved after %v, timeout was starved by coalescing", elapsed)
		}
	})
}

// ── Unsolicited transcripts ──────────────────────────────────────────────────

func TestUnsolicitedTranscript(t *testing.T) {
	t.Parallel()

	t.Run("forwarded as respond", func(t *testing.T) {
		t.Parallel()
		tr := NewTracker()
		sink := newDecisionSink()
		b := newTestBuffer(t, tr, sink, time.Second, types.DecisionIgnore)

		b.OnTranscription("what time is it")
		got := sink.wait(t, time.Second)
		if got.decision != types.DecisionRespond || got.reason != ReasonUnsolicited {
			t.Fatalf("got (%v, %q), want (respond, %q)", got.decision, got.reason, ReasonUnsolicited)
		}
	})

	t.Run("empty text produces nothing", func(t *testing.T) {
		t.Parallel()
		tr := NewTracker()
		sink := newDecisionSink()
		b := newTestBuffer(t, tr, sink, time.Second, types.DecisionIgnore)

		b.OnTranscription("...")
		time.Sleep(30 * time.Millisecond)
		if n := sink.count(); n != 0 {
			t.Fatalf("decision count = %d, want 0", n)
		}
	})
}

// ── Close ────────────────────────────────────────────────────────────────────

func TestClose(t *testing.T) {
	t.Parallel()

	t.Run("open event resolves with fallback", func(t *testing.T) {
		t.Parallel()
		tr := NewTracker()
		tr.MarkSpeaking()
		sink := newDecisionSink()
		b := newTestBuffer(t, tr, sink, time.Hour, types.DecisionIgnore)

		b.QueueInterruption(nil)
		b.Close()

		got := sink.wait(t, time.Second)
		if got.decision != types.DecisionIgnore || got.reason != ReasonSessionClosed {
			t.Fatalf("got (%v, %q), want (ignore, %q)", got.decision, got.reason, ReasonSessionClosed)
		}
	})

	t.Run("rejects signals after close", func(t *testing.T) {
		t.Parallel()
		tr := NewTracker()
		sink := newDecisionSink()
		b := newTestBuffer(t, tr, sink, time.Second, types.DecisionIgnore)

		b.Close()
		if h := b.QueueInterruption(nil); h != (Handle{}) {
			t.Fatalf("QueueInterruption after Close = %v, want zero handle", h)
		}
		b.OnTranscription("anyone there")
		time.Sleep(30 * time.Millisecond)
		if n := sink.count(); n != 0 {
			t.Fatalf("decision count = %d, want 0 after close", n)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		t.Parallel()
		tr := NewTracker()
		tr.MarkSpeaking()
		sink := newDecisionSink()
		b := newTestBuffer(t, tr, sink, time.Hour, types.DecisionIgnore)

		b.QueueInterruption(nil)
		b.Close()
		b.Close()
		sink.wait(t, time.Second)
		time.Sleep(30 * time.Millisecond)
		if n := sink.count(); n != 1 {
			t.Fatalf("decision count = %d, want 1", n)
		}
	})
}

// ── Exactly-one-resolution under racing paths ────────────────────────────────

func TestTranscriptTimeoutRace(t *testing.T) {
	t.Parallel()

	// Fire the transcript as close to the timeout deadline as possible and
	// verify that, whichever path wins, each event produces exactly one
	// decision.
	const rounds = 50
	timeout := 5 * time.Millisecond

	tr := NewTracker()
	tr.MarkSpeaking()

	var total atomic.Int64
	b, err := NewBuffer(BufferConfig{
		Tracker:           tr,
		Classifier:        testClassifier(),
		ResolutionTimeout: timeout,
		TimeoutFallback:   types.DecisionIgnore,
		OnDecision:        func(types.Decision, string) { total.Add(1) },
	})
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}

	for range rounds {
		before := total.Load()
		b.QueueInterruption(nil)
		time.Sleep(timeout)
		b.OnTranscription("stop") // may land before or after expiry

		deadline := time.Now().Add(time.Second)
		for total.Load() == before {
			if time.Now().After(deadline) {
				t.Fatal("event never resolved")
			}
			time.Sleep(time.Millisecond)
		}
		// The losing path must not produce a second decision. When the timer
		// wins, the late transcript is dropped by the tombstone and the slot
		// ends the round clean either way.
		time.Sleep(3 * timeout)
		if got := total.Load(); got != before+1 {
			t.Fatalf("decisions for one event = %d, want 1", got-before)
		}
	}
}
