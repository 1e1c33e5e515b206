// Package interrupt implements the interruption decision pipeline: a
// per-session agent-state tracker and a single-slot pending-event buffer
// that resolves the race between a content-blind voice-activity signal and
// the content-bearing transcript that follows it.
//
// A VAD pulse arrives first and opens an event tagged with a snapshot of the
// agent's speaking state. The decision is then held open for a bounded time:
// either the final transcript arrives and is classified against the
// snapshot, or the resolution timeout fires and a configured fallback
// decision is emitted. Exactly one decision is produced per opened event —
// never zero, never two — regardless of how the two paths interleave.
//
// Each session owns its own [Tracker] and [Buffer]; nothing in this package
// is process-global, so concurrent sessions are independent.
package interrupt

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sonavox/turnguard/pkg/types"
)

// Tracker holds the agent's current speaking/silent status for one session.
//
// It is mutated only through [Tracker.MarkSpeaking] and [Tracker.MarkSilent];
// everything else reads it by value via [Tracker.Snapshot] at well-defined
// points. All methods are safe for concurrent use — the signal sources
// (TTS start/stop callbacks) run on different goroutines than the buffer.
type Tracker struct {
	mu            sync.Mutex
	state         types.AgentState
	speakingSince time.Time // set iff state == StateSpeaking
}

// NewTracker creates a Tracker in the silent state.
func NewTracker() *Tracker {
	return &Tracker{state: types.StateSilent}
}

// MarkSpeaking records that the agent started producing audio. Redundant
// calls while already speaking are no-ops: the utterance start time is not
// refreshed, so duration accounting survives repeated notifications from
// chatty TTS layers.
func (t *Tracker) MarkSpeaking() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == types.StateSpeaking {
		return
	}
	t.state = types.StateSpeaking
	t.speakingSince = time.Now()
}

// MarkSilent records that the agent stopped producing audio and returns the
// elapsed duration of the utterance that just ended. Calling MarkSilent
// while already silent is a no-op and returns zero.
func (t *Tracker) MarkSilent() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == types.StateSilent {
		return 0
	}

	elapsed := time.Since(t.speakingSince)
	t.state = types.StateSilent
	t.speakingSince = time.Time{}

	slog.Debug("agent utterance ended", "spoke_for", elapsed)
	return elapsed
}

// Snapshot returns the current agent state. The read is atomic with respect
// to concurrent MarkSpeaking/MarkSilent calls.
func (t *Tracker) Snapshot() types.AgentState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
