package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sonavox/turnguard/internal/classify"
	"github.com/sonavox/turnguard/internal/config"
	"github.com/sonavox/turnguard/internal/interrupt"
	"github.com/sonavox/turnguard/internal/observe"
	"github.com/sonavox/turnguard/pkg/types"
)

// Signal frame types accepted from the voice-session side.
const (
	// frameVADStart announces that the user started producing audio. The
	// meta payload is opaque to turnguard and travels on the event untouched.
	frameVADStart = "vad_start"

	// frameAgentState reports a speaking/silent transition of the agent,
	// including new-TTS-utterance-started notifications.
	frameAgentState = "agent_state"

	// frameTranscript delivers the final STT transcript for the current
	// utterance.
	frameTranscript = "transcript"
)

// signalFrame is an inbound message from the voice session.
type signalFrame struct {
	Type string `json:"type"`

	// State is "speaking" or "silent". Set for agent_state frames.
	State string `json:"state,omitempty"`

	// Text is the final transcript. Set for transcript frames.
	Text string `json:"text,omitempty"`

	// Meta is an opaque VAD payload (energy, channel, whatever the caller
	// tracks). Turnguard never inspects it.
	Meta json.RawMessage `json:"meta,omitempty"`
}

// decisionFrame is the outbound message emitted once per resolved event.
// On "interrupt" the receiving side must stop agent audio output; "ignore"
// and "respond" require no audio action.
type decisionFrame struct {
	Type     string `json:"type"` // always "decision"
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// session binds one websocket connection to its own tracker and buffer.
// Sessions are fully independent: nothing is shared across connections
// except the read-only classifier.
type session struct {
	id      string
	tracker *interrupt.Tracker
	buffer  *interrupt.Buffer
	metrics *observe.Metrics

	// send delivers a decision frame to the peer. It must be safe to call
	// from the buffer's timeout goroutine as well as the read loop.
	send func(decisionFrame) error
}

// newSession creates a session with a freshly wired tracker and buffer.
func newSession(id string, cfg config.DecisionConfig, cls *classify.Classifier, m *observe.Metrics, send func(decisionFrame) error) (*session, error) {
	s := &session{
		id:      id,
		tracker: interrupt.NewTracker(),
		metrics: m,
		send:    send,
	}

	buf, err := interrupt.NewBuffer(interrupt.BufferConfig{
		Tracker:           s.tracker,
		Classifier:        cls,
		ResolutionTimeout: cfg.ResolutionTimeout.Std(),
		TimeoutFallback:   cfg.TimeoutFallback.Decision(),
		OnDecision:        s.emitDecision,
		Metrics:           m,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: session %s: %w", id, err)
	}
	s.buffer = buf
	return s, nil
}

// handleFrame dispatches one inbound signal. Unknown frame types are
// reported as errors so the peer's protocol bugs surface in logs; known
// frames never fail — every input has a defined outcome.
func (s *session) handleFrame(data []byte) error {
	var frame signalFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("gateway: session %s: malformed frame: %w", s.id, err)
	}

	switch frame.Type {
	case frameVADStart:
		s.buffer.QueueInterruption(frame.Meta)

	case frameAgentState:
		switch frame.State {
		case "speaking":
			s.tracker.MarkSpeaking()
		case "silent":
			if elapsed := s.tracker.MarkSilent(); elapsed > 0 {
				s.metrics.SpeakingDuration.Record(context.Background(), elapsed.Seconds())
			}
		default:
			return fmt.Errorf("gateway: session %s: unknown agent state %q", s.id, frame.State)
		}

	case frameTranscript:
		s.buffer.OnTranscription(frame.Text)

	default:
		return fmt.Errorf("gateway: session %s: unknown frame type %q", s.id, frame.Type)
	}
	return nil
}

// emitDecision forwards a resolved decision to the peer. Delivery failures
// are logged, not retried — when the connection is gone the session is
// about to be torn down anyway.
func (s *session) emitDecision(d types.Decision, reason string) {
	err := s.send(decisionFrame{
		Type:     "decision",
		Decision: d.String(),
		Reason:   reason,
	})
	if err != nil {
		slog.Warn("gateway: decision delivery failed",
			"session_id", s.id,
			"decision", d,
			"err", err,
		)
	}
}

// close resolves any still-open event and rejects further signals.
func (s *session) close() {
	s.buffer.Close()
}
