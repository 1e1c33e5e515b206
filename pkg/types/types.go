// Package types defines the shared types used across all turnguard packages.
//
// These types form the lingua franca between the state tracker, the
// pending-event buffer, the classifier, and the gateway. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting enumerations live here to avoid circular imports.
package types

// AgentState describes whether the voice agent is currently producing audio.
// Exactly one value is current at any instant for a given session.
type AgentState int

const (
	// StateSilent means the agent is not speaking; user speech is a fresh reply.
	StateSilent AgentState = iota

	// StateSpeaking means the agent is currently producing audio; user speech
	// is either a backchannel or a barge-in.
	StateSpeaking

	// StateTransitioning is reserved for future half-duplex handover handling.
	// No current logic produces or consumes it.
	StateTransitioning
)

// String returns the lowercase wire/log representation of the state.
func (s AgentState) String() string {
	switch s {
	case StateSilent:
		return "silent"
	case StateSpeaking:
		return "speaking"
	case StateTransitioning:
		return "transitioning"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one interruption event. Each opened event
// resolves to exactly one Decision.
type Decision int

const (
	// DecisionIgnore means the agent keeps speaking; the user speech was a
	// short acknowledgement or nothing intelligible was transcribed.
	DecisionIgnore Decision = iota

	// DecisionInterrupt means the agent's audio output must stop now.
	DecisionInterrupt

	// DecisionRespond means the transcript is a normal new utterance and
	// should flow through the regular turn-taking pipeline.
	DecisionRespond
)

// String returns the lowercase wire/log representation of the decision.
func (d Decision) String() string {
	switch d {
	case DecisionIgnore:
		return "ignore"
	case DecisionInterrupt:
		return "interrupt"
	case DecisionRespond:
		return "respond"
	default:
		return "unknown"
	}
}
