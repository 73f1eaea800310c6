// Package window bounds the history sent to the model.
package window

import "quill/internal/llm"

// DefaultKeep is how many non-system messages survive a trim.
const DefaultKeep = 30

// Trim returns the tail of history bounded to keep non-system messages.
//
// A leading system message is always retained and never duplicated. The cut
// is extended backward when it would land inside a tool round, so an
// assistant message carrying tool calls and its tool results always stay in
// the window together. Trimming an already trimmed history returns it
// unchanged.
func Trim(history []llm.Message, keep int) []llm.Message {
	if keep <= 0 {
		keep = DefaultKeep
	}

	var system []llm.Message
	rest := history
	if len(history) > 0 && history[0].Role == "system" {
		system = history[:1]
		rest = history[1:]
	}

	if len(rest) <= keep {
		return history
	}

	cut := len(rest) - keep
	// A window opening on a tool result message would orphan it from the
	// assistant message that requested the call. Walk back to the start of
	// the round.
	for cut > 0 && rest[cut].Role == "tool" {
		cut--
	}

	out := make([]llm.Message, 0, len(system)+len(rest)-cut)
	out = append(out, system...)
	out = append(out, rest[cut:]...)
	return out
}
