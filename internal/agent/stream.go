package agent

import "quill/internal/llm"

// streamGate collects the tokens of one reasoning step and withholds them
// until the step's outcome is known. A step that turns out to be a tool-call
// round must not leak prose to the caller, and the model may emit prose
// before its first tool-call delta, so sniffing a token prefix is not
// enough: nothing reaches emit until finish, which the loop calls only for
// final answers.
type streamGate struct {
	emit     func(string)
	buffer   []string
	toolCall bool
}

func newStreamGate(emit func(string)) *streamGate {
	return &streamGate{emit: emit}
}

func (g *streamGate) callback(event llm.StreamEvent) {
	if g.toolCall {
		return
	}
	switch event.Kind {
	case llm.KindToolCallStart:
		g.toolCall = true
		g.buffer = nil
	case llm.KindToken:
		g.buffer = append(g.buffer, event.Token)
	}
}

// finish releases the buffered answer in token order. A no-op for tool-call
// rounds, so a caller that cannot tell the rounds apart may call it anyway.
func (g *streamGate) finish() {
	if g.toolCall {
		return
	}
	for _, tok := range g.buffer {
		g.emit(tok)
	}
	g.buffer = nil
}
