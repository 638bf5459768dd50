package harnessports

// Sink receives output for rendering. It is write-only: the engine never
// reads anything back from it.
type Sink interface {
	// Fragment is called once per streamed text fragment, in order.
	Fragment(text string)
	// Turn is called with every turn committed during a user turn.
	Turn(turn Turn)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Fragment(string) {}
func (NopSink) Turn(Turn)       {}
