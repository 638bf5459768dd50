package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
)

// ErrStreamInterrupted is returned when a stream fails or is cancelled before
// completing. The partial text is never returned alongside it.
var ErrStreamInterrupted = errors.New("stream interrupted")

// StreamResult is a completed stream.
type StreamResult struct {
	Text  string
	Usage *ports.Usage
}

// Streamer forwards fragments to a sink as they arrive and accumulates the
// full text.
type Streamer struct{}

func NewStreamer() *Streamer { return &Streamer{} }

// Consume drains chunks in order. Each non-empty fragment reaches the sink
// before the next chunk is read. Only a Done chunk completes the stream; a
// channel closed before it is an interruption.
func (s *Streamer) Consume(ctx context.Context, chunks <-chan ports.CompletionChunk, sink ports.Sink) (StreamResult, error) {
	if sink == nil {
		sink = ports.NopSink{}
	}

	var (
		text  strings.Builder
		usage *ports.Usage
	)
	for {
		select {
		case <-ctx.Done():
			return StreamResult{}, fmt.Errorf("%w: %w", ErrStreamInterrupted, ctx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				if err := ctx.Err(); err != nil {
					return StreamResult{}, fmt.Errorf("%w: %w", ErrStreamInterrupted, err)
				}
				return StreamResult{}, fmt.Errorf("%w: closed before completion", ErrStreamInterrupted)
			}
			if chunk.Err != nil {
				return StreamResult{}, fmt.Errorf("%w: %w", ErrStreamInterrupted, chunk.Err)
			}
			if chunk.DeltaText != "" {
				text.WriteString(chunk.DeltaText)
				sink.Fragment(chunk.DeltaText)
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.Done {
				return StreamResult{Text: text.String(), Usage: usage}, nil
			}
		}
	}
}

// Single streams an already complete text as one fragment.
func (s *Streamer) Single(text string, sink ports.Sink) StreamResult {
	if sink == nil {
		sink = ports.NopSink{}
	}
	if text != "" {
		sink.Fragment(text)
	}
	return StreamResult{Text: text}
}
