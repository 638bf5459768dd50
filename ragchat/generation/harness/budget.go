package harness

import (
	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
)

// DefaultMessageOverhead approximates the per-message framing tokens chat
// models add around each message (role marker and separators).
const DefaultMessageOverhead = 3

// TokenCounter counts tokens the way the target model does.
type TokenCounter interface {
	Count(text string) int
}

// TokenCounterFunc adapts a plain function to TokenCounter.
type TokenCounterFunc func(text string) int

func (f TokenCounterFunc) Count(text string) int { return f(text) }

// HeuristicTokens is the ~4 chars per token fallback estimate.
func HeuristicTokens(s string) int {
	l := len(s)
	if l == 0 {
		return 0
	}
	return (l + 3) / 4
}

// Budgeter keeps the newest turns of a conversation that fit a token budget.
// Trim never mutates its input and never errors.
type Budgeter struct {
	counter  TokenCounter
	overhead int
}

// NewBudgeter returns a keep-latest budgeter. A nil counter falls back to
// HeuristicTokens; a negative overhead is treated as zero.
func NewBudgeter(counter TokenCounter, overhead int) *Budgeter {
	if counter == nil {
		counter = TokenCounterFunc(HeuristicTokens)
	}
	if overhead < 0 {
		overhead = 0
	}
	return &Budgeter{counter: counter, overhead: overhead}
}

// Cost is the budget charge of a single turn.
func (b *Budgeter) Cost(t ports.Turn) int {
	return b.counter.Count(t.Content) + b.overhead
}

// Trim returns the longest suffix of turns (system turns excluded) whose
// total cost fits maxTokens, starting on a human turn. A turn that does not
// fit is dropped whole together with everything older.
func (b *Budgeter) Trim(turns []ports.Turn, maxTokens int) []ports.Turn {
	if len(turns) == 0 || maxTokens <= 0 {
		return []ports.Turn{}
	}

	kept := make([]ports.Turn, 0, len(turns))
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if t.Role == ports.RoleSystem {
			continue
		}
		cost := b.Cost(t)
		if used+cost > maxTokens {
			break
		}
		used += cost
		kept = append(kept, t)
	}

	// kept is newest-first; the oldest retained turn is at the end.
	for len(kept) > 0 && kept[len(kept)-1].Role != ports.RoleHuman {
		kept = kept[:len(kept)-1]
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// Total returns the summed cost of turns.
func (b *Budgeter) Total(turns []ports.Turn) int {
	total := 0
	for _, t := range turns {
		total += b.Cost(t)
	}
	return total
}
