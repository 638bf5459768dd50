package harness

import (
	"fmt"
	"math/rand/v2"
	"testing"

	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func turn(role ports.Role, content string) ports.Turn {
	return ports.Turn{Role: role, Content: content}
}

func TestTrimKeepsNewestFittingSuffix(t *testing.T) {
	b := NewBudgeter(TokenCounterFunc(func(s string) int { return len(s) }), 0)
	turns := []ports.Turn{
		turn(ports.RoleHuman, "aaaa"),
		turn(ports.RoleAssistant, "bbbb"),
		turn(ports.RoleHuman, "cc"),
		turn(ports.RoleAssistant, "dd"),
	}

	assert.Equal(t, turns[2:], b.Trim(turns, 4))
	assert.Equal(t, turns[2:], b.Trim(turns, 9), "assistant 'bbbb' fits but would start the window")
	assert.Equal(t, turns, b.Trim(turns, 12))
	assert.Empty(t, b.Trim(turns, 1))
}

func TestTrimDropsSystemTurns(t *testing.T) {
	b := NewBudgeter(nil, 0)
	turns := []ports.Turn{
		turn(ports.RoleSystem, "rules"),
		turn(ports.RoleHuman, "hi"),
		turn(ports.RoleSystem, "more rules"),
		turn(ports.RoleAssistant, "hello"),
	}
	out := b.Trim(turns, 100)
	assert.Equal(t, []ports.Turn{turns[1], turns[3]}, out)
}

func TestTrimEdgeCases(t *testing.T) {
	b := NewBudgeter(nil, DefaultMessageOverhead)
	assert.Empty(t, b.Trim(nil, 100))
	assert.Empty(t, b.Trim([]ports.Turn{turn(ports.RoleHuman, "x")}, 0))
	assert.Empty(t, b.Trim([]ports.Turn{turn(ports.RoleAssistant, "x")}, 100))
	// A single human turn larger than the budget is dropped whole.
	assert.Empty(t, b.Trim([]ports.Turn{turn(ports.RoleHuman, "a very long message indeed")}, 4))
}

func TestTrimDoesNotMutateInput(t *testing.T) {
	b := NewBudgeter(nil, 1)
	turns := []ports.Turn{
		turn(ports.RoleHuman, "one"),
		turn(ports.RoleAssistant, "two"),
		turn(ports.RoleHuman, "three"),
	}
	snapshot := append([]ports.Turn(nil), turns...)
	_ = b.Trim(turns, 5)
	assert.Equal(t, snapshot, turns)
}

func TestTrimProperties(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	roles := []ports.Role{ports.RoleHuman, ports.RoleAssistant, ports.RoleTool, ports.RoleSystem}
	b := NewBudgeter(nil, DefaultMessageOverhead)

	for i := range 500 {
		n := rng.IntN(20)
		turns := make([]ports.Turn, n)
		for j := range turns {
			turns[j] = turn(roles[rng.IntN(len(roles))], fmt.Sprintf("%0*d", rng.IntN(60), j))
		}
		budget := rng.IntN(120)

		out := b.Trim(turns, budget)
		if len(out) > 0 {
			require.Equal(t, ports.RoleHuman, out[0].Role, "case %d", i)
		}
		require.LessOrEqual(t, b.Total(out), budget, "case %d", i)
		for _, o := range out {
			require.NotEqual(t, ports.RoleSystem, o.Role)
		}
		require.Equal(t, out, b.Trim(out, budget), "trim must be idempotent, case %d", i)
	}
}

func TestHeuristicTokens(t *testing.T) {
	assert.Equal(t, 0, HeuristicTokens(""))
	assert.Equal(t, 1, HeuristicTokens("a"))
	assert.Equal(t, 1, HeuristicTokens("abcd"))
	assert.Equal(t, 2, HeuristicTokens("abcde"))
}
