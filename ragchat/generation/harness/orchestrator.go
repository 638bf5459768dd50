package harness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/ragchat/ragchat/conversation"
	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
	"github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/tools"
	"github.com/ZanzyTHEbar/ragchat/ragchat/memory/service"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is a phase of one user turn.
type State int

const (
	StateRouting State = iota + 1
	StateRetrieving
	StateGenerating
	StateDone
)

func (s State) String() string {
	switch s {
	case StateRouting:
		return "ROUTING"
	case StateRetrieving:
		return "RETRIEVING"
	case StateGenerating:
		return "GENERATING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Policy controls model calls of a turn.
type Policy struct {
	Model               string
	Temperature         float32
	MaxNewTokens        int           // generation and direct answers
	RoutingMaxNewTokens int           // routing call
	MaxHistoryTokens    int           // budget for trimmed history
	CallTimeout         time.Duration // per model call
}

// DefaultPolicy returns the stock model settings.
func DefaultPolicy() Policy {
	return Policy{
		Model:               "sabia-3",
		Temperature:         0.2,
		MaxNewTokens:        2048,
		RoutingMaxNewTokens: 1024,
		MaxHistoryTokens:    50000,
		CallTimeout:         60 * time.Second,
	}
}

// TurnResult describes a completed turn.
type TurnResult struct {
	States    []State
	Call      *ports.ToolCall
	Retrieval *service.RetrievalResult
	Answer    ports.Turn
	Usage     ports.Usage
}

// RouterDeps are the collaborators of a TurnRouter. Provider and Tool are
// required; the rest fall back to no-op or default implementations.
type RouterDeps struct {
	Provider   ports.Provider
	Tool       *tools.RetrieveTool
	Budgeter   *Budgeter
	Parser     *OutputParser
	Prompts    *PromptBuilder
	Guardrails *Guardrails
	Streamer   *Streamer
	Limiter    ports.RateLimiter
	Tracer     ports.Tracer
}

// TurnRouter drives one user turn through routing, optional retrieval and
// generation, committing turns to the session's conversation.
type TurnRouter struct {
	provider   ports.Provider
	tool       *tools.RetrieveTool
	budgeter   *Budgeter
	parser     *OutputParser
	prompts    *PromptBuilder
	guardrails *Guardrails
	streamer   *Streamer
	limiter    ports.RateLimiter
	tracer     ports.Tracer
	policy     Policy
	logger     zerolog.Logger
}

// NewTurnRouter wires a router.
func NewTurnRouter(deps RouterDeps, policy Policy, logger zerolog.Logger) (*TurnRouter, error) {
	if deps.Provider == nil {
		return nil, fmt.Errorf("turn router: provider is required")
	}
	if deps.Tool == nil {
		return nil, fmt.Errorf("turn router: retrieve tool is required")
	}

	r := &TurnRouter{
		provider:   deps.Provider,
		tool:       deps.Tool,
		budgeter:   deps.Budgeter,
		parser:     deps.Parser,
		prompts:    deps.Prompts,
		guardrails: deps.Guardrails,
		streamer:   deps.Streamer,
		limiter:    deps.Limiter,
		tracer:     deps.Tracer,
		policy:     policy,
		logger:     logger,
	}
	if r.guardrails == nil {
		r.guardrails = NewGuardrails()
		r.guardrails.AddAllowedTool(tools.RetrieveName)
	}
	if r.budgeter == nil {
		r.budgeter = NewBudgeter(nil, DefaultMessageOverhead)
	}
	if r.parser == nil {
		r.parser = NewOutputParser(logger, WithRedactor(r.guardrails.SanitizeOutput))
	}
	if r.prompts == nil {
		b, err := NewPromptBuilder(DefaultPromptSet())
		if err != nil {
			return nil, err
		}
		r.prompts = b
	}
	if r.streamer == nil {
		r.streamer = NewStreamer()
	}
	if r.limiter == nil {
		r.limiter = &noOpRateLimiter{}
	}
	if r.tracer == nil {
		r.tracer = &noOpTracer{}
	}
	return r, nil
}

// ProcessTurn handles one user message. The session's turn lock is held
// throughout, so turns of a session never interleave. On error, turns
// already committed stay; partial streamed text is never committed.
func (r *TurnRouter) ProcessTurn(ctx context.Context, session *conversation.Session, input string, sink ports.Sink) (TurnResult, error) {
	if sink == nil {
		sink = ports.NopSink{}
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return TurnResult{}, ErrEmptyInput
	}

	params, release, err := session.Begin(ctx)
	if err != nil {
		return TurnResult{}, fmt.Errorf("acquire session %s: %w", session.ID(), err)
	}
	defer release()

	if strings.TrimSpace(params.LLMAPIKey) == "" {
		return TurnResult{}, ErrMissingCredential
	}

	ctx, finish := r.tracer.StartSpan(ctx, "turn", map[string]any{"session_id": session.ID()})
	res, err := r.run(ctx, session.Conversation(), params, input, sink)
	finish(err)

	r.logger.Debug().
		Str("session_id", session.ID()).
		Func(func(e *zerolog.Event) {
			e.Str("transcript", r.guardrails.SanitizeOutput(conversation.Format(session.Conversation().Turns())))
		}).
		Msg("turn finished")
	return res, err
}

func (r *TurnRouter) run(ctx context.Context, conv *conversation.Conversation, params conversation.Params, input string, sink ports.Sink) (TurnResult, error) {
	var res TurnResult

	human, err := conv.Append(ctx, ports.Turn{Role: ports.RoleHuman, Content: input})
	if err != nil {
		return res, fmt.Errorf("append human turn: %w", err)
	}
	sink.Turn(human)

	// ROUTING
	res.States = append(res.States, StateRouting)
	history := r.budgeter.Trim(dialogue(conv.Turns()), r.policy.MaxHistoryTokens)
	prompt, err := r.prompts.Routing(RoutingVars{
		Tool:           tools.RetrieveName,
		IndexName:      params.Index.IndexName,
		EmbeddingModel: params.Index.EmbeddingModel,
	}, history, map[string]string{"conversation_id": conv.ID(), "phase": "routing"})
	if err != nil {
		return res, err
	}

	completion, err := r.complete(ctx, prompt, params.LLMAPIKey)
	if err != nil {
		return res, fmt.Errorf("routing: %w", err)
	}
	addUsage(&res.Usage, completion.Usage)

	call, ok := r.parser.Extract(completion.Text)
	if !ok {
		r.streamer.Single(completion.Text, sink)
		answer, err := conv.Append(ctx, ports.Turn{Role: ports.RoleAssistant, Content: completion.Text})
		if err != nil {
			return res, fmt.Errorf("append answer: %w", err)
		}
		sink.Turn(answer)
		res.Answer = answer
		res.States = append(res.States, StateDone)
		return res, nil
	}

	if conv.HasCallID(call.ID) {
		r.logger.Debug().Str("call_id", call.ID).Msg("duplicate call id replaced")
		call.ID = uuid.NewString()
	}
	pending, err := conv.Append(ctx, ports.Turn{
		Role:        ports.RoleAssistant,
		Content:     r.guardrails.SanitizeOutput(completion.Text),
		PendingCall: &call,
	})
	if err != nil {
		return res, fmt.Errorf("append pending call: %w", err)
	}
	sink.Turn(pending)
	res.Call = &call

	// RETRIEVING
	res.States = append(res.States, StateRetrieving)
	retrieval := r.retrieve(ctx, call, params.Index)
	res.Retrieval = &retrieval
	toolTurn, err := conv.Append(ctx, ports.Turn{
		Role:    ports.RoleTool,
		Content: retrieval.Content(),
		CallID:  call.ID,
	})
	if err != nil {
		return res, fmt.Errorf("append tool turn: %w", err)
	}
	sink.Turn(toolTurn)

	// GENERATING
	res.States = append(res.States, StateGenerating)
	var contexts []string
	for _, t := range conv.SinceLastHuman() {
		if t.Role == ports.RoleTool && strings.TrimSpace(t.Content) != "" {
			contexts = append(contexts, t.Content)
		}
	}
	history = r.budgeter.Trim(dialogue(conv.Turns()), r.policy.MaxHistoryTokens)
	prompt, err = r.prompts.Grounding(strings.Join(contexts, "\n\n"), history,
		map[string]string{"conversation_id": conv.ID(), "phase": "generating"})
	if err != nil {
		return res, err
	}

	streamed, err := r.stream(ctx, prompt, params.LLMAPIKey, sink)
	if err != nil {
		return res, fmt.Errorf("generating: %w", err)
	}
	addUsage(&res.Usage, streamed.Usage)

	answer, err := conv.Append(ctx, ports.Turn{Role: ports.RoleAssistant, Content: streamed.Text})
	if err != nil {
		return res, fmt.Errorf("append answer: %w", err)
	}
	sink.Turn(answer)
	res.Answer = answer
	res.States = append(res.States, StateDone)
	return res, nil
}

// retrieve merges session and model parameters, validates them and runs
// the tool. Validation failures become a diagnostic without any backend call.
func (r *TurnRouter) retrieve(ctx context.Context, call ports.ToolCall, session conversation.Connection) service.RetrievalResult {
	req := r.tool.Request(call.Args, service.IndexConnection{
		APIKey:         session.APIKey,
		IndexName:      session.IndexName,
		EmbeddingModel: session.EmbeddingModel,
	})

	args, err := r.tool.Arguments(req)
	if err == nil {
		err = r.guardrails.ValidateToolCall(call.Name, args, r.tool.Schema())
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrToolValidation, err)
		r.logger.Warn().Err(err).Str("tool", call.Name).Str("call_id", call.ID).Msg("tool call rejected")
		r.tracer.Event(ctx, "tool_rejected", map[string]any{"tool": call.Name, "call_id": call.ID})
		return service.ValidationFailure(err.Error())
	}

	ctx, finish := r.tracer.StartSpan(ctx, "retrieve", map[string]any{
		"call_id": call.ID,
		"index":   req.Connection.IndexName,
	})
	result := r.tool.Invoke(ctx, req)
	var spanErr error
	if result.Failure != service.FailureNone {
		spanErr = fmt.Errorf("%s", result.Diagnostic)
	}
	finish(spanErr)
	return result
}

func (r *TurnRouter) complete(ctx context.Context, in ports.PromptInput, apiKey string) (ports.Completion, error) {
	release, err := r.limiter.Acquire(ctx, "model")
	if err != nil {
		return ports.Completion{}, fmt.Errorf("rate limit: %w", err)
	}
	defer release()

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	ctx, finish := r.tracer.StartSpan(ctx, "provider_complete", map[string]any{"model": r.policy.Model})
	completion, err := r.provider.Complete(ctx, in, r.options(apiKey, r.policy.RoutingMaxNewTokens))
	finish(err)
	return completion, err
}

func (r *TurnRouter) stream(ctx context.Context, in ports.PromptInput, apiKey string, sink ports.Sink) (StreamResult, error) {
	release, err := r.limiter.Acquire(ctx, "model")
	if err != nil {
		return StreamResult{}, fmt.Errorf("rate limit: %w", err)
	}
	defer release()

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	ctx, finish := r.tracer.StartSpan(ctx, "provider_stream", map[string]any{"model": r.policy.Model})
	chunks, err := r.provider.Stream(ctx, in, r.options(apiKey, r.policy.MaxNewTokens))
	if err != nil {
		finish(err)
		return StreamResult{}, err
	}
	out, err := r.streamer.Consume(ctx, chunks, sink)
	finish(err)
	return out, err
}

func (r *TurnRouter) options(apiKey string, maxTokens int) ports.Options {
	return ports.Options{
		Model:        r.policy.Model,
		MaxNewTokens: maxTokens,
		Temperature:  r.policy.Temperature,
		APIKey:       apiKey,
		TimeoutMs:    int(r.policy.CallTimeout / time.Millisecond),
	}
}

func (r *TurnRouter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.policy.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.policy.CallTimeout)
}

// dialogue keeps the human and assistant turns a model should see: tool,
// system and pending-call turns are left out.
func dialogue(turns []ports.Turn) []ports.Turn {
	out := make([]ports.Turn, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case ports.RoleHuman:
			out = append(out, t)
		case ports.RoleAssistant:
			if t.PendingCall == nil {
				out = append(out, t)
			}
		case ports.RoleTool, ports.RoleSystem:
		}
	}
	return out
}

func addUsage(total *ports.Usage, u *ports.Usage) {
	if u == nil {
		return
	}
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
}
