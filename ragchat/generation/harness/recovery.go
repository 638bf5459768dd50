package harness

import (
	"context"
	"errors"
	"net"
	"time"

	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
	"github.com/rs/zerolog"
)

var (
	// ErrMissingCredential is returned before any model call when the session
	// has no model credential.
	ErrMissingCredential = errors.New("missing model credential")
	// ErrToolValidation marks tool arguments rejected by their schema.
	ErrToolValidation = errors.New("invalid tool arguments")
	// ErrEmptyInput is returned for a blank user message; nothing is stored.
	ErrEmptyInput = errors.New("empty input")
)

// DefaultResetDelay is how long an invalid-credential message stays up
// before the session is cleared.
const DefaultResetDelay = 4 * time.Second

// ErrorClass is the recovery taxonomy of turn failures.
type ErrorClass int

const (
	ClassConfiguration ErrorClass = iota + 1
	ClassAuthentication
	ClassValidation
	ClassTransient
	ClassUnexpected
)

func (c ErrorClass) String() string {
	switch c {
	case ClassConfiguration:
		return "configuration"
	case ClassAuthentication:
		return "authentication"
	case ClassValidation:
		return "validation"
	case ClassTransient:
		return "transient"
	case ClassUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// Action is what the caller does after a failure.
type Action int

const (
	ActionAbort Action = iota + 1
	ActionReset
	ActionContinue
	ActionRetry
)

func (a Action) String() string {
	switch a {
	case ActionAbort:
		return "abort"
	case ActionReset:
		return "reset"
	case ActionContinue:
		return "continue"
	case ActionRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// User-facing messages per class.
const (
	MessageMissingCredential = "Please provide your LLM API key before chatting (session.llm_api_key in the config file or RAGCHAT_SESSION_LLM_API_KEY)."
	MessageInvalidCredential = "Invalid API key, please enter a valid one. Restarting chat history."
	MessageValidation        = "Some retrieval parameters were invalid; answering without document context."
	MessageEmptyInput        = "Please type a message."
	MessageTransient         = "The assistant is temporarily unavailable. Please try again."
	MessageUnexpected        = "Something went wrong while processing your message."
)

// Decision is the outcome of classifying an error.
type Decision struct {
	Class   ErrorClass
	Action  Action
	Message string
}

// Resetter clears a session.
type Resetter interface {
	Reset(ctx context.Context, sessionID string) error
}

// RecoveryPolicy maps turn errors to user-visible outcomes.
type RecoveryPolicy struct {
	resetDelay time.Duration
	logger     zerolog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewRecoveryPolicy(resetDelay time.Duration, logger zerolog.Logger) *RecoveryPolicy {
	if resetDelay < 0 {
		resetDelay = 0
	}
	return &RecoveryPolicy{resetDelay: resetDelay, logger: logger, sleep: sleepCtx}
}

// Classify maps err to its class, action and user message.
func (p *RecoveryPolicy) Classify(err error) Decision {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrMissingCredential):
		return Decision{ClassConfiguration, ActionAbort, MessageMissingCredential}
	case errors.Is(err, ports.ErrAuthentication):
		return Decision{ClassAuthentication, ActionReset, MessageInvalidCredential}
	case errors.Is(err, ErrToolValidation):
		return Decision{ClassValidation, ActionContinue, MessageValidation}
	case errors.Is(err, ErrEmptyInput):
		return Decision{ClassValidation, ActionAbort, MessageEmptyInput}
	case errors.Is(err, ErrStreamInterrupted),
		errors.Is(err, ports.ErrProviderRequest),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &netErr):
		return Decision{ClassTransient, ActionRetry, MessageTransient}
	default:
		return Decision{ClassUnexpected, ActionAbort, MessageUnexpected}
	}
}

// Recover classifies err and carries out the action that needs the engine:
// for authentication failures it waits the reset delay and resets the
// session. The caller shows Decision.Message.
func (p *RecoveryPolicy) Recover(ctx context.Context, resetter Resetter, sessionID string, err error) Decision {
	d := p.Classify(err)
	p.logger.Error().
		Err(err).
		Str("session_id", sessionID).
		Stringer("class", d.Class).
		Stringer("action", d.Action).
		Msg("turn failed")

	if d.Action != ActionReset || resetter == nil {
		return d
	}
	if serr := p.sleep(ctx, p.resetDelay); serr != nil {
		p.logger.Warn().Err(serr).Str("session_id", sessionID).Msg("reset delay interrupted, resetting now")
	}
	if rerr := resetter.Reset(context.WithoutCancel(ctx), sessionID); rerr != nil {
		p.logger.Error().Err(rerr).Str("session_id", sessionID).Msg("session reset failed")
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
