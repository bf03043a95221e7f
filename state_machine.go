package handover

import (
	"context"

	goerrors "github.com/goliatone/go-errors"
)

const (
	textCodeInvalidTransition = "INVALID_HANDOVER_TRANSITION"
)

// HandoverState is the identity phase of an account, derived from its
// status and UIN.
type HandoverState string

const (
	StateInstitutional HandoverState = "institutional"
	StatePending       HandoverState = "pending-handover"
	StatePersonal      HandoverState = "personal"
)

// TransitionContext is passed into hooks for additional processing.
type TransitionContext struct {
	Actor   ActorRef
	Account *Account
	From    HandoverState
	To      HandoverState
}

// TransitionHook is executed before or after a transition is recorded.
type TransitionHook func(ctx context.Context, tc TransitionContext) error

// StateMachineOption customizes state machine construction.
type StateMachineOption func(*HandoverStateMachine)

// WithBeforeTransitionHook adds a hook that can veto a transition.
func WithBeforeTransitionHook(h TransitionHook) StateMachineOption {
	return func(sm *HandoverStateMachine) {
		if h != nil {
			sm.beforeHooks = append(sm.beforeHooks, h)
		}
	}
}

// WithAfterTransitionHook adds a hook executed once the transition is recorded.
func WithAfterTransitionHook(h TransitionHook) StateMachineOption {
	return func(sm *HandoverStateMachine) {
		if h != nil {
			sm.afterHooks = append(sm.afterHooks, h)
		}
	}
}

// HandoverStateMachine owns the institutional -> pending -> personal graph.
type HandoverStateMachine struct {
	transitions map[HandoverState]map[HandoverState]struct{}
	beforeHooks []TransitionHook
	afterHooks  []TransitionHook
}

// NewHandoverStateMachine returns the default transition graph.
func NewHandoverStateMachine(opts ...StateMachineOption) *HandoverStateMachine {
	sm := &HandoverStateMachine{
		transitions: map[HandoverState]map[HandoverState]struct{}{
			StateInstitutional: {
				StatePending:  {},
				StatePersonal: {},
			},
			StatePending: {
				StatePending:  {},
				StatePersonal: {},
			},
		},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}

	return sm
}

// CurrentState derives the handover state of account.
func (sm *HandoverStateMachine) CurrentState(account *Account) HandoverState {
	return StateOf(account)
}

// StateOf derives the handover state of account.
func StateOf(account *Account) HandoverState {
	switch {
	case account == nil:
		return ""
	case !account.IsInstitutional():
		return StatePersonal
	case account.Status == AccountStatusPendingHandover:
		return StatePending
	default:
		return StateInstitutional
	}
}

// CanTransition reports whether from -> to is allowed.
func (sm *HandoverStateMachine) CanTransition(from, to HandoverState) bool {
	targets, ok := sm.transitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// Check validates the transition of account to target and runs the before
// hooks. Persistence is left to the caller, which runs it in the same
// transaction as the rest of the handover.
func (sm *HandoverStateMachine) Check(ctx context.Context, actor ActorRef, account *Account, target HandoverState) (TransitionContext, error) {
	from := sm.CurrentState(account)
	tc := TransitionContext{Actor: actor, Account: account, From: from, To: target}

	if account == nil {
		return tc, invalidTransition(from, target, "account is nil")
	}
	if !sm.CanTransition(from, target) {
		reason := "transition not allowed"
		if from == StatePersonal {
			reason = "account was already handed over"
		}
		return tc, invalidTransition(from, target, reason)
	}

	for _, hook := range sm.beforeHooks {
		if err := hook(ctx, tc); err != nil {
			return tc, err
		}
	}
	return tc, nil
}

// Completed runs the after hooks for a recorded transition.
func (sm *HandoverStateMachine) Completed(ctx context.Context, tc TransitionContext) error {
	for _, hook := range sm.afterHooks {
		if err := hook(ctx, tc); err != nil {
			return err
		}
	}
	return nil
}

func invalidTransition(from, to HandoverState, reason string) *goerrors.Error {
	return newError(ErrConflict, reason, map[string]any{
		"from":       from,
		"to":         to,
		"transition": textCodeInvalidTransition,
	})
}
