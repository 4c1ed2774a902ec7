package attempt

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "style-studio-api/pkg/errors"
)

func TestTransitionHappyPath(t *testing.T) {
	s := State{Phase: PhaseIdle, MaxRetries: 3}

	s = Transition(s, Event{Kind: EventStart})
	assert.Equal(t, PhaseAttempting, s.Phase)

	s = Transition(s, Event{Kind: EventOverloaded})
	assert.Equal(t, PhaseRetrying, s.Phase)
	assert.Equal(t, 1, s.RetryCount)
	assert.Equal(t, "Model overloaded. Retrying... (1/3)", s.Message)

	s = Transition(s, Event{Kind: EventStart})
	assert.Equal(t, PhaseAttempting, s.Phase)
	assert.Equal(t, "Model overloaded. Retrying... (1/3)", s.Message)

	s = Transition(s, Event{Kind: EventSucceeded})
	assert.Equal(t, PhaseSucceeded, s.Phase)
	assert.Empty(t, s.Message)
	assert.Equal(t, 1, s.RetryCount)
}

func TestTransitionExhaustion(t *testing.T) {
	s := State{Phase: PhaseAttempting, MaxRetries: 1}
	s = Transition(s, Event{Kind: EventOverloaded})

	assert.Equal(t, PhaseExhausted, s.Phase)
	assert.Equal(t, MsgExhausted, s.Message)
	assert.Equal(t, 1, s.RetryCount)
}

func TestTerminalPhasesAbsorbEvents(t *testing.T) {
	events := []Event{
		{Kind: EventStart},
		{Kind: EventSucceeded},
		{Kind: EventOverloaded},
		{Kind: EventCancelled},
		{Kind: EventFailed, Message: "late"},
	}

	for _, phase := range []Phase{PhaseSucceeded, PhaseAborted, PhaseExhausted, PhaseFailed} {
		start := State{Phase: phase, Message: "final", RetryCount: 2, MaxRetries: 3}
		for _, e := range events {
			assert.Equal(t, start, Transition(start, e), fmt.Sprintf("%s/%d", phase, e.Kind))
		}
	}
}

func TestTransitionIgnoresOutOfOrderEvents(t *testing.T) {
	idle := State{Phase: PhaseIdle, MaxRetries: 3}
	assert.Equal(t, idle, Transition(idle, Event{Kind: EventSucceeded}))
	assert.Equal(t, idle, Transition(idle, Event{Kind: EventOverloaded}))
	assert.Equal(t, idle, Transition(idle, Event{Kind: EventFailed, Message: "x"}))

	retrying := State{Phase: PhaseRetrying, RetryCount: 1, MaxRetries: 3}
	assert.Equal(t, retrying, Transition(retrying, Event{Kind: EventOverloaded}))
}

func TestCancelFromAnyActivePhase(t *testing.T) {
	for _, phase := range []Phase{PhaseIdle, PhaseAttempting, PhaseRetrying} {
		s := Transition(State{Phase: phase, MaxRetries: 3}, Event{Kind: EventCancelled})
		assert.Equal(t, PhaseAborted, s.Phase)
		assert.True(t, s.Cancelled)
		assert.Equal(t, MsgAborted, s.Message)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
	}{
		{apperrors.ErrModelOverloaded, KindOverloaded},
		{fmt.Errorf("attempt: %w", apperrors.ErrModelOverloaded.WithDetail("gate")), KindOverloaded},
		{apperrors.Validation("Invalid style selected"), KindValidation},
		{apperrors.New(apperrors.CodeUploadRejected, "Only JPEG and PNG images are allowed"), KindValidation},
		{apperrors.ErrUnauthorized, KindAuth},
		{apperrors.ErrTokenInvalid, KindAuth},
		{context.Canceled, KindCancelled},
		{fmt.Errorf("post: %w", context.Canceled), KindCancelled},
		{errors.New("boom"), KindUnknown},
		{apperrors.ErrInternalError, KindUnknown},
		{nil, KindUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.kind, Classify(tt.err), "%v", tt.err)
	}

	assert.True(t, KindOverloaded.Retryable())
	assert.False(t, KindValidation.Retryable())
	assert.False(t, KindCancelled.Retryable())
	assert.Equal(t, "overloaded", KindOverloaded.String())
}
