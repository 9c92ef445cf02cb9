package reqguard

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStrategy struct {
	err      error
	accept   func(*ClassifiedError) bool
	name     string
	resp     RecoveryResponse
	priority int
	calls    int
	panics   bool
}

func (s *stubStrategy) Name() string  { return s.name }
func (s *stubStrategy) Priority() int { return s.priority }

func (s *stubStrategy) CanRecover(err *ClassifiedError) bool {
	if s.accept == nil {
		return true
	}

	return s.accept(err)
}

func (s *stubStrategy) Recover(context.Context, *ClassifiedError, *RecoveryContext) (RecoveryResponse, error) {
	s.calls++
	if s.panics {
		panic("strategy exploded")
	}

	return s.resp, s.err
}

func handled(msg string) RecoveryResponse {
	return RecoveryResponse{Handled: true, RecoveryType: RecoveryFallback, UserMessage: msg}
}

func serverError() *ClassifiedError {
	return Classify(&StatusError{Status: http.StatusBadGateway}, 0, testRC())
}

func TestDispatcherOrdersByPriority(t *testing.T) {
	d := NewRecoveryDispatcher(nil, nil,
		&stubStrategy{name: "late", priority: 50},
		&stubStrategy{name: "first", priority: 5},
		&stubStrategy{name: "tie-a", priority: 20},
		&stubStrategy{name: "tie-b", priority: 20},
	)

	assert.Equal(t, []string{"first", "tie-a", "tie-b", "late"}, d.Strategies())
}

func TestDispatcherFirstAcceptingStrategyWins(t *testing.T) {
	declines := &stubStrategy{name: "declines", priority: 1, accept: func(*ClassifiedError) bool { return false }}
	wins := &stubStrategy{name: "wins", priority: 2, resp: handled("served")}
	unused := &stubStrategy{name: "unused", priority: 3, resp: handled("never")}

	var recovered []RecoveryType

	hooks := &Hooks{OnRecovery: func(_ *ClassifiedError, resp RecoveryResponse) {
		recovered = append(recovered, resp.RecoveryType)
	}}

	d := NewRecoveryDispatcher(hooks, nil, unused, wins, declines)
	resp, err := d.Recover(context.Background(), serverError(), &RecoveryContext{})

	require.NoError(t, err)
	assert.Equal(t, "served", resp.UserMessage)
	assert.Zero(t, declines.calls)
	assert.Equal(t, 1, wins.calls)
	assert.Zero(t, unused.calls)
	assert.Equal(t, []RecoveryType{RecoveryFallback}, recovered)
}

func TestDispatcherSkipsBrokenStrategies(t *testing.T) {
	failing := &stubStrategy{name: "failing", priority: 1, err: errors.New("backend down")}
	silent := &stubStrategy{name: "silent", priority: 2, resp: RecoveryResponse{Handled: true}}
	panicking := &stubStrategy{name: "panicking", priority: 3, panics: true}
	picky := &stubStrategy{name: "picky", priority: 4, accept: func(*ClassifiedError) bool { panic("boom") }}
	good := &stubStrategy{name: "good", priority: 5, resp: handled("ok")}

	skipped := map[string]error{}
	hooks := &Hooks{OnStrategySkipped: func(name string, err error) { skipped[name] = err }}

	d := NewRecoveryDispatcher(hooks, nil, good, picky, panicking, silent, failing)
	resp, err := d.Recover(context.Background(), serverError(), &RecoveryContext{})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.UserMessage)
	require.Len(t, skipped, 4)
	assert.ErrorIs(t, skipped["silent"], ErrMissingUserMessage)
	assert.ErrorContains(t, skipped["panicking"], "panicked")
	assert.ErrorContains(t, skipped["picky"], "panicked")
	assert.EqualError(t, skipped["failing"], "backend down")
}

func TestDispatcherWithoutStrategy(t *testing.T) {
	d := NewRecoveryDispatcher(nil, nil, &stubStrategy{
		name:   "never",
		accept: func(*ClassifiedError) bool { return false },
	})

	ce := serverError()
	resp, err := d.Recover(context.Background(), ce, &RecoveryContext{})

	require.ErrorIs(t, err, ErrNoStrategy)
	assert.True(t, resp.RequiresUserAction)
	assert.Equal(t, RecoveryUserAction, resp.RecoveryType)
	assert.Equal(t, ce.UserMessage, resp.UserMessage)

	resp, err = d.Recover(context.Background(), &ClassifiedError{Kind: KindTimeout}, &RecoveryContext{})
	require.ErrorIs(t, err, ErrNoStrategy)
	assert.Equal(t, UserMessage(KindTimeout, 0), resp.UserMessage)
}

func TestDispatcherCancelledContext(t *testing.T) {
	s := &stubStrategy{name: "s", resp: handled("ok")}
	d := NewRecoveryDispatcher(nil, nil, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Recover(ctx, serverError(), &RecoveryContext{})

	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, s.calls)
}

func TestDispatcherRegisterKeepsOrder(t *testing.T) {
	d := NewRecoveryDispatcher(nil, nil, &stubStrategy{name: "b", priority: 20})
	d.Register(&stubStrategy{name: "a", priority: 10})
	d.Register(&stubStrategy{name: "c", priority: 30})

	assert.Equal(t, []string{"a", "b", "c"}, d.Strategies())
}
