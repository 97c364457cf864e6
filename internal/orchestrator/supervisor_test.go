package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/duet/go-controller/internal/events"
	"github.com/danielpatrickdp/duet/go-controller/internal/intervention"
	"github.com/danielpatrickdp/duet/go-controller/internal/signals"
)

func TestSupervisorSingleActiveRun(t *testing.T) {
	b := newBlockingBackend()
	defer close(b.release)
	f := newFixture(t, b, nil)
	sup := NewSupervisor(f.orch, nil, nil)

	id, err := sup.StartBatch("go", 3)
	require.NoError(t, err)
	<-b.started

	_, err = sup.StartBatch("again", 1)
	assert.ErrorIs(t, err, ErrRunActive)
	_, err = sup.StartContinuous(signals.NewSliceSource(), ContinuousOptions{})
	assert.ErrorIs(t, err, ErrRunActive)

	st := sup.Status()
	assert.True(t, st.Active)
	assert.Equal(t, id, st.RunID)
	assert.Equal(t, "batch", st.Mode)
	assert.Equal(t, intervention.StateRunning, st.State)

	require.NoError(t, sup.Stop())
	st = sup.Status()
	assert.False(t, st.Active)
	assert.Equal(t, id, st.LastRunID)
	assert.Equal(t, OutcomeCancelled, st.LastOutcome)
	assert.Empty(t, st.LastError)

	assert.ErrorIs(t, sup.Stop(), ErrNoActiveRun)
	_, err = sup.Control()
	assert.ErrorIs(t, err, ErrNoActiveRun)
	assert.ErrorIs(t, sup.Interrupt(context.Background(), "hello"), ErrNoActiveRun)
}

func TestSupervisorRunsToCompletion(t *testing.T) {
	b := &scriptBackend{lines: []string{"Off we go.", "Steady."}}
	f := newFixture(t, b, nil)
	sup := NewSupervisor(f.orch, nil, nil)

	id, err := sup.StartBatch("", 2)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(ctx))

	tr, err := sup.Last()
	require.NoError(t, err)
	assert.Equal(t, id, tr.RunID)
	assert.Equal(t, OutcomeCompleted, tr.Outcome)
	assert.Len(t, tr.Accepted(), 2)
	require.NoError(t, sup.Close())
}

func TestSupervisorEmitsInterventionTransitions(t *testing.T) {
	b := newBlockingBackend()
	defer close(b.release)
	f := newFixture(t, b, nil)
	sup := NewSupervisor(f.orch, intervention.RuleClarifier{}, nil)

	id, err := sup.StartBatch("", 2)
	require.NoError(t, err)
	<-b.started

	ctl, err := sup.Control()
	require.NoError(t, err)
	require.NoError(t, ctl.Pause())
	assert.Equal(t, intervention.StatePaused, sup.Status().State)

	require.NoError(t, sup.Interrupt(context.Background(), "watch the wall"))
	require.NoError(t, sup.Stop())

	var states []string
	for _, ev := range f.sink.ofKind(events.KindIntervention) {
		assert.Equal(t, id, ev.RunID)
		assert.Equal(t, 1, ev.Turn, "blocked in the first turn")
		assert.False(t, ev.Timestamp.IsZero())
		states = append(states, ev.State)
	}
	assert.Contains(t, states, string(intervention.StatePaused))
	assert.Len(t, states, 2, "pause transition and operator interrupt")
}

func TestSupervisorRejectsBadInput(t *testing.T) {
	f := newFixture(t, &scriptBackend{lines: []string{"x"}}, nil)
	sup := NewSupervisor(f.orch, nil, nil)
	_, err := sup.StartContinuous(nil, ContinuousOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.False(t, sup.Status().Active)
}
