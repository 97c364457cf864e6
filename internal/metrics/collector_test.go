package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/duet/go-controller/internal/events"
)

func TestCollectorCountsEvents(t *testing.T) {
	c := NewCollector("duet", nil)
	ctx := context.Background()
	for _, ev := range []events.Event{
		{Kind: events.KindTurnAccepted},
		{Kind: events.KindTurnAccepted, Override: true},
		{Kind: events.KindTurnFailed},
		{Kind: events.KindSilence, Silence: "concentration"},
		{Kind: events.KindLoopDetected, Strategy: "force_concreteness"},
		{Kind: events.KindEvalVerdict, Verdict: "RETRY"},
		{Kind: events.KindEvalVerdict, Verdict: "PASS"},
		{Kind: events.KindIntervention, State: "PAUSED"},
		{Kind: events.KindRunEnd, Outcome: "completed"},
	} {
		require.NoError(t, c.Emit(ctx, ev))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(c.turnsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.turnsTotal.WithLabelValues("forced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.turnsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.silencesTotal.WithLabelValues("concentration")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.loopsTotal.WithLabelValues("force_concreteness")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.verdictsTotal.WithLabelValues("RETRY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.interventionsTotal.WithLabelValues("PAUSED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("completed")))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector("duet", nil)
	b := NewCollector("duet", nil)
	require.NoError(t, a.Emit(context.Background(), events.Event{Kind: events.KindTurnFailed}))
	assert.Zero(t, testutil.ToFloat64(b.turnsTotal.WithLabelValues("failed")))
}

func TestHandlerServesMetrics(t *testing.T) {
	c := NewCollector("duet", nil)
	c.ObserveGeneration(120*time.Millisecond, nil)
	c.ObserveGeneration(time.Second, errors.New("timeout"))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `duet_generation_duration_seconds_count{status="ok"} 1`), body)
	assert.Contains(t, body, `status="error"`)
}
