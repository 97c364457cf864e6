package transcript

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/duet/go-controller/internal/events"
)

// #region helpers

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// #endregion helpers

// #region store-tests

func TestRunLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.BeginRun(ctx, "run-1", "batch", t0))
	require.NoError(t, s.AppendTurn(ctx, Turn{RunID: "run-1", Number: 1, Speaker: "Aki", Status: StatusAccepted, Text: "hello", Topic: "sensor", TopicDepth: 1, Attempts: 2}))
	require.NoError(t, s.AppendTurn(ctx, Turn{RunID: "run-1", Number: 2, Speaker: "Mio", Status: StatusSilent, Silence: "concentration"}))
	require.NoError(t, s.RecordAttempt(ctx, Attempt{RunID: "run-1", Turn: 1, Attempt: 1, Verdict: "RETRY", Reason: "echo"}))
	require.NoError(t, s.RecordAttempt(ctx, Attempt{RunID: "run-1", Turn: 1, Attempt: 2, Verdict: "PASS"}))
	require.NoError(t, s.EndRun(ctx, "run-1", "completed", t0.Add(time.Minute)))

	run, err := s.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "batch", run.Mode)
	assert.Equal(t, "completed", run.Outcome)
	assert.Equal(t, 2, run.Turns)
	assert.True(t, run.StartedAt.Equal(t0))
	assert.True(t, run.EndedAt.Equal(t0.Add(time.Minute)))

	turns, err := s.Turns(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "hello", turns[0].Text)
	assert.Equal(t, 2, turns[0].Attempts)
	assert.Equal(t, StatusSilent, turns[1].Status)
	assert.Empty(t, turns[1].Text)

	attempts, err := s.Attempts(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "echo", attempts[0].Reason)
}

func TestDuplicateTurnRejected(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.BeginRun(ctx, "r", "batch", t0))
	turn := Turn{RunID: "r", Number: 1, Speaker: "Aki", Status: StatusAccepted, Text: "x"}
	require.NoError(t, s.AppendTurn(ctx, turn))
	assert.Error(t, s.AppendTurn(ctx, turn))
}

func TestUnknownRun(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	_, err := s.Run(ctx, "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, s.EndRun(ctx, "nope", "completed", t0), ErrRunNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.BeginRun(ctx, "old", "batch", t0))
	require.NoError(t, s.BeginRun(ctx, "mid", "continuous", t0.Add(500*time.Millisecond)))
	require.NoError(t, s.BeginRun(ctx, "new", "batch", t0.Add(time.Second)))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{runs[0].ID, runs[1].ID, runs[2].ID})

	runs, err = s.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

// #endregion store-tests

// #region sink-tests

func TestEmitPersistsRun(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for _, ev := range []events.Event{
		{RunID: "r", Kind: events.KindRunStart, Mode: "batch", Timestamp: t0},
		{RunID: "r", Turn: 1, Kind: events.KindTurnStart, Speaker: "Aki"},
		{RunID: "r", Turn: 1, Kind: events.KindEvalVerdict, Attempt: 1, Verdict: "PASS"},
		{RunID: "r", Turn: 1, Kind: events.KindTurnAccepted, Speaker: "Aki", Text: "look at that", Topic: "look", TopicDepth: 1, Attempt: 1},
		{RunID: "r", Turn: 2, Kind: events.KindTurnFailed, Speaker: "Mio", Error: "backend unavailable"},
		{RunID: "r", Kind: events.KindRunEnd, Outcome: "completed", Timestamp: t0.Add(time.Second)},
	} {
		require.NoError(t, s.Emit(ctx, ev))
	}

	turns, err := s.Turns(ctx, "r")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "look", turns[0].Topic)
	assert.Equal(t, StatusFailed, turns[1].Status)
	assert.Equal(t, "backend unavailable", turns[1].Error)

	run, err := s.Run(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, "completed", run.Outcome)
}

// #endregion sink-tests

// #region failure-tests

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS runs").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := New(db, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return s, mock
}

func TestMigrateFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("disk full"))

	_, err = New(db, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendTurnWrapsError(t *testing.T) {
	s, mock := mockStore(t)
	dbErr := errors.New("database is locked")
	mock.ExpectExec("INSERT INTO turns").WillReturnError(dbErr)

	err := s.AppendTurn(context.Background(), Turn{RunID: "r", Number: 3, Speaker: "Aki", Status: StatusAccepted})
	assert.ErrorIs(t, err, dbErr)
	assert.Contains(t, err.Error(), "r/3")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunsQueryError(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectQuery("SELECT r.id").WillReturnError(errors.New("boom"))

	_, err := s.ListRuns(context.Background(), 5)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTurnsScanError(t *testing.T) {
	s, mock := mockStore(t)
	rows := sqlmock.NewRows([]string{"run_id"}).AddRow("r")
	mock.ExpectQuery("FROM turns").WithArgs("r").WillReturnRows(rows)

	_, err := s.Turns(context.Background(), "r")
	assert.ErrorContains(t, err, "scan turn")
}

// #endregion failure-tests
