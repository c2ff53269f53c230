package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, nil), mock
}

func TestDeriveTitle_CollapsesAndTruncates(t *testing.T) {
	assert.Equal(t, "find nvidia pricing", deriveTitle("  find   nvidia\n\tpricing  "))

	long := "find the best possible pricing for the nvidia h100 gpu across every retailer in the market"
	got := deriveTitle(long)
	assert.LessOrEqual(t, len(got), titleMaxLen)
	assert.True(t, len(got) == titleMaxLen || len(got) < titleMaxLen)
	if len(long) > titleMaxLen {
		assert.Regexp(t, `\.\.\.$`, got)
	}
}

func TestEnsureConversation_CreatesWhenNil(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery(`INSERT INTO conversations`).
		WithArgs("find nvidia pricing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := s.EnsureConversation(context.Background(), nil, "find nvidia pricing")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureConversation_ReturnsExistingID(t *testing.T) {
	s, mock := newTestStore(t)
	existing := int64(3)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(existing).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	id, err := s.EnsureConversation(context.Background(), &existing, "ignored")
	require.NoError(t, err)
	assert.Equal(t, existing, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureConversation_UnknownIDFails(t *testing.T) {
	s, mock := newTestStore(t)
	missing := int64(99)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(missing).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := s.EnsureConversation(context.Background(), &missing, "ignored")
	var notFound *ErrNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestCreateMissionLog_TruncatesQuery(t *testing.T) {
	s, mock := newTestStore(t)
	longQuery := make([]byte, 400)
	for i := range longQuery {
		longQuery[i] = 'x'
	}
	mock.ExpectQuery(`INSERT INTO mission_logs`).
		WithArgs(int64(1), string(longQuery[:queryMaxLen]), StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))

	id, err := s.CreateMissionLog(context.Background(), 1, string(longQuery))
	require.NoError(t, err)
	assert.Equal(t, int64(10), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteMission_OnlyFromNonTerminal(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec(`UPDATE mission_logs SET status = \$1`).
		WithArgs(StatusCompleted, "final report", int64(5), StatusPending, StatusInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.CompleteMission(context.Background(), 5, "final report")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteMission_AlreadyTerminalFails(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec(`UPDATE mission_logs SET status = \$1`).
		WithArgs(StatusCompleted, "final report", int64(5), StatusPending, StatusInProgress).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM mission_logs WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(StatusCompleted))

	err := s.CompleteMission(context.Background(), 5, "final report")
	var terminal *ErrTerminal
	require.ErrorAs(t, err, &terminal)
}

func TestStats_ComputesCounts(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery(`SELECT\s+COUNT`).
		WithArgs(StatusCompleted, StatusFailed).
		WillReturnRows(sqlmock.NewRows([]string{"total", "completed", "failed"}).AddRow(10, 7, 2))

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{TotalMissions: 10, CompletedMissions: 7, FailedMissions: 2}, st)
}

func TestListMissionLogs_OrderedDescending(t *testing.T) {
	s, mock := newTestStore(t)
	now := time.Now()
	mock.ExpectQuery(`SELECT id, conversation_id, query, response, status, created_at FROM mission_logs ORDER BY created_at DESC`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "conversation_id", "query", "response", "status", "created_at"}).
			AddRow(int64(2), int64(1), "q2", "r2", StatusCompleted, now).
			AddRow(int64(1), int64(1), "q1", "r1", StatusFailed, now.Add(-time.Hour)))

	logs, err := s.ListMissionLogs(context.Background())
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, int64(2), logs[0].ID)
}
