package vectorstore

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketpulse/missioncore/internal/telemetry"
)

func newTestAdapter(t *testing.T, dimension int) (*Adapter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, dimension, telemetry.New("VSTORE_TEST")), mock
}

func TestEncodeVectorLiteral(t *testing.T) {
	lit, err := encodeVectorLiteral([]float32{0.1, 0.2, -0.5})
	assert.NoError(t, err)
	assert.Equal(t, "[0.1,0.2,-0.5]", lit)
}

func TestEncodeVectorLiteral_RejectsEmpty(t *testing.T) {
	_, err := encodeVectorLiteral(nil)
	assert.Error(t, err)
}

func TestIsDimensionMismatch(t *testing.T) {
	assert.True(t, isDimensionMismatch(errors.New("ERROR: expected 768 dimensions, not 384")))
	assert.True(t, isDimensionMismatch(errors.New("vector dimension mismatch")))
	assert.False(t, isDimensionMismatch(errors.New("connection refused")))
	assert.False(t, isDimensionMismatch(nil))
}

func TestAdd_DimensionMismatchTriggersSelfHealAndRetry(t *testing.T) {
	a, mock := newTestAdapter(t, 768)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO document_store_v1`).
		WillReturnError(errors.New("pq: expected 768 dimensions, not 384"))
	mock.ExpectRollback()

	mock.ExpectExec(`DROP TABLE IF EXISTS document_store_v1`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE document_store_v1`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO document_store_v1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	vec := make([]float32, 384)
	vec[0] = 0.5
	err := a.Add(context.Background(), []string{"c1"}, [][]float32{vec}, []string{"doc"},
		[]map[string]any{{"conversation_id": "1"}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 384, a.dimension)
}

func TestAdd_AlreadyHealedDimensionSkipsSecondReset(t *testing.T) {
	// A concurrent writer already healed the collection to 384, so this
	// writer's stale mismatch error must not trigger another DROP: the
	// retry alone runs, preserving whatever the first heal's retry wrote.
	a, mock := newTestAdapter(t, 384)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO document_store_v1`).
		WillReturnError(errors.New("pq: expected 768 dimensions, not 384"))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO document_store_v1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	vec := make([]float32, 384)
	vec[0] = 0.5
	err := a.Add(context.Background(), []string{"c2"}, [][]float32{vec}, []string{"doc"},
		[]map[string]any{{"conversation_id": "1"}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdd_NonDimensionErrorDoesNotReset(t *testing.T) {
	a, mock := newTestAdapter(t, 768)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO document_store_v1`).
		WillReturnError(errors.New("connection refused"))
	mock.ExpectRollback()

	err := a.Add(context.Background(), []string{"c1"}, [][]float32{{0.1}}, []string{"doc"},
		[]map[string]any{{}})
	require.Error(t, err)
	var vsErr *ErrVectorStore
	require.ErrorAs(t, err, &vsErr)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 768, a.dimension)
}

func TestAdd_MismatchedBatchLengthsRejected(t *testing.T) {
	a, _ := newTestAdapter(t, 768)
	err := a.Add(context.Background(), []string{"c1", "c2"}, [][]float32{{0.1}}, []string{"doc"}, nil)
	require.Error(t, err)
}

func TestQuery_BindsMetadataFilterAsText(t *testing.T) {
	a, mock := newTestAdapter(t, 2)

	rows := sqlmock.NewRows([]string{"document", "metadata", "distance"}).
		AddRow("the report chunk", `{"conversation_id":7,"title":"mission-1"}`, float32(0.05))
	mock.ExpectQuery(`SELECT document, metadata`).
		WithArgs("[0.5,0.5]", "7", 5).
		WillReturnRows(rows)

	docs, distances, metadata, err := a.Query(context.Background(), []float32{0.5, 0.5}, 5,
		map[string]any{"conversation_id": int64(7)})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "the report chunk", docs[0])
	assert.InDelta(t, 0.05, float64(distances[0]), 1e-6)
	assert.Equal(t, "mission-1", metadata[0]["title"])
	require.NoError(t, mock.ExpectationsWereMet())
}
