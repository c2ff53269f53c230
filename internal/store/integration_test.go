package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/marketpulse/missioncore/internal/store"
	"github.com/marketpulse/missioncore/internal/telemetry"
	"github.com/marketpulse/missioncore/internal/vectorstore"
)

// TestMissionLifecycle_RealPostgres exercises the relational log and the
// vector store adapter against a real pgvector-enabled Postgres, including
// the dimension self-heal path, instead of sqlmock.
func TestMissionLifecycle_RealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgUser := "missioncore"
	pgPassword := "missioncore"
	pgDB := "missioncore"

	pgC, err := tcPostgres.RunContainer(ctx,
		testcontainers.WithImage("pgvector/pgvector:pg16"),
		tcPostgres.WithDatabase(pgDB),
		tcPostgres.WithUsername(pgUser),
		tcPostgres.WithPassword(pgPassword),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	require.NoError(t, err, "postgres container")
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", pgUser, pgPassword, host, port.Port(), pgDB)
	require.NoError(t, applyMigrations(ctx, dsn))

	tel := telemetry.New("INTEGRATION")
	rel, err := store.Open(dsn, 5, 0, tel)
	require.NoError(t, err)

	convID, err := rel.CreateConversation(ctx, "integration test")
	require.NoError(t, err)

	missionID, err := rel.CreateMissionLog(ctx, convID, "what happened to bitcoin today")
	require.NoError(t, err)
	require.NoError(t, rel.MarkInProgress(ctx, missionID))
	require.NoError(t, rel.CompleteMission(ctx, missionID, "bitcoin rose 3%"))

	log, err := rel.GetMissionLog(ctx, missionID)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, log.Status)

	// A second transition past a terminal status must be rejected.
	err = rel.FailMission(ctx, missionID, "late failure")
	require.Error(t, err)
	var termErr *store.ErrTerminal
	require.ErrorAs(t, err, &termErr)

	// document_store_v1 starts at vector(1536) per the migration; the
	// adapter is constructed assuming dimension 384, so the first write
	// must trigger a self-heal (drop + recreate at 384) and then succeed.
	vstore := vectorstore.New(rel.DB(), 384, tel)
	require.NoError(t, vstore.Ping(ctx))

	vec384 := make([]float32, 384)
	for i := range vec384 {
		vec384[i] = 0.01 * float32(i%10)
	}
	err = vstore.Add(ctx, []string{"doc-1"}, [][]float32{vec384}, []string{"bitcoin rose 3% today"},
		[]map[string]any{{"conversation_id": fmt.Sprintf("%d", convID)}})
	require.NoError(t, err)

	docs, distances, metadata, err := vstore.Query(ctx, vec384, 5, map[string]any{"conversation_id": fmt.Sprintf("%d", convID)})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "bitcoin rose 3% today", docs[0])
	require.InDelta(t, float32(0), distances[0], 1e-4)
	require.Equal(t, fmt.Sprintf("%d", convID), metadata[0]["conversation_id"])
}

func applyMigrations(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	migrationSQL, err := os.ReadFile("../../migrations/0001_init.up.sql")
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(migrationSQL)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}
