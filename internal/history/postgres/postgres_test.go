package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/agentvisor/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	pg, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	defer func() { _ = pg.Terminate(ctx) }()

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	rec := history.Record{Workspace: "/ws", PID: 12345, State: "running", StartedAt: time.Now().UTC()}
	start := history.NewEvent(history.EventStart, time.Now(), rec)
	require.NoError(t, sink.Send(ctx, start))
	require.NoError(t, sink.Send(ctx, start))

	rec.State = "stopped"
	rec.StoppedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	require.NoError(t, sink.Send(ctx, history.NewEvent(history.EventStop, time.Now(), rec)))

	var count int
	require.NoError(t, sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agent_history WHERE workspace = $1", "/ws").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestPostgresSinkEmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
