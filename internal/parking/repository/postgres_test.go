package repository_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/parkhold/internal/parking/domain"
	"github.com/example/parkhold/internal/parking/repository"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func startPostgres(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container skipped in short mode")
	}
	pg, err := postgrescontainer.Run(ctx, "postgres:16",
		postgrescontainer.WithDatabase("parkhold"),
		postgrescontainer.WithUsername("postgres"),
		postgrescontainer.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2)))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pg.Terminate(ctx))
	})
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return db.PingContext(ctx) == nil }, 30*time.Second, 200*time.Millisecond)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, repository.Migrate(ctx, db))
	return db
}

func resetTables(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()
	_, err := db.ExecContext(ctx, `TRUNCATE parking_spots, reservations, outbox RESTART IDENTITY`)
	require.NoError(t, err)
}

func TestPostgresStores(t *testing.T) {
	ctx := context.Background()
	db := startPostgres(t, ctx)

	t.Run("Spots", func(t *testing.T) {
		runSpotStoreContract(t, func(t *testing.T) domain.SpotStore {
			resetTables(t, ctx, db)
			return repository.NewPostgresSpotStore(db)
		})
	})

	t.Run("Reservations", func(t *testing.T) {
		runReservationStoreContract(t, func(t *testing.T) domain.ReservationStore {
			resetTables(t, ctx, db)
			return repository.NewPostgresReservationStore(db, "")
		})
	})

	t.Run("OutboxRecordsLifecycle", func(t *testing.T) {
		resetTables(t, ctx, db)
		store := repository.NewPostgresReservationStore(db, "parking.test")
		res := domain.NewHeldReservation("u1", "L", "1", baseTime, 30*time.Minute)
		_, err := store.Create(ctx, res)
		require.NoError(t, err)
		_, err = store.UpdateStatus(ctx, res.ID, domain.ReservationHeld, domain.ReservationCancelled)
		require.NoError(t, err)

		rows, err := db.QueryContext(ctx, `SELECT topic, payload FROM outbox ORDER BY id`)
		require.NoError(t, err)
		defer rows.Close()
		var types []string
		for rows.Next() {
			var topic string
			var payload []byte
			require.NoError(t, rows.Scan(&topic, &payload))
			require.Equal(t, "parking.test", topic)
			types = append(types, string(payload))
		}
		require.NoError(t, rows.Err())
		require.Len(t, types, 2)
		require.Contains(t, types[0], string(domain.EventReservationHeld))
		require.Contains(t, types[1], string(domain.EventReservationCancelled))
	})

	t.Run("MigrateIsIdempotent", func(t *testing.T) {
		require.NoError(t, repository.Migrate(ctx, db))
	})
}
