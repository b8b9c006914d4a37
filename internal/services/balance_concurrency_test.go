package services

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/drivepay/backend/internal/models"
)

// startWalletDB spins up a disposable PostgreSQL container and loads the
// wallet schema into it. Requires a local Docker daemon.
func startWalletDB(t *testing.T) *sql.DB {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("wallet_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if termErr := container.Terminate(context.Background()); termErr != nil {
			t.Logf("failed to terminate postgres container: %v", termErr)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PingContext(ctx))

	schema, err := os.ReadFile("../../migrations/001_init.sql")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, string(schema))
	require.NoError(t, err, "failed to apply schema")

	return db
}

// TestBalanceService_ConcurrentApply runs contended balance changes against a
// real database: the per-owner row lock must serialize writers so the final
// running balance matches the arithmetic sum and no update is lost.
func TestBalanceService_ConcurrentApply(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	db := startWalletDB(t)
	service := NewBalanceService(db)
	ctx := context.Background()

	t.Run("mixed credits and debits converge with no lost updates", func(t *testing.T) {
		const ownerID = "driver-contended"
		_, err := db.ExecContext(ctx, `INSERT INTO wallet_owners (id, name) VALUES ($1, $2)`, ownerID, "Contended Driver")
		require.NoError(t, err)

		const seed = int64(1_000_000)
		_, err = service.Apply(ctx, BalanceChange{
			OwnerID:         ownerID,
			Amount:          seed,
			Direction:       models.DirectionAdd,
			TransactionType: models.TransactionTypeDeposit,
			TransactionUID:  uuid.NewString(),
			Actor:           "system",
		})
		require.NoError(t, err)

		const (
			workers      = 80
			creditAmount = int64(250)
			debitAmount  = int64(100)
		)

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			change := BalanceChange{
				OwnerID:         ownerID,
				Amount:          debitAmount,
				Direction:       models.DirectionDeduct,
				TransactionType: models.TransactionTypeCommission,
				TransactionUID:  uuid.NewString(),
				Actor:           "system",
			}
			if i%2 == 0 {
				change.Amount = creditAmount
				change.Direction = models.DirectionAdd
				change.TransactionType = models.TransactionTypeDeposit
			}
			wg.Add(1)
			go func(c BalanceChange) {
				defer wg.Done()
				if _, applyErr := service.Apply(ctx, c); applyErr != nil {
					errs <- applyErr
				}
			}(change)
		}
		wg.Wait()
		close(errs)
		for applyErr := range errs {
			t.Errorf("concurrent apply failed: %v", applyErr)
		}

		expected := seed + (workers/2)*creditAmount - (workers/2)*debitAmount
		balance, err := service.CurrentBalance(ctx, ownerID)
		require.NoError(t, err)
		assert.Equal(t, expected, balance)

		var entryCount int
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM ledger_entries WHERE owner_id = $1`, ownerID).Scan(&entryCount))
		assert.Equal(t, workers+1, entryCount)

		var lastBalance int64
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT resulting_balance FROM ledger_entries WHERE owner_id = $1 ORDER BY id DESC LIMIT 1`, ownerID).Scan(&lastBalance))
		assert.Equal(t, expected, lastBalance)
	})

	t.Run("concurrent replays of one transaction write a single entry", func(t *testing.T) {
		const ownerID = "driver-replayed"
		_, err := db.ExecContext(ctx, `INSERT INTO wallet_owners (id, name) VALUES ($1, $2)`, ownerID, "Replayed Driver")
		require.NoError(t, err)

		const replays = 10
		change := BalanceChange{
			OwnerID:         ownerID,
			Amount:          500,
			Direction:       models.DirectionAdd,
			TransactionType: models.TransactionTypeDeposit,
			TransactionUID:  uuid.NewString(),
			Actor:           "system",
		}

		var wg sync.WaitGroup
		entryIDs := make(chan int64, replays)
		errs := make(chan error, replays)
		for i := 0; i < replays; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				entry, applyErr := service.Apply(ctx, change)
				if applyErr != nil {
					errs <- applyErr
					return
				}
				entryIDs <- entry.ID
			}()
		}
		wg.Wait()
		close(errs)
		close(entryIDs)
		for applyErr := range errs {
			t.Errorf("replayed apply failed: %v", applyErr)
		}

		first := int64(-1)
		for id := range entryIDs {
			if first == -1 {
				first = id
			}
			assert.Equal(t, first, id, "every replay must resolve to the same ledger entry")
		}

		var entryCount int
		require.NoError(t, db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM ledger_entries WHERE owner_id = $1`, ownerID).Scan(&entryCount))
		assert.Equal(t, 1, entryCount)

		balance, err := service.CurrentBalance(ctx, ownerID)
		require.NoError(t, err)
		assert.Equal(t, int64(500), balance)
	})
}
