package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/drivepay/backend/internal/models"
)

func TestTransferService_CreateTransfer(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewTransferService(db, NewBalanceService(db))
	ctx := context.Background()

	t.Run("moves funds as a paired debit and credit", func(t *testing.T) {
		mock.ExpectBegin()

		// Pair locks in ascending order: driver1 before driver2 even though
		// driver2 is the sender
		mock.ExpectQuery("SELECT id FROM wallet_owners WHERE id = \\$1 FOR UPDATE").
			WithArgs("driver1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("driver1"))
		mock.ExpectQuery("SELECT id FROM wallet_owners WHERE id = \\$1 FOR UPDATE").
			WithArgs("driver2").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("driver2"))

		// Debit leg
		mock.ExpectQuery("SELECT id FROM wallet_owners WHERE id = \\$1 FOR UPDATE").
			WithArgs("driver2").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("driver2"))
		mock.ExpectQuery("FROM ledger_entries WHERE transaction_type = \\$1 AND transaction_uid = \\$2").
			WithArgs(models.TransactionTypeTransfer, "tx123").
			WillReturnRows(sqlmock.NewRows(ledgerColumns()))
		mock.ExpectQuery("SELECT resulting_balance FROM ledger_entries WHERE owner_id = \\$1 ORDER BY id DESC LIMIT 1").
			WithArgs("driver2").
			WillReturnRows(sqlmock.NewRows([]string{"resulting_balance"}).AddRow(5000))
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "driver2", models.TransactionTypeTransfer, "tx123",
				int64(-1000), int64(4000), sqlmock.AnyArg(), "admin", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(20))

		// Credit leg sees the debit leg and still applies
		mock.ExpectQuery("SELECT id FROM wallet_owners WHERE id = \\$1 FOR UPDATE").
			WithArgs("driver1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("driver1"))
		mock.ExpectQuery("FROM ledger_entries WHERE transaction_type = \\$1 AND transaction_uid = \\$2").
			WithArgs(models.TransactionTypeTransfer, "tx123").
			WillReturnRows(sqlmock.NewRows(ledgerColumns()).
				AddRow(20, "uid20", "driver2", models.TransactionTypeTransfer, "tx123",
					-1000, 4000, time.Now(), "admin", time.Now()))
		mock.ExpectQuery("SELECT resulting_balance FROM ledger_entries WHERE owner_id = \\$1 ORDER BY id DESC LIMIT 1").
			WithArgs("driver1").
			WillReturnRows(sqlmock.NewRows([]string{"resulting_balance"}).AddRow(2000))
		mock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(sqlmock.AnyArg(), "driver1", models.TransactionTypeTransfer, "tx123",
				int64(1000), int64(3000), sqlmock.AnyArg(), "admin", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(21))

		mock.ExpectExec("INSERT INTO transfers").
			WithArgs("tx123", "driver2", "driver1", int64(1000), "fuel loan", "admin", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		transfer, err := service.CreateTransfer(ctx, TransferInput{
			TransferUID: "tx123",
			FromOwnerID: "driver2",
			ToOwnerID:   "driver1",
			Amount:      1000,
			Reason:      "fuel loan",
			Actor:       "admin",
		})
		assert.NoError(t, err)
		assert.Equal(t, "tx123", transfer.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retry with the same transfer id is a no-op", func(t *testing.T) {
		now := time.Now()
		bothLegs := func() *sqlmock.Rows {
			return sqlmock.NewRows(ledgerColumns()).
				AddRow(20, "uid20", "driver2", models.TransactionTypeTransfer, "tx123",
					-1000, 4000, now, "admin", now).
				AddRow(21, "uid21", "driver1", models.TransactionTypeTransfer, "tx123",
					1000, 3000, now, "admin", now)
		}

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id FROM wallet_owners WHERE id = \\$1 FOR UPDATE").
			WithArgs("driver1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("driver1"))
		mock.ExpectQuery("SELECT id FROM wallet_owners WHERE id = \\$1 FOR UPDATE").
			WithArgs("driver2").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("driver2"))

		// Both legs already exist, neither is re-applied
		mock.ExpectQuery("SELECT id FROM wallet_owners WHERE id = \\$1 FOR UPDATE").
			WithArgs("driver2").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("driver2"))
		mock.ExpectQuery("FROM ledger_entries WHERE transaction_type = \\$1 AND transaction_uid = \\$2").
			WithArgs(models.TransactionTypeTransfer, "tx123").
			WillReturnRows(bothLegs())

		mock.ExpectQuery("SELECT id FROM wallet_owners WHERE id = \\$1 FOR UPDATE").
			WithArgs("driver1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("driver1"))
		mock.ExpectQuery("FROM ledger_entries WHERE transaction_type = \\$1 AND transaction_uid = \\$2").
			WithArgs(models.TransactionTypeTransfer, "tx123").
			WillReturnRows(bothLegs())

		mock.ExpectExec("INSERT INTO transfers").
			WithArgs("tx123", "driver2", "driver1", int64(1000), "fuel loan", "admin", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))

		mock.ExpectCommit()

		transfer, err := service.CreateTransfer(ctx, TransferInput{
			TransferUID: "tx123",
			FromOwnerID: "driver2",
			ToOwnerID:   "driver1",
			Amount:      1000,
			Reason:      "fuel loan",
			Actor:       "admin",
		})
		assert.NoError(t, err)
		assert.Equal(t, "tx123", transfer.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient sender balance rolls everything back", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id FROM wallet_owners WHERE id = \\$1 FOR UPDATE").
			WithArgs("driver1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("driver1"))
		mock.ExpectQuery("SELECT id FROM wallet_owners WHERE id = \\$1 FOR UPDATE").
			WithArgs("driver2").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("driver2"))

		mock.ExpectQuery("SELECT id FROM wallet_owners WHERE id = \\$1 FOR UPDATE").
			WithArgs("driver2").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("driver2"))
		mock.ExpectQuery("FROM ledger_entries WHERE transaction_type = \\$1 AND transaction_uid = \\$2").
			WithArgs(models.TransactionTypeTransfer, "tx456").
			WillReturnRows(sqlmock.NewRows(ledgerColumns()))
		mock.ExpectQuery("SELECT resulting_balance FROM ledger_entries WHERE owner_id = \\$1 ORDER BY id DESC LIMIT 1").
			WithArgs("driver2").
			WillReturnRows(sqlmock.NewRows([]string{"resulting_balance"}).AddRow(100))

		mock.ExpectRollback()

		_, err := service.CreateTransfer(ctx, TransferInput{
			TransferUID: "tx456",
			FromOwnerID: "driver2",
			ToOwnerID:   "driver1",
			Amount:      500,
		})
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("transfer to self is rejected", func(t *testing.T) {
		_, err := service.CreateTransfer(ctx, TransferInput{
			FromOwnerID: "driver1",
			ToOwnerID:   "driver1",
			Amount:      500,
		})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("non-positive amount is rejected", func(t *testing.T) {
		_, err := service.CreateTransfer(ctx, TransferInput{
			FromOwnerID: "driver1",
			ToOwnerID:   "driver2",
			Amount:      0,
		})
		assert.ErrorIs(t, err, ErrValidation)
	})
}
