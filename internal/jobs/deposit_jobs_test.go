package jobs

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/drivepay/backend/internal/models"
	"github.com/drivepay/backend/internal/services"
)

func TestDepositSweeper_runSweep(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	sweeper := NewDepositSweeper(services.NewDepositService(db, nil, services.NewBalanceService(db)))

	mock.ExpectExec("UPDATE deposits SET status = \\$1").
		WithArgs(models.DepositStatusFailed, sqlmock.AnyArg(), models.DepositSourceGateway,
			models.DepositStatusPending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	sweeper.runSweep()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDepositSweeper_StartStop(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	sweeper := NewDepositSweeper(services.NewDepositService(db, nil, services.NewBalanceService(db)))

	assert.NoError(t, sweeper.Start())
	sweeper.Stop()
}
