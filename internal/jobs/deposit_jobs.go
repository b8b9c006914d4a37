package jobs

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/drivepay/backend/internal/config"
	"github.com/drivepay/backend/internal/services"
)

// DepositSweeper periodically fails gateway deposits stuck in PENDING beyond
// the configured age. The sweep never touches the ledger; a late gateway
// callback can still settle the deposit through reconciliation.
type DepositSweeper struct {
	cron     *cron.Cron
	deposits *services.DepositService
	config   *config.WalletConfig
}

func NewDepositSweeper(deposits *services.DepositService) *DepositSweeper {
	return &DepositSweeper{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		deposits: deposits,
		config:   config.LoadWalletConfig(),
	}
}

// Start registers and starts the sweep schedule.
func (s *DepositSweeper) Start() error {
	_, err := s.cron.AddFunc(s.config.SweepSchedule, s.runSweep)
	if err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("[JOBS] Deposit sweep scheduled (%s)", s.config.SweepSchedule)
	return nil
}

// Stop waits for a running sweep to finish before returning.
func (s *DepositSweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Println("[JOBS] Deposit sweep stopped")
}

func (s *DepositSweeper) runSweep() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[JOBS] Deposit sweep panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	expired, err := s.deposits.ExpireStalePending(ctx, s.config.PendingDepositMaxAge)
	if err != nil {
		log.Printf("[JOBS] Deposit sweep failed: %v", err)
		return
	}
	if expired > 0 {
		log.Printf("[JOBS] Deposit sweep expired %d stale pending deposits", expired)
	}
}
