package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/drivepay/backend/internal/audit"
	"github.com/drivepay/backend/internal/config"
	"github.com/drivepay/backend/internal/database"
	"github.com/drivepay/backend/internal/models"
)

// GatewayService maps asynchronous payment-gateway callbacks onto deposit
// state transitions. The gateway retries aggressively, so the webhook always
// acknowledges at the transport level and reconciliation itself is safe to
// run more than once for the same callback.
type GatewayService struct {
	db      *sql.DB
	balance *BalanceService
	deposit *DepositService
	audit   *audit.Logger
	config  *config.WalletConfig
}

func NewGatewayService(db *sql.DB, balance *BalanceService, deposit *DepositService) *GatewayService {
	return &GatewayService{
		db:      db,
		balance: balance,
		deposit: deposit,
		audit:   audit.NewLogger(),
		config:  config.LoadWalletConfig(),
	}
}

// GatewayCallback is the gateway's notification about a deposit's outcome.
type GatewayCallback struct {
	GatewayTxnID  string `json:"gatewayTxnId" validate:"required"`
	CorrelationID string `json:"correlationId" validate:"required"` // = deposit id
	Status        string `json:"status" validate:"required,oneof=completed failed declined pending"`
	Amount        int64  `json:"amount" validate:"required,gt=0"` // in cents
	Note          string `json:"note,omitempty"`
}

// Reconcile applies one gateway callback. A callback for a deposit that is
// already COMPLETED with the same gateway transaction id is a replay and
// succeeds without re-crediting.
func (s *GatewayService) Reconcile(ctx context.Context, cb GatewayCallback) (*models.Deposit, error) {
	deposit, err := s.deposit.fetchDeposit(ctx, cb.CorrelationID)
	if err != nil {
		return nil, err
	}
	if deposit.Source != models.DepositSourceGateway {
		return nil, fmt.Errorf("%w: deposit %s is not a gateway deposit", ErrInvalidState, deposit.ID)
	}

	if deposit.Status == models.DepositStatusCompleted &&
		deposit.GatewayTxnID.Valid && deposit.GatewayTxnID.String == cb.GatewayTxnID {
		log.Printf("[GATEWAY] Replayed callback for completed deposit %s, no-op", deposit.ID)
		return deposit, nil
	}

	if cb.Amount != deposit.Amount {
		return nil, fmt.Errorf("%w: callback amount %d does not match deposit amount %d",
			ErrValidation, cb.Amount, deposit.Amount)
	}

	switch cb.Status {
	case "completed":
		err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			_, applyErr := s.balance.ApplyTx(ctx, tx, BalanceChange{
				OwnerID:         deposit.OwnerID,
				Amount:          deposit.Amount,
				Direction:       models.DirectionAdd,
				TransactionType: models.TransactionTypeDeposit,
				TransactionUID:  deposit.ID,
				Actor:           "gateway",
			})
			if applyErr != nil {
				return applyErr
			}
			return s.markReconciledTx(ctx, tx, deposit.ID, models.DepositStatusCompleted, cb)
		})
		if err != nil {
			s.audit.LogError(deposit.ID, deposit.OwnerID, err)
			return nil, TranslateContextError(err)
		}
		deposit.Status = models.DepositStatusCompleted
		s.audit.LogOperation(deposit.ID, deposit.OwnerID, "GATEWAY_COMPLETED", cb.GatewayTxnID)
		go s.deposit.notifyDeposit(deposit)

	case "failed", "declined":
		err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			return s.markReconciledTx(ctx, tx, deposit.ID, models.DepositStatusFailed, cb)
		})
		if err != nil {
			return nil, TranslateContextError(err)
		}
		deposit.Status = models.DepositStatusFailed

	case "pending":
		err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
			return s.markReconciledTx(ctx, tx, deposit.ID, models.DepositStatusPending, cb)
		})
		if err != nil {
			return nil, TranslateContextError(err)
		}

	default:
		return nil, fmt.Errorf("%w: unknown gateway status %q", ErrValidation, cb.Status)
	}

	deposit.GatewayTxnID = sql.NullString{String: cb.GatewayTxnID, Valid: true}
	return deposit, nil
}

func (s *GatewayService) markReconciledTx(ctx context.Context, tx *sql.Tx, depositID string, status models.DepositStatus, cb GatewayCallback) error {
	statusReason := sql.NullString{}
	if cb.Note != "" {
		statusReason = sql.NullString{String: cb.Note, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE deposits SET status = $1, gateway_txn_id = $2, status_reason = $3, updated_at = $4 WHERE id = $5
	`, status, cb.GatewayTxnID, statusReason, time.Now(), depositID)
	if err != nil {
		return fmt.Errorf("mark deposit reconciled: %w", err)
	}
	return nil
}

// verifyWebhookSignature checks the HMAC-SHA256 of the raw body against the
// shared gateway secret. An empty secret disables verification.
func (s *GatewayService) verifyWebhookSignature(body []byte, signature string) bool {
	if s.config.GatewayWebhookSecret == "" {
		return true
	}
	h := hmac.New(sha256.New, []byte(s.config.GatewayWebhookSecret))
	h.Write(body)
	expected := hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookHandler receives gateway status callbacks
// @Summary Payment gateway webhook
// @Description Reconcile a gateway payment-status callback. Always returns 200 so the gateway stops retrying; internal failures are logged.
// @Tags gateway
// @Accept json
// @Produce json
// @Param X-Gateway-Signature header string false "HMAC-SHA256 of the raw body"
// @Param callback body GatewayCallback true "Gateway callback"
// @Success 200 {object} object{received=bool}
// @Router /gateway/webhook [post]
func (s *GatewayService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	acknowledge := func() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]bool{"received": true})
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1_048_576))
	if err != nil {
		log.Printf("[GATEWAY] Failed to read webhook body: %v", err)
		acknowledge()
		return
	}

	if !s.verifyWebhookSignature(body, r.Header.Get("X-Gateway-Signature")) {
		log.Printf("[GATEWAY] Webhook signature mismatch from %s", r.RemoteAddr)
		acknowledge()
		return
	}

	var cb GatewayCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		log.Printf("[GATEWAY] Failed to decode webhook body: %v", err)
		acknowledge()
		return
	}

	log.Printf("[GATEWAY] Callback txn=%s deposit=%s status=%s amount=%d",
		cb.GatewayTxnID, cb.CorrelationID, cb.Status, cb.Amount)

	if _, err := s.Reconcile(r.Context(), cb); err != nil {
		// Internal outcome never surfaces to the gateway; it would only retry.
		log.Printf("[GATEWAY] Reconciliation failed for deposit %s: %v", cb.CorrelationID, err)
	}

	acknowledge()
}
