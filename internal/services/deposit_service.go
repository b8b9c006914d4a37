package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/drivepay/backend/internal/audit"
	"github.com/drivepay/backend/internal/config"
	"github.com/drivepay/backend/internal/database"
	"github.com/drivepay/backend/internal/models"
)

// DepositService manages the funding-request lifecycle. Manual deposits wait
// for an admin decision; gateway deposits are settled by the gateway
// reconciliation callback. Either success path credits the wallet exactly
// once, keyed by the deposit id.
type DepositService struct {
	db        *sql.DB
	redis     *redis.Client
	balance   *BalanceService
	audit     *audit.Logger
	validator *ValidationHelper
	config    *config.WalletConfig
}

func NewDepositService(db *sql.DB, redisClient *redis.Client, balance *BalanceService) *DepositService {
	return &DepositService{
		db:        db,
		redis:     redisClient,
		balance:   balance,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
		config:    config.LoadWalletConfig(),
	}
}

// CreateDepositInput carries everything needed to open a funding request.
type CreateDepositInput struct {
	OwnerID     string
	Amount      int64 // in cents
	Source      models.DepositSource
	AccountRef  string
	ProofURL    string
	DepositedAt time.Time
}

func (s *DepositService) CreateDeposit(ctx context.Context, in CreateDepositInput) (*models.Deposit, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if in.Source != models.DepositSourceManual && in.Source != models.DepositSourceGateway {
		return nil, fmt.Errorf("%w: unknown deposit source %q", ErrValidation, in.Source)
	}
	if in.Source == models.DepositSourceManual {
		if in.AccountRef == "" {
			return nil, fmt.Errorf("%w: account reference is required for manual deposits", ErrValidation)
		}
		if in.DepositedAt.IsZero() {
			return nil, fmt.Errorf("%w: deposit timestamp is required for manual deposits", ErrValidation)
		}
	}

	var ownerExists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM wallet_owners WHERE id = $1)
	`, in.OwnerID).Scan(&ownerExists)
	if err != nil {
		return nil, err
	}
	if !ownerExists {
		return nil, fmt.Errorf("%w: owner %s", ErrNotFound, in.OwnerID)
	}

	if in.ProofURL != "" {
		var proofUsed bool
		err := s.db.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM deposits WHERE proof_url = $1)
		`, in.ProofURL).Scan(&proofUsed)
		if err != nil {
			return nil, err
		}
		if proofUsed {
			return nil, fmt.Errorf("%w: proof already attached to another deposit", ErrValidation)
		}
	}

	status := models.DepositStatusRequested
	if in.Source == models.DepositSourceGateway {
		status = models.DepositStatusPending
	}

	depositedAt := in.DepositedAt
	if depositedAt.IsZero() {
		depositedAt = time.Now()
	}

	deposit := &models.Deposit{
		ID:          uuid.NewString(),
		OwnerID:     in.OwnerID,
		Amount:      in.Amount,
		Source:      in.Source,
		Status:      status,
		DepositedAt: depositedAt,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if in.AccountRef != "" {
		deposit.AccountRef = sql.NullString{String: in.AccountRef, Valid: true}
	}
	if in.ProofURL != "" {
		deposit.ProofURL = sql.NullString{String: in.ProofURL, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deposits
		(id, owner_id, amount, source, account_ref, status, proof_url, deposited_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, deposit.ID, deposit.OwnerID, deposit.Amount, deposit.Source, deposit.AccountRef,
		deposit.Status, deposit.ProofURL, deposit.DepositedAt, deposit.CreatedAt, deposit.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store deposit: %w", err)
	}

	s.incrementRateLimit(ctx, in.OwnerID)
	return deposit, nil
}

// SetDepositStatus applies an admin decision to a manual deposit. Approval
// credits the wallet and flips the status inside one transaction; a repeated
// approval returns the stored record without touching the ledger again.
func (s *DepositService) SetDepositStatus(ctx context.Context, depositID string, newStatus models.DepositStatus, reason, actor string) (*models.Deposit, error) {
	if newStatus != models.DepositStatusApproved && newStatus != models.DepositStatusRejected {
		return nil, fmt.Errorf("%w: status must be %s or %s", ErrValidation,
			models.DepositStatusApproved, models.DepositStatusRejected)
	}

	deposit, err := s.fetchDeposit(ctx, depositID)
	if err != nil {
		return nil, err
	}

	if deposit.Status == models.DepositStatusApproved {
		log.Printf("[DEPOSIT] Deposit %s already approved, no-op", depositID)
		return deposit, nil
	}
	if deposit.Source != models.DepositSourceManual {
		return nil, fmt.Errorf("%w: gateway deposits are settled by gateway callbacks", ErrInvalidState)
	}

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if newStatus == models.DepositStatusApproved {
			_, applyErr := s.balance.ApplyTx(ctx, tx, BalanceChange{
				OwnerID:         deposit.OwnerID,
				Amount:          deposit.Amount,
				Direction:       models.DirectionAdd,
				TransactionType: models.TransactionTypeDeposit,
				TransactionUID:  deposit.ID,
				Actor:           actor,
				OccurredAt:      deposit.DepositedAt,
			})
			if applyErr != nil {
				return applyErr
			}
		}
		return s.updateStatusTx(ctx, tx, deposit.ID, newStatus, reason)
	})
	if err != nil {
		s.audit.LogError(deposit.ID, deposit.OwnerID, err)
		return nil, TranslateContextError(err)
	}

	deposit.Status = newStatus
	if reason != "" {
		deposit.StatusReason = sql.NullString{String: reason, Valid: true}
	}

	if newStatus == models.DepositStatusApproved {
		s.audit.LogOperation(deposit.ID, deposit.OwnerID, "DEPOSIT_APPROVED", fmt.Sprintf("amount=%d", deposit.Amount))
		go s.notifyDeposit(deposit)
	}
	return deposit, nil
}

func (s *DepositService) fetchDeposit(ctx context.Context, depositID string) (*models.Deposit, error) {
	var d models.Deposit
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, amount, source, account_ref, status, proof_url, gateway_txn_id, status_reason, deposited_at, created_at, updated_at
		FROM deposits WHERE id = $1
	`, depositID).Scan(&d.ID, &d.OwnerID, &d.Amount, &d.Source, &d.AccountRef, &d.Status,
		&d.ProofURL, &d.GatewayTxnID, &d.StatusReason, &d.DepositedAt, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: deposit %s", ErrNotFound, depositID)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *DepositService) updateStatusTx(ctx context.Context, tx *sql.Tx, depositID string, status models.DepositStatus, reason string) error {
	statusReason := sql.NullString{}
	if reason != "" {
		statusReason = sql.NullString{String: reason, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE deposits SET status = $1, status_reason = $2, updated_at = $3 WHERE id = $4
	`, status, statusReason, time.Now(), depositID)
	if err != nil {
		return fmt.Errorf("update deposit status: %w", err)
	}
	return nil
}

// ExpireStalePending fails gateway deposits stuck in PENDING beyond maxAge.
// No ledger effect: a late gateway callback for a failed deposit still wins
// through reconciliation.
func (s *DepositService) ExpireStalePending(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deposits
		SET status = $1, status_reason = 'expired waiting for gateway confirmation', updated_at = $2
		WHERE source = $3 AND status = $4 AND created_at < $5
	`, models.DepositStatusFailed, time.Now(), models.DepositSourceGateway,
		models.DepositStatusPending, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Rate limiting (redis, best-effort: a down redis disables the limiter)

func (s *DepositService) checkRateLimit(ctx context.Context, ownerID string) error {
	if s.redis == nil {
		return nil
	}
	key := fmt.Sprintf("deposit:ratelimit:%s", ownerID)
	count, err := s.redis.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		log.Printf("[DEPOSIT] Rate limit check failed, allowing request: %v", err)
		return nil
	}
	if count >= s.config.MaxDepositsPerWindow {
		return fmt.Errorf("%w: too many deposit requests, try again later", ErrValidation)
	}
	return nil
}

func (s *DepositService) incrementRateLimit(ctx context.Context, ownerID string) {
	if s.redis == nil {
		return
	}
	key := fmt.Sprintf("deposit:ratelimit:%s", ownerID)
	pipe := s.redis.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.config.RateLimitWindow)
	pipe.Exec(ctx)
}

func (s *DepositService) notifyDeposit(deposit *models.Deposit) {
	if s.redis == nil {
		log.Printf("Notification: Deposit %s %s for owner %s", deposit.ID, deposit.Status, deposit.OwnerID)
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event":     "deposit_" + string(deposit.Status),
		"depositId": deposit.ID,
		"ownerId":   deposit.OwnerID,
		"amount":    deposit.Amount,
	})
	if err != nil {
		return
	}
	if err := s.redis.RPush(context.Background(), "wallet_notifications", payload).Err(); err != nil {
		log.Printf("[DEPOSIT] Failed to queue notification for %s: %v", deposit.ID, err)
	}
}

// HTTP handlers

// CreateDepositHandler opens a funding request
// @Summary Create deposit
// @Description Create a manual or gateway funding request for a wallet owner
// @Tags deposits
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{ownerId=string,amount=int64,source=string,accountRef=string,proofUrl=string,depositedAt=string} true "Deposit request"
// @Success 201 {object} models.Deposit
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /deposits [post]
func (s *DepositService) CreateDepositHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID     string    `json:"ownerId" validate:"required"`
		Amount      int64     `json:"amount" validate:"required,gt=0"`
		Source      string    `json:"source" validate:"required,oneof=MANUAL GATEWAY"`
		AccountRef  string    `json:"accountRef,omitempty"`
		ProofURL    string    `json:"proofUrl,omitempty"`
		DepositedAt time.Time `json:"depositedAt,omitempty"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := s.checkRateLimit(r.Context(), req.OwnerID); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusTooManyRequests, nil)
		return
	}

	deposit, err := s.CreateDeposit(r.Context(), CreateDepositInput{
		OwnerID:     req.OwnerID,
		Amount:      req.Amount,
		Source:      models.DepositSource(req.Source),
		AccountRef:  req.AccountRef,
		ProofURL:    req.ProofURL,
		DepositedAt: req.DepositedAt,
	})
	if err != nil {
		log.Printf("[DEPOSIT] Create failed for owner %s: %v", req.OwnerID, err)
		SendErrorResponse(w, err.Error(), StatusForError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(deposit)
}

// SetDepositStatusHandler applies an admin approval or rejection
// @Summary Approve or reject a deposit
// @Description Approve (crediting the wallet once) or reject a manual deposit
// @Tags deposits
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param depositId path string true "Deposit ID"
// @Param request body object{status=string,reason=string} true "Decision"
// @Success 200 {object} models.Deposit
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /deposits/{depositId}/status [put]
func (s *DepositService) SetDepositStatusHandler(w http.ResponseWriter, r *http.Request) {
	depositID := chi.URLParam(r, "depositId")

	actor, _ := r.Context().Value("userID").(string)

	var req struct {
		Status string `json:"status" validate:"required,oneof=APPROVED REJECTED"`
		Reason string `json:"reason,omitempty"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	deposit, err := s.SetDepositStatus(r.Context(), depositID, models.DepositStatus(req.Status), req.Reason, actor)
	if err != nil {
		log.Printf("[DEPOSIT] Status change failed for %s: %v", depositID, err)
		SendErrorResponse(w, err.Error(), StatusForError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(deposit)
}

// GetDepositHandler fetches one deposit
// @Summary Get deposit
// @Tags deposits
// @Produce json
// @Security BearerAuth
// @Param depositId path string true "Deposit ID"
// @Success 200 {object} models.Deposit
// @Failure 404 {object} ErrorResponse
// @Router /deposits/{depositId} [get]
func (s *DepositService) GetDepositHandler(w http.ResponseWriter, r *http.Request) {
	depositID := chi.URLParam(r, "depositId")

	deposit, err := s.fetchDeposit(r.Context(), depositID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			SendErrorResponse(w, "Deposit not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch deposit", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(deposit)
}
