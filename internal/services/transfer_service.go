package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/drivepay/backend/internal/audit"
	"github.com/drivepay/backend/internal/database"
	"github.com/drivepay/backend/internal/models"
)

// TransferService moves funds between two wallet owners as a paired
// debit+credit sharing one transaction identity, so a retried transfer is a
// no-op rather than a double move.
type TransferService struct {
	db        *sql.DB
	balance   *BalanceService
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewTransferService(db *sql.DB, balance *BalanceService) *TransferService {
	return &TransferService{
		db:        db,
		balance:   balance,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
	}
}

// TransferInput describes one requested transfer. TransferUID is the shared
// transaction identity for both ledger legs; retries must carry the same one
// to be recognised as replays. Left empty, a fresh one is generated.
type TransferInput struct {
	TransferUID string
	FromOwnerID string
	ToOwnerID   string
	Amount      int64 // in cents
	Reason      string
	Actor       string
}

func (s *TransferService) CreateTransfer(ctx context.Context, in TransferInput) (*models.Transfer, error) {
	fromOwnerID, toOwnerID, amount := in.FromOwnerID, in.ToOwnerID, in.Amount
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if fromOwnerID == "" || toOwnerID == "" {
		return nil, fmt.Errorf("%w: both owners are required", ErrValidation)
	}
	if fromOwnerID == toOwnerID {
		return nil, fmt.Errorf("%w: cannot transfer to the same owner", ErrValidation)
	}

	transferUID := in.TransferUID
	if transferUID == "" {
		transferUID = uuid.NewString()
	}

	transfer := &models.Transfer{
		ID:          transferUID,
		FromOwnerID: fromOwnerID,
		ToOwnerID:   toOwnerID,
		Amount:      amount,
		Reason:      in.Reason,
		InitiatedBy: in.Actor,
		CreatedAt:   time.Now(),
	}

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		// Both owner locks up front, in ascending order, so two transfers
		// over the same pair in opposite directions cannot deadlock.
		if err := s.balance.LockOwners(ctx, tx, fromOwnerID, toOwnerID); err != nil {
			return err
		}

		if _, err := s.balance.ApplyTx(ctx, tx, BalanceChange{
			OwnerID:         fromOwnerID,
			Amount:          amount,
			Direction:       models.DirectionDeduct,
			TransactionType: models.TransactionTypeTransfer,
			TransactionUID:  transfer.ID,
			Actor:           in.Actor,
		}); err != nil {
			return err
		}

		if _, err := s.balance.ApplyTx(ctx, tx, BalanceChange{
			OwnerID:         toOwnerID,
			Amount:          amount,
			Direction:       models.DirectionAdd,
			TransactionType: models.TransactionTypeTransfer,
			TransactionUID:  transfer.ID,
			Actor:           in.Actor,
		}); err != nil {
			return err
		}

		// ON CONFLICT keeps a replayed transfer (same transfer id) a no-op
		// after the mutator has already recognised both ledger legs.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transfers (id, from_owner_id, to_owner_id, amount, reason, initiated_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING
		`, transfer.ID, transfer.FromOwnerID, transfer.ToOwnerID, transfer.Amount,
			transfer.Reason, transfer.InitiatedBy, transfer.CreatedAt)
		if err != nil {
			return fmt.Errorf("store transfer: %w", err)
		}
		return nil
	})
	if err != nil {
		s.audit.LogError(transfer.ID, fromOwnerID, err)
		return nil, TranslateContextError(err)
	}

	s.audit.LogTransfer(transfer.ID, fromOwnerID, toOwnerID, amount, "SUCCESS")
	return transfer, nil
}

// CreateTransferHandler moves funds between two owners
// @Summary Create transfer
// @Description Transfer funds between two wallet owners as one atomic debit+credit
// @Tags transfers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{fromOwnerId=string,toOwnerId=string,amount=int64,reason=string} true "Transfer request"
// @Success 201 {object} models.Transfer
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /transfers [post]
func (s *TransferService) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := r.Context().Value("userID").(string)

	var req struct {
		TransferID  string `json:"transferId,omitempty"` // optional idempotency key for retries
		FromOwnerID string `json:"fromOwnerId" validate:"required"`
		ToOwnerID   string `json:"toOwnerId" validate:"required"`
		Amount      int64  `json:"amount" validate:"required,gt=0"`
		Reason      string `json:"reason,omitempty"`
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

	transfer, err := s.CreateTransfer(r.Context(), TransferInput{
		TransferUID: req.TransferID,
		FromOwnerID: req.FromOwnerID,
		ToOwnerID:   req.ToOwnerID,
		Amount:      req.Amount,
		Reason:      req.Reason,
		Actor:       actor,
	})
	if err != nil {
		log.Printf("[TRANSFER] Failed %s -> %s: %v", req.FromOwnerID, req.ToOwnerID, err)
		SendErrorResponse(w, err.Error(), StatusForError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(transfer)
}
