package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/drivepay/backend/internal/audit"
	"github.com/drivepay/backend/internal/database"
	"github.com/drivepay/backend/internal/models"
)

// BalanceService is the only writer of the ledger_entries table. Every
// balance change goes through ApplyTx, which enforces idempotency by
// (transaction_type, transaction_uid), sufficiency checks, and a per-owner
// row lock for the whole read-compute-insert sequence.
type BalanceService struct {
	db    *sql.DB
	audit *audit.Logger
}

func NewBalanceService(db *sql.DB) *BalanceService {
	return &BalanceService{
		db:    db,
		audit: audit.NewLogger(),
	}
}

// BalanceChange describes one requested mutation of an owner's balance.
// Amount is always positive; Direction carries the sign.
type BalanceChange struct {
	OwnerID         string
	Amount          int64 // in cents, positive
	Direction       models.BalanceDirection
	TransactionType models.TransactionType
	TransactionUID  string
	AllowNegative   bool // deduct below zero (free-tier subscription credit path)
	Actor           string
	OccurredAt      time.Time // zero value means now
}

// Validate rejects malformed changes before any transaction work starts.
func (c BalanceChange) Validate() error {
	if c.OwnerID == "" || c.TransactionUID == "" {
		return fmt.Errorf("%w: owner and transaction identity are required", ErrValidation)
	}
	if c.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if c.Direction != models.DirectionAdd && c.Direction != models.DirectionDeduct {
		return fmt.Errorf("%w: unknown direction %q", ErrValidation, c.Direction)
	}
	return nil
}

// ApplyTx applies a balance change inside the caller's transaction and
// returns the resulting ledger entry. Replays of an already-applied change
// return the existing entry unchanged, never an error.
func (s *BalanceService) ApplyTx(ctx context.Context, tx *sql.Tx, change BalanceChange) (*models.LedgerEntry, error) {
	if err := change.Validate(); err != nil {
		return nil, err
	}

	// The owner row lock serialises all mutations for this owner. It exists
	// even when the owner has no ledger entries yet, so locking works from
	// balance zero.
	if err := s.lockOwner(ctx, tx, change.OwnerID); err != nil {
		return nil, err
	}

	existing, err := s.findApplied(ctx, tx, change.TransactionType, change.TransactionUID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Printf("[LEDGER] Duplicate %s detected for %s, returning existing entry %d",
			change.TransactionType, change.TransactionUID, existing.ID)
		return existing, nil
	}

	current, err := s.latestBalanceTx(ctx, tx, change.OwnerID)
	if err != nil {
		return nil, err
	}

	if change.Direction == models.DirectionDeduct && !change.AllowNegative {
		if current <= 0 || current < change.Amount {
			return nil, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, current, change.Amount)
		}
	}

	signed := change.Amount
	newBalance := current + change.Amount
	if change.Direction == models.DirectionDeduct {
		signed = -change.Amount
		newBalance = current - change.Amount
	}

	if change.Direction == models.DirectionAdd && newBalance <= 0 && change.Amount > 0 {
		return nil, fmt.Errorf("%w: credit of %d against balance %d yields %d",
			ErrBalanceIntegrity, change.Amount, current, newBalance)
	}

	occurredAt := change.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	entry := &models.LedgerEntry{
		EntryUID:         uuid.NewString(),
		OwnerID:          change.OwnerID,
		TransactionType:  change.TransactionType,
		TransactionUID:   change.TransactionUID,
		Amount:           signed,
		ResultingBalance: newBalance,
		OccurredAt:       occurredAt,
		CreatedBy:        change.Actor,
		CreatedAt:        time.Now(),
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries
		(entry_uid, owner_id, transaction_type, transaction_uid, amount, resulting_balance, occurred_at, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, entry.EntryUID, entry.OwnerID, entry.TransactionType, entry.TransactionUID,
		entry.Amount, entry.ResultingBalance, entry.OccurredAt, entry.CreatedBy, entry.CreatedAt).
		Scan(&entry.ID)
	if err != nil {
		// Unique index on the idempotency key is the datastore backstop. A
		// violation means another handler already applied this change.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			applied, findErr := s.findApplied(ctx, tx, change.TransactionType, change.TransactionUID)
			if findErr == nil && applied != nil {
				return applied, nil
			}
		}
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	s.audit.LogBalanceChange(entry.TransactionUID, entry.OwnerID, change.Amount,
		string(change.TransactionType), string(change.Direction), entry.ResultingBalance)
	return entry, nil
}

// Apply runs ApplyTx in its own transaction for callers that have no other
// writes to bundle with the balance change. Bad input fails before a
// transaction is opened.
func (s *BalanceService) Apply(ctx context.Context, change BalanceChange) (*models.LedgerEntry, error) {
	if err := change.Validate(); err != nil {
		return nil, err
	}

	var entry *models.LedgerEntry
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var txErr error
		entry, txErr = s.ApplyTx(ctx, tx, change)
		return txErr
	})
	if err != nil {
		return nil, TranslateContextError(err)
	}
	return entry, nil
}

// LockOwners takes the per-owner locks for a multi-owner operation in
// ascending id order, so concurrent transfers over the same pair cannot
// deadlock.
func (s *BalanceService) LockOwners(ctx context.Context, tx *sql.Tx, ownerIDs ...string) error {
	ordered := make([]string, len(ownerIDs))
	copy(ordered, ownerIDs)
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j] < ordered[i] {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	for _, id := range ordered {
		if err := s.lockOwner(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *BalanceService) lockOwner(ctx context.Context, tx *sql.Tx, ownerID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM wallet_owners WHERE id = $1 FOR UPDATE
	`, ownerID).Scan(&id)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: owner %s", ErrNotFound, ownerID)
	}
	if err != nil {
		return fmt.Errorf("lock owner %s: %w", ownerID, err)
	}
	return nil
}

// findApplied returns the prior ledger entry for an idempotency key, or nil
// when the change has not been applied yet. Transfers produce two entries
// sharing one key, so a transfer only counts as applied once both exist.
func (s *BalanceService) findApplied(ctx context.Context, tx *sql.Tx, txType models.TransactionType, transactionUID string) (*models.LedgerEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, entry_uid, owner_id, transaction_type, transaction_uid, amount, resulting_balance, occurred_at, created_by, created_at
		FROM ledger_entries
		WHERE transaction_type = $1 AND transaction_uid = $2
		ORDER BY id ASC
	`, txType, transactionUID)
	if err != nil {
		return nil, fmt.Errorf("idempotency check: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.EntryUID, &e.OwnerID, &e.TransactionType, &e.TransactionUID,
			&e.Amount, &e.ResultingBalance, &e.OccurredAt, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		return nil, nil
	}
	if txType == models.TransactionTypeTransfer && len(entries) < 2 {
		// One leg exists: this is the second leg of the same transfer being
		// applied inside the same transaction, not a replay.
		return nil, nil
	}
	return &entries[0], nil
}

func (s *BalanceService) latestBalanceTx(ctx context.Context, tx *sql.Tx, ownerID string) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `
		SELECT resulting_balance FROM ledger_entries
		WHERE owner_id = $1
		ORDER BY id DESC
		LIMIT 1
	`, ownerID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read current balance: %w", err)
	}
	return balance, nil
}

// CurrentBalance reads an owner's balance outside any transaction.
func (s *BalanceService) CurrentBalance(ctx context.Context, ownerID string) (int64, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM wallet_owners WHERE id = $1)
	`, ownerID).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("%w: owner %s", ErrNotFound, ownerID)
	}

	var balance int64
	err = s.db.QueryRowContext(ctx, `
		SELECT resulting_balance FROM ledger_entries
		WHERE owner_id = $1
		ORDER BY id DESC
		LIMIT 1
	`, ownerID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// detailLookup fetches the domain record behind a ledger entry.
type detailLookup func(ctx context.Context, transactionUID string) (any, error)

func (s *BalanceService) detailLookups() map[models.TransactionType]detailLookup {
	return map[models.TransactionType]detailLookup{
		models.TransactionTypeDeposit:      s.depositDetail,
		models.TransactionTypeRefund:       s.depositDetail,
		models.TransactionTypeCommission:   s.commissionDetail,
		models.TransactionTypeTransfer:     s.transferDetail,
		models.TransactionTypeSubscription: s.subscriptionDetail,
		models.TransactionTypeFreeGift:     s.subscriptionDetail,
	}
}

// ListEntries returns an owner's ledger history, newest first, with each
// entry enriched by its source record. Enrichment never fails the read: a
// missing or broken lookup just leaves Detail nil.
func (s *BalanceService) ListEntries(ctx context.Context, ownerID string, page, pageSize int) ([]models.LedgerEntryDetail, int, error) {
	offset := (page - 1) * pageSize

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM ledger_entries WHERE owner_id = $1
	`, ownerID).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_uid, owner_id, transaction_type, transaction_uid, amount, resulting_balance, occurred_at, created_by, created_at
		FROM ledger_entries
		WHERE owner_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, ownerID, pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	lookups := s.detailLookups()

	entries := []models.LedgerEntryDetail{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.EntryUID, &e.OwnerID, &e.TransactionType, &e.TransactionUID,
			&e.Amount, &e.ResultingBalance, &e.OccurredAt, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, 0, err
		}

		detail := models.LedgerEntryDetail{LedgerEntry: e}
		if lookup, ok := lookups[e.TransactionType]; ok {
			if d, lookupErr := lookup(ctx, e.TransactionUID); lookupErr != nil {
				log.Printf("[LEDGER] Detail lookup failed for entry %d (%s %s): %v",
					e.ID, e.TransactionType, e.TransactionUID, lookupErr)
			} else {
				detail.Detail = d
			}
		}
		entries = append(entries, detail)
	}
	return entries, count, rows.Err()
}

func (s *BalanceService) depositDetail(ctx context.Context, transactionUID string) (any, error) {
	var d models.Deposit
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, amount, source, account_ref, status, proof_url, gateway_txn_id, status_reason, deposited_at, created_at, updated_at
		FROM deposits WHERE id = $1
	`, transactionUID).Scan(&d.ID, &d.OwnerID, &d.Amount, &d.Source, &d.AccountRef, &d.Status,
		&d.ProofURL, &d.GatewayTxnID, &d.StatusReason, &d.DepositedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BalanceService) commissionDetail(ctx context.Context, transactionUID string) (any, error) {
	var c models.Commission
	err := s.db.QueryRowContext(ctx, `
		SELECT id, journey_decision_ref, rate_ref, amount, status_ref, created_by, created_at
		FROM commissions WHERE id = $1
	`, transactionUID).Scan(&c.ID, &c.JourneyDecisionRef, &c.RateRef, &c.Amount, &c.StatusRef, &c.CreatedBy, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BalanceService) transferDetail(ctx context.Context, transactionUID string) (any, error) {
	var t models.Transfer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, from_owner_id, to_owner_id, amount, reason, initiated_by, created_at
		FROM transfers WHERE id = $1
	`, transactionUID).Scan(&t.ID, &t.FromOwnerID, &t.ToOwnerID, &t.Amount, &t.Reason, &t.InitiatedBy, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BalanceService) subscriptionDetail(ctx context.Context, transactionUID string) (any, error) {
	var sub models.UserSubscription
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, pricing_ref, start_date, end_date, created_by, created_at
		FROM user_subscriptions WHERE id = $1
	`, transactionUID).Scan(&sub.ID, &sub.OwnerID, &sub.PricingRef, &sub.StartDate, &sub.EndDate, &sub.CreatedBy, &sub.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// HTTP handlers

// GetBalance returns the authoritative current balance for an owner
// @Summary Get wallet balance
// @Description Retrieve the latest ledger balance for a wallet owner
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Param ownerId path string true "Owner ID"
// @Success 200 {object} object{ownerId=string,balance=int64}
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /wallets/{ownerId}/balance [get]
func (s *BalanceService) GetBalance(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerId")

	balance, err := s.CurrentBalance(r.Context(), ownerID)
	if err != nil {
		SendErrorResponse(w, err.Error(), StatusForError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ownerId": ownerID,
		"balance": balance,
	})
}

// GetLedger returns paginated ledger history for an owner
// @Summary List ledger entries
// @Description Get an owner's ledger history with best-effort enrichment
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Param ownerId path string true "Owner ID"
// @Param page query int false "Page (default 1)"
// @Param pageSize query int false "Page size (default 20, max 100)"
// @Success 200 {object} object{entries=[]models.LedgerEntryDetail,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /wallets/{ownerId}/ledger [get]
func (s *BalanceService) GetLedger(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerId")

	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}
	pageSize := 20
	if p := r.URL.Query().Get("pageSize"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 && v <= 100 {
			pageSize = v
		}
	}

	entries, count, err := s.ListEntries(r.Context(), ownerID, page, pageSize)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch ledger history", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"entries": entries,
		"count":   count,
		"page":    page,
	})
}
