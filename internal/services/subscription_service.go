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

// SubscriptionService sells pricing-tier subscriptions. Paid tiers debit the
// wallet; free tiers credit the tier's value as a one-time gift, claimable
// once per owner per tier, ever.
type SubscriptionService struct {
	db        *sql.DB
	balance   *BalanceService
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewSubscriptionService(db *sql.DB, balance *BalanceService) *SubscriptionService {
	return &SubscriptionService{
		db:        db,
		balance:   balance,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
	}
}

func (s *SubscriptionService) CreateSubscription(ctx context.Context, ownerID, pricingRef, actor string) (*models.UserSubscription, error) {
	tier, err := s.fetchPricingTier(ctx, pricingRef)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if now.Before(tier.EffectiveFrom) || !now.Before(tier.EffectiveTo) {
		return nil, fmt.Errorf("%w: pricing tier %s is not currently active", ErrInvalidState, pricingRef)
	}

	if tier.IsFree {
		var claimed bool
		err := s.db.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM user_subscriptions WHERE owner_id = $1 AND pricing_ref = $2)
		`, ownerID, pricingRef).Scan(&claimed)
		if err != nil {
			return nil, err
		}
		if claimed {
			return nil, fmt.Errorf("%w: free tier %s already claimed by owner %s", ErrConflict, pricingRef, ownerID)
		}
	}

	// Chain the new window off the current active subscription when one
	// exists, so buying early extends rather than overlaps.
	startDate := now
	var activeEnd time.Time
	err = s.db.QueryRowContext(ctx, `
		SELECT end_date FROM user_subscriptions
		WHERE owner_id = $1 AND end_date > $2
		ORDER BY end_date DESC
		LIMIT 1
	`, ownerID, now).Scan(&activeEnd)
	if err == nil {
		startDate = activeEnd
	} else if err != sql.ErrNoRows {
		return nil, err
	}

	sub := &models.UserSubscription{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		PricingRef: pricingRef,
		StartDate:  startDate,
		EndDate:    startDate.Add(tier.Span()),
		CreatedBy:  actor,
		CreatedAt:  now,
	}

	change := BalanceChange{
		OwnerID:         ownerID,
		Amount:          tier.Price,
		Direction:       models.DirectionDeduct,
		TransactionType: models.TransactionTypeSubscription,
		TransactionUID:  sub.ID,
		Actor:           actor,
	}
	if tier.IsFree {
		change.Direction = models.DirectionAdd
		change.TransactionType = models.TransactionTypeFreeGift
		change.AllowNegative = true
	}

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, txErr := s.balance.ApplyTx(ctx, tx, change); txErr != nil {
			return txErr
		}
		_, txErr := tx.ExecContext(ctx, `
			INSERT INTO user_subscriptions (id, owner_id, pricing_ref, start_date, end_date, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, sub.ID, sub.OwnerID, sub.PricingRef, sub.StartDate, sub.EndDate, sub.CreatedBy, sub.CreatedAt)
		if txErr != nil {
			return fmt.Errorf("store subscription: %w", txErr)
		}
		return nil
	})
	if err != nil {
		s.audit.LogError(sub.ID, ownerID, err)
		return nil, TranslateContextError(err)
	}

	s.audit.LogOperation(sub.ID, ownerID, "SUBSCRIPTION_CREATED",
		fmt.Sprintf("tier=%s free=%t until=%s", pricingRef, tier.IsFree, sub.EndDate.Format(time.RFC3339)))
	return sub, nil
}

func (s *SubscriptionService) fetchPricingTier(ctx context.Context, pricingRef string) (*models.PricingTier, error) {
	var tier models.PricingTier
	err := s.db.QueryRowContext(ctx, `
		SELECT id, plan_name, price, is_free, effective_from, effective_to
		FROM pricing_tiers WHERE id = $1
	`, pricingRef).Scan(&tier.ID, &tier.PlanName, &tier.Price, &tier.IsFree,
		&tier.EffectiveFrom, &tier.EffectiveTo)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: pricing tier %s", ErrNotFound, pricingRef)
	}
	if err != nil {
		return nil, err
	}
	return &tier, nil
}

// CreateSubscriptionHandler purchases a subscription
// @Summary Purchase subscription
// @Description Charge (or gift, for free tiers) a pricing-tier subscription
// @Tags subscriptions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{ownerId=string,pricingRef=string} true "Subscription purchase"
// @Success 201 {object} models.UserSubscription
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /subscriptions [post]
func (s *SubscriptionService) CreateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := r.Context().Value("userID").(string)

	var req struct {
		OwnerID    string `json:"ownerId" validate:"required"`
		PricingRef string `json:"pricingRef" validate:"required"`
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

	sub, err := s.CreateSubscription(r.Context(), req.OwnerID, req.PricingRef, actor)
	if err != nil {
		log.Printf("[SUBSCRIPTION] Purchase failed for owner %s tier %s: %v", req.OwnerID, req.PricingRef, err)
		SendErrorResponse(w, err.Error(), StatusForError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sub)
}
