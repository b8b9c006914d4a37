package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/drivepay/backend/internal/audit"
	"github.com/drivepay/backend/internal/config"
	"github.com/drivepay/backend/internal/database"
	"github.com/drivepay/backend/internal/models"
)

// RateCache caches the active commission rate and status reference. Entries
// live in redis under a TTL and can be dropped explicitly with Invalidate;
// every miss (or a down redis) falls through to the database. When no rate
// row is active at all, the configured fallback rate applies under the
// fallbackRateRef identity.
type RateCache struct {
	db       *sql.DB
	redis    *redis.Client
	ttl      time.Duration
	fallback string
}

const (
	rateCacheKey   = "commission:active_rate"
	statusCacheKey = "commission:active_status"

	// fallbackRateRef is seeded by the migrations so commissions stamped
	// with it still satisfy the rate_ref foreign key.
	fallbackRateRef = "default"
)

func NewRateCache(db *sql.DB, redisClient *redis.Client, ttl time.Duration, fallbackRate string) *RateCache {
	return &RateCache{db: db, redis: redisClient, ttl: ttl, fallback: fallbackRate}
}

// ActiveRate returns the active commission rate and its reference.
func (c *RateCache) ActiveRate(ctx context.Context) (string, decimal.Decimal, error) {
	if c.redis != nil {
		if cached, err := c.redis.Get(ctx, rateCacheKey).Result(); err == nil {
			if ref, rate, ok := splitRateValue(cached); ok {
				return ref, rate, nil
			}
		}
	}

	var ref, rateStr string
	err := c.db.QueryRowContext(ctx, `
		SELECT id, rate FROM commission_rates WHERE active = true ORDER BY created_at DESC LIMIT 1
	`).Scan(&ref, &rateStr)
	if err == sql.ErrNoRows {
		fallback, parseErr := decimal.NewFromString(c.fallback)
		if parseErr != nil {
			return "", decimal.Zero, fmt.Errorf("%w: no active commission rate configured", ErrInvalidState)
		}
		log.Printf("[COMMISSION] No active rate configured, using fallback rate %s", fallback.String())
		return fallbackRateRef, fallback, nil
	}
	if err != nil {
		return "", decimal.Zero, err
	}

	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("parse commission rate %q: %w", rateStr, err)
	}

	if c.redis != nil {
		c.redis.Set(ctx, rateCacheKey, ref+"|"+rate.String(), c.ttl)
	}
	return ref, rate, nil
}

// ActiveStatusRef returns the identifier of the active commission status
// (the status newly created commissions are stamped with).
func (c *RateCache) ActiveStatusRef(ctx context.Context) (string, error) {
	if c.redis != nil {
		if cached, err := c.redis.Get(ctx, statusCacheKey).Result(); err == nil && cached != "" {
			return cached, nil
		}
	}

	var ref string
	err := c.db.QueryRowContext(ctx, `
		SELECT id FROM commission_statuses WHERE active = true ORDER BY created_at DESC LIMIT 1
	`).Scan(&ref)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: no active commission status configured", ErrInvalidState)
	}
	if err != nil {
		return "", err
	}

	if c.redis != nil {
		c.redis.Set(ctx, statusCacheKey, ref, c.ttl)
	}
	return ref, nil
}

// Invalidate drops both cached values so the next lookup rereads the
// database. Rate changes take effect within the TTL even without this.
func (c *RateCache) Invalidate(ctx context.Context) {
	if c.redis == nil {
		return
	}
	c.redis.Del(ctx, rateCacheKey, statusCacheKey)
}

func splitRateValue(cached string) (string, decimal.Decimal, bool) {
	parts := strings.SplitN(cached, "|", 2)
	if len(parts) != 2 {
		return "", decimal.Zero, false
	}
	rate, err := decimal.NewFromString(parts[1])
	if err != nil {
		return "", decimal.Zero, false
	}
	return parts[0], rate, true
}

// CommissionService debits the platform's cut of a completed trip from the
// driver's wallet. One commission per journey decision, created atomically
// with its ledger debit.
type CommissionService struct {
	db        *sql.DB
	cache     *RateCache
	balance   *BalanceService
	audit     *audit.Logger
	validator *ValidationHelper
	config    *config.WalletConfig
}

func NewCommissionService(db *sql.DB, redisClient *redis.Client, balance *BalanceService) *CommissionService {
	cfg := config.LoadWalletConfig()
	return &CommissionService{
		db:        db,
		cache:     NewRateCache(db, redisClient, cfg.CacheTTL, cfg.FallbackRate),
		balance:   balance,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
		config:    cfg,
	}
}

func (s *CommissionService) CreateCommission(ctx context.Context, journeyDecisionRef string, paymentAmount int64, actor string) (*models.Commission, error) {
	journey, err := s.fetchJourneyDecision(ctx, journeyDecisionRef)
	if err != nil {
		return nil, err
	}
	if journey.Status != models.JourneyStatusCompleted {
		return nil, fmt.Errorf("%w: journey %s is %s, commission requires %s",
			ErrInvalidState, journeyDecisionRef, journey.Status, models.JourneyStatusCompleted)
	}

	// The commission row and its ledger debit are logically one unit, so the
	// duplicate check runs here in addition to the mutator's own idempotency.
	var exists bool
	err = s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM commissions WHERE journey_decision_ref = $1)
	`, journeyDecisionRef).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: commission already exists for journey %s", ErrConflict, journeyDecisionRef)
	}

	rateRef, rate, err := s.cache.ActiveRate(ctx)
	if err != nil {
		return nil, err
	}
	statusRef, err := s.cache.ActiveStatusRef(ctx)
	if err != nil {
		return nil, err
	}

	amount := decimal.NewFromInt(paymentAmount).Mul(rate).Round(0).IntPart()
	if amount <= 0 {
		return nil, fmt.Errorf("%w: computed commission %d for payment %d at rate %s",
			ErrValidation, amount, paymentAmount, rate.String())
	}
	if amount > s.config.CommissionCeiling {
		return nil, fmt.Errorf("%w: commission %d exceeds ceiling %d", ErrValidation, amount, s.config.CommissionCeiling)
	}

	commission := &models.Commission{
		ID:                 uuid.NewString(),
		JourneyDecisionRef: journeyDecisionRef,
		RateRef:            rateRef,
		Amount:             amount,
		StatusRef:          statusRef,
		CreatedBy:          actor,
		CreatedAt:          time.Now(),
	}

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		_, txErr := tx.ExecContext(ctx, `
			INSERT INTO commissions (id, journey_decision_ref, rate_ref, amount, status_ref, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, commission.ID, commission.JourneyDecisionRef, commission.RateRef,
			commission.Amount, commission.StatusRef, commission.CreatedBy, commission.CreatedAt)
		if txErr != nil {
			// Unique index on journey_decision_ref catches the race two
			// concurrent creates win past the EXISTS check above.
			if pqErr, ok := txErr.(*pq.Error); ok && pqErr.Code == "23505" {
				return fmt.Errorf("%w: commission already exists for journey %s", ErrConflict, journeyDecisionRef)
			}
			return fmt.Errorf("store commission: %w", txErr)
		}

		_, txErr = s.balance.ApplyTx(ctx, tx, BalanceChange{
			OwnerID:         journey.DriverOwnerID,
			Amount:          commission.Amount,
			Direction:       models.DirectionDeduct,
			TransactionType: models.TransactionTypeCommission,
			TransactionUID:  commission.ID,
			Actor:           actor,
		})
		return txErr
	})
	if err != nil {
		s.audit.LogError(commission.ID, journey.DriverOwnerID, err)
		return nil, TranslateContextError(err)
	}

	s.audit.LogOperation(commission.ID, journey.DriverOwnerID, "COMMISSION_CREATED",
		fmt.Sprintf("journey=%s amount=%d rate=%s", journeyDecisionRef, amount, rate.String()))
	return commission, nil
}

func (s *CommissionService) fetchJourneyDecision(ctx context.Context, ref string) (*models.JourneyDecision, error) {
	var j models.JourneyDecision
	err := s.db.QueryRowContext(ctx, `
		SELECT ref, driver_owner_id, payment_amount, status FROM journey_decisions WHERE ref = $1
	`, ref).Scan(&j.Ref, &j.DriverOwnerID, &j.PaymentAmount, &j.Status)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: journey decision %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateCommissionHandler charges the platform commission for a trip
// @Summary Create commission
// @Description Compute and debit the platform's cut of a completed trip payment
// @Tags commissions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{journeyDecisionRef=string,paymentAmount=int64} true "Commission request"
// @Success 201 {object} models.Commission
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /commissions [post]
func (s *CommissionService) CreateCommissionHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := r.Context().Value("userID").(string)

	var req struct {
		JourneyDecisionRef string `json:"journeyDecisionRef" validate:"required"`
		PaymentAmount      int64  `json:"paymentAmount" validate:"required,gt=0"`
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

	commission, err := s.CreateCommission(r.Context(), req.JourneyDecisionRef, req.PaymentAmount, actor)
	if err != nil {
		log.Printf("[COMMISSION] Create failed for journey %s: %v", req.JourneyDecisionRef, err)
		SendErrorResponse(w, err.Error(), StatusForError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(commission)
}
