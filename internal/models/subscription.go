package models

import "time"

// PricingTier is a plan+price+date-range tuple. A tier is active when "now"
// falls inside [EffectiveFrom, EffectiveTo); the span of that window is also
// the duration a purchased subscription runs for. A free tier credits its
// price to the wallet as a gift instead of charging it.
type PricingTier struct {
	ID            string    `json:"id" db:"id"`
	PlanName      string    `json:"planName" db:"plan_name"`
	Price         int64     `json:"price" db:"price"` // in cents
	IsFree        bool      `json:"isFree" db:"is_free"`
	EffectiveFrom time.Time `json:"effectiveFrom" db:"effective_from"`
	EffectiveTo   time.Time `json:"effectiveTo" db:"effective_to"`
}

// Span is the subscription duration this tier grants.
func (p *PricingTier) Span() time.Duration {
	return p.EffectiveTo.Sub(p.EffectiveFrom)
}

// UserSubscription is one purchased subscription window for an owner.
type UserSubscription struct {
	ID         string    `json:"id" db:"id"`
	OwnerID    string    `json:"ownerId" db:"owner_id"`
	PricingRef string    `json:"pricingRef" db:"pricing_ref"`
	StartDate  time.Time `json:"startDate" db:"start_date"`
	EndDate    time.Time `json:"endDate" db:"end_date"`
	CreatedBy  string    `json:"createdBy" db:"created_by"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}
