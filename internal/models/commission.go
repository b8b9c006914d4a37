package models

import "time"

// Commission is the platform's cut of one completed trip. Exactly one row per
// journey decision; creating it debits the driver's wallet in the same
// database transaction.
type Commission struct {
	ID                 string    `json:"id" db:"id"`
	JourneyDecisionRef string    `json:"journeyDecisionRef" db:"journey_decision_ref"`
	RateRef            string    `json:"rateRef" db:"rate_ref"`
	Amount             int64     `json:"amount" db:"amount"` // in cents
	StatusRef          string    `json:"statusRef" db:"status_ref"`
	CreatedBy          string    `json:"createdBy" db:"created_by"`
	CreatedAt          time.Time `json:"createdAt" db:"created_at"`
}

// JourneyDecision is the trip service's record of a matched trip. Only the
// fields the commission flow reads are modelled here.
type JourneyDecision struct {
	Ref           string `json:"ref" db:"ref"`
	DriverOwnerID string `json:"driverOwnerId" db:"driver_owner_id"`
	PaymentAmount int64  `json:"paymentAmount" db:"payment_amount"` // in cents
	Status        string `json:"status" db:"status"`
}

// JourneyStatusCompleted is the only journey status a commission may be
// created against.
const JourneyStatusCompleted = "COMPLETED"
