package models

import "time"

// Transfer moves funds between two wallet owners. It drives exactly two
// ledger entries, a debit and a credit, sharing the transfer id as their
// transaction identity.
type Transfer struct {
	ID          string    `json:"id" db:"id"`
	FromOwnerID string    `json:"fromOwnerId" db:"from_owner_id"`
	ToOwnerID   string    `json:"toOwnerId" db:"to_owner_id"`
	Amount      int64     `json:"amount" db:"amount"` // in cents
	Reason      string    `json:"reason" db:"reason"`
	InitiatedBy string    `json:"initiatedBy" db:"initiated_by"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}
