package models

import (
	"database/sql"
	"time"
)

// DepositSource is where the money is coming from.
type DepositSource string

const (
	DepositSourceManual  DepositSource = "MANUAL"  // admin-approved bank transfer
	DepositSourceGateway DepositSource = "GATEWAY" // external payment gateway
)

// DepositStatus lifecycle: manual deposits run REQUESTED -> APPROVED/REJECTED,
// gateway deposits run PENDING -> COMPLETED/FAILED.
type DepositStatus string

const (
	DepositStatusRequested DepositStatus = "REQUESTED"
	DepositStatusApproved  DepositStatus = "APPROVED"
	DepositStatusRejected  DepositStatus = "REJECTED"
	DepositStatusPending   DepositStatus = "PENDING"
	DepositStatusCompleted DepositStatus = "COMPLETED"
	DepositStatusFailed    DepositStatus = "FAILED"
)

type Deposit struct {
	ID           string         `json:"id" db:"id"`
	OwnerID      string         `json:"ownerId" db:"owner_id"`
	Amount       int64          `json:"amount" db:"amount"` // in cents
	Source       DepositSource  `json:"source" db:"source"`
	AccountRef   sql.NullString `json:"accountRef" db:"account_ref"` // required for manual deposits
	Status       DepositStatus  `json:"status" db:"status"`
	ProofURL     sql.NullString `json:"proofUrl" db:"proof_url"`
	GatewayTxnID sql.NullString `json:"gatewayTxnId" db:"gateway_txn_id"`
	StatusReason sql.NullString `json:"statusReason" db:"status_reason"`
	DepositedAt  time.Time      `json:"depositedAt" db:"deposited_at"`
	CreatedAt    time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time      `json:"updatedAt" db:"updated_at"`
}
