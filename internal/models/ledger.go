package models

import (
	"time"
)

// TransactionType identifies the business event that caused a ledger entry.
type TransactionType string

const (
	TransactionTypeDeposit      TransactionType = "DEPOSIT"
	TransactionTypeCommission   TransactionType = "COMMISSION"
	TransactionTypeTransfer     TransactionType = "TRANSFER"
	TransactionTypeRefund       TransactionType = "REFUND"
	TransactionTypeSubscription TransactionType = "SUBSCRIPTION"
	TransactionTypeFreeGift     TransactionType = "FREE_GIFT"
)

// BalanceDirection is the sign of a balance change.
type BalanceDirection string

const (
	DirectionAdd    BalanceDirection = "ADD"
	DirectionDeduct BalanceDirection = "DEDUCT"
)

// LedgerEntry is one immutable row of an owner's balance history. Rows are
// only appended; the row with the highest id for an owner carries the
// authoritative current balance.
type LedgerEntry struct {
	ID               int64           `json:"id" db:"id"`
	EntryUID         string          `json:"entryUid" db:"entry_uid"`
	OwnerID          string          `json:"ownerId" db:"owner_id"`
	TransactionType  TransactionType `json:"transactionType" db:"transaction_type"`
	TransactionUID   string          `json:"transactionUid" db:"transaction_uid"`
	Amount           int64           `json:"amount" db:"amount"`                     // in cents, signed
	ResultingBalance int64           `json:"resultingBalance" db:"resulting_balance"` // in cents
	OccurredAt       time.Time       `json:"occurredAt" db:"occurred_at"`
	CreatedBy        string          `json:"createdBy" db:"created_by"`
	CreatedAt        time.Time       `json:"createdAt" db:"created_at"`
}

// LedgerEntryDetail is a ledger entry enriched with the domain record that
// caused it. Detail lookup is best-effort and may be nil.
type LedgerEntryDetail struct {
	LedgerEntry
	Detail any `json:"detail,omitempty"`
}

// WalletOwner is the row locked for the duration of a balance mutation. One
// row per user/driver holding a wallet.
type WalletOwner struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
