package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp      time.Time `json:"timestamp"`
	EventType      string    `json:"event_type"`
	TransactionUID string    `json:"transaction_uid"`
	OwnerID        string    `json:"owner_id"`
	Amount         int64     `json:"amount"`
	Status         string    `json:"status"`
	Details        any       `json:"details"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogBalanceChange(transactionUID, ownerID string, amount int64, txType, direction string, resultingBalance int64) {
	event := Event{
		Timestamp:      time.Now(),
		EventType:      "BALANCE_CHANGE",
		TransactionUID: transactionUID,
		OwnerID:        ownerID,
		Amount:         amount,
		Status:         "SUCCESS",
		Details: map[string]any{
			"transaction_type":  txType,
			"direction":         direction,
			"resulting_balance": resultingBalance,
		},
	}
	a.log(event)
}

func (a *Logger) LogTransfer(transferID, fromOwner, toOwner string, amount int64, status string) {
	event := Event{
		Timestamp:      time.Now(),
		EventType:      "TRANSFER",
		TransactionUID: transferID,
		Amount:         amount,
		Status:         status,
		Details: map[string]string{
			"from_owner": fromOwner,
			"to_owner":   toOwner,
		},
	}
	a.log(event)
}

func (a *Logger) LogError(transactionUID, ownerID string, err error) {
	event := Event{
		Timestamp:      time.Now(),
		EventType:      "ERROR",
		TransactionUID: transactionUID,
		OwnerID:        ownerID,
		Status:         "FAILED",
		Details:        map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *Logger) LogOperation(transactionUID, ownerID, operation, details string) {
	event := Event{
		Timestamp:      time.Now(),
		EventType:      operation,
		TransactionUID: transactionUID,
		OwnerID:        ownerID,
		Status:         "SUCCESS",
		Details:        map[string]string{"details": details},
	}
	a.log(event)
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
