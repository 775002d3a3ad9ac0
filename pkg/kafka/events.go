package kafka

import "time"

// Topic settlement events are published to.
const SettlementTopic = "billing.settlements"

// Settlement event types.
const (
	EventMessageConfirmed = "message-confirmed"
	EventMessageInvalid   = "message-invalid"
	EventMessageRefunded  = "message-refunded"
	EventCommissionPaid   = "commission-paid"
)

// SettlementEvent is emitted once per finalized settlement step so
// downstream consumers (analytics, alerting) can follow the money
// without polling the ledger tables.
type SettlementEvent struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	AccountID string                 `json:"account_id,omitempty"`
	CheckID   string                 `json:"check_id,omitempty"`
	Channel   string                 `json:"channel,omitempty"`
	Country   string                 `json:"country,omitempty"`
	Amount    string                 `json:"amount,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
