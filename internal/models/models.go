// Package models holds the row types shared across the billing engine.
package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Balance classes an account carries.
const (
	ClassSpendable = "spendable"
	ClassFrozen    = "frozen"
	ClassSecondary = "secondary"
)

// Ledger record reasons.
const (
	ReasonRecharge    = "recharge"
	ReasonWithdraw    = "withdraw"
	ReasonConsume     = "consume"
	ReasonRefund      = "refund"
	ReasonAdminCredit = "admin_credit"
	ReasonCommission  = "commission"
)

// Account types.
const (
	AccountMember   = "member"
	AccountReseller = "reseller"
)

// Service types a route can carry.
const (
	ServiceVerify = "verify"
	ServiceBulk   = "bulk"
)

// Processing statuses shared by messages, checks and tasks.
const (
	StatusPending  = "pending"
	StatusFinished = "finished"
	StatusDone     = "done"
)

// Settlement outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFail    = "fail"
)

// Detail is a free-form JSONB payload attached to ledger records and
// dead letters.
type Detail map[string]interface{}

func (d Detail) Value() (driver.Value, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d)
}

func (d *Detail) Scan(value interface{}) error {
	if value == nil {
		*d = Detail{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into Detail", value)
	}
	return json.Unmarshal(b, d)
}

// Account is any balance-holding entity: a member or a reseller.
// Resellers form a tree via ParentID; members reference their owning
// reseller the same way.
type Account struct {
	ID              string          `json:"id"`
	AccountType     string          `json:"account_type"`
	ParentID        sql.NullString  `json:"parent_id"`
	Balance         decimal.Decimal `json:"balance"`
	FrozenBalance   decimal.Decimal `json:"frozen_balance"`
	USDTBalance     decimal.Decimal `json:"usdt_balance"`
	DefaultChannels Detail          `json:"default_channels"`
	IsValid         bool            `json:"is_valid"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// BalanceRecord is the append-only audit row written once per
// successful ledger mutation.
type BalanceRecord struct {
	ID             int64           `json:"id"`
	AccountID      string          `json:"account_id"`
	CounterpartyID sql.NullString  `json:"counterparty_id"`
	BalanceClass   string          `json:"balance_class"`
	Reason         string          `json:"reason"`
	Delta          decimal.Decimal `json:"delta"`
	Resulting      decimal.Decimal `json:"resulting"`
	Detail         Detail          `json:"detail"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PriceTier is a priced route owned by one reseller for one
// (country, channel) pair.
type PriceTier struct {
	ID           string          `json:"id"`
	ResellerID   string          `json:"reseller_id"`
	Country      string          `json:"country"`
	Channel      string          `json:"channel"`
	ServiceType  string          `json:"service_type"`
	Provider     string          `json:"provider"`
	ChannelPrice decimal.Decimal `json:"channel_price"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SalePrice    decimal.Decimal `json:"sale_price"`
	CeilingPrice decimal.Decimal `json:"ceiling_price"`
	IsValid      bool            `json:"is_valid"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// MemberPrice is a per-member price override for one (country, channel),
// seeded from the owning reseller's tier at onboarding.
type MemberPrice struct {
	ID           string          `json:"id"`
	MemberID     string          `json:"member_id"`
	Country      string          `json:"country"`
	Channel      string          `json:"channel"`
	Price        decimal.Decimal `json:"price"`
	DefaultPrice decimal.Decimal `json:"default_price"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Message is one user-initiated send (a delivery intent). Bulk sends
// are fanned out asynchronously; verify sends are settled inline.
type Message struct {
	ID          string         `json:"id"`
	MemberID    string         `json:"member_id"`
	AppID       sql.NullString `json:"app_id"`
	Recipients  []string       `json:"recipients"`
	Body        string         `json:"body"`
	ServiceType string         `json:"service_type"`
	Status      string         `json:"status"`
	ProcessedAt sql.NullTime   `json:"processed_at"`
	CreatedAt   time.Time      `json:"created_at"`
}

// MessageCheck is the unit of settlement: one row per (message,
// recipient), carrying the quoted price and the provider reference
// until a reconciliation pass finalizes it.
type MessageCheck struct {
	ID          string          `json:"id"`
	MessageID   string          `json:"message_id"`
	MemberID    string          `json:"member_id"`
	TierID      string          `json:"tier_id"`
	Phone       string          `json:"phone"`
	Country     string          `json:"country"`
	Channel     string          `json:"channel"`
	ProviderRef sql.NullString  `json:"provider_ref"`
	Price       decimal.Decimal `json:"price"`
	Status      string          `json:"status"`
	Outcome     sql.NullString  `json:"outcome"`
	CreatedAt   time.Time       `json:"created_at"`
	FinalizedAt sql.NullTime    `json:"finalized_at"`
}

// ScheduleTask is a generic onboarding work item, unique per
// (task_type, subject_id).
type ScheduleTask struct {
	ID          int64        `json:"id"`
	TaskType    string       `json:"task_type"`
	SubjectID   string       `json:"subject_id"`
	Status      string       `json:"status"`
	ProcessedAt sql.NullTime `json:"processed_at"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ReconcileCursor tracks how far the status-report pass has read for
// one channel.
type ReconcileCursor struct {
	Channel    string    `json:"channel"`
	PageSize   int       `json:"page_size"`
	Consumed   int       `json:"consumed"`
	CursorDate time.Time `json:"cursor_date"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DeadLetter is a provider delivery report that matched no known
// check, persisted exactly once for manual inspection.
type DeadLetter struct {
	ID         int64     `json:"id"`
	Channel    string    `json:"channel"`
	Seq        string    `json:"seq"`
	ReportDate time.Time `json:"report_date"`
	Phone      string    `json:"phone"`
	Report     Detail    `json:"report"`
	CreatedAt  time.Time `json:"created_at"`
}
