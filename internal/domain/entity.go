package domain

import (
	"time"
)

// MarketRecord is the persisted catalog entry of a loaded market
type MarketRecord struct {
	Name          string    `gorm:"primaryKey" json:"name"`
	Address       string    `gorm:"uniqueIndex" json:"address"`
	ProgramID     string    `json:"program_id"`
	BaseMint      string    `json:"base_mint"`
	QuoteMint     string    `json:"quote_mint"`
	BaseDecimals  uint8     `json:"base_decimals"`
	QuoteDecimals uint8     `json:"quote_decimals"`
	MinOrderSize  string    `json:"min_order_size"`
	TickSize      string    `json:"tick_size"`
	LastSyncedAt  time.Time `json:"last_synced_at"` // Last successful on-chain load
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SubmissionState is the terminal or current state of one engine run.
type SubmissionState string

const (
	SubmissionSubmitted SubmissionState = "submitted"
	SubmissionConfirmed SubmissionState = "confirmed"
	SubmissionRejected  SubmissionState = "rejected"
	SubmissionTimedOut  SubmissionState = "timed_out"
	SubmissionFailed    SubmissionState = "failed"
)

// SubmissionRecord is an audit entry of one transaction submission
type SubmissionRecord struct {
	Signature   string          `gorm:"primaryKey" json:"signature"`
	Label       string          `gorm:"index" json:"label"` // e.g. "place SOL/USDC"
	State       SubmissionState `gorm:"index" json:"state"`
	Resends     int             `json:"resends"`
	Observer    string          `json:"observer"` // "subscription", "poll" or ""
	Error       string          `json:"error"`
	SubmittedAt time.Time       `json:"submitted_at"`
	FinishedAt  *time.Time      `json:"finished_at"`
}
