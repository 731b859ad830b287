// models/wallet.go
package models

import (
	"time"
)

// TxnKind indicates the direction of a ledger entry
type TxnKind string

const (
	TxnKindDebit  TxnKind = "debit"
	TxnKindCredit TxnKind = "credit"
)

// TxnReason explains why a wallet was touched
type TxnReason string

const (
	TxnReasonEntryFee        TxnReason = "entry_fee"
	TxnReasonRefund          TxnReason = "refund"
	TxnReasonPrize           TxnReason = "prize"
	TxnReasonAdminAdjustment TxnReason = "admin_adjustment"
)

// Wallet holds a user's current balance in minor currency units (cents).
// Balance never goes negative; every change pairs with exactly one
// WalletTransaction written in the same DB transaction. Version backs the
// optimistic compare-and-swap on concurrent updates.
type Wallet struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	OwnerID   string    `gorm:"type:uuid;not null;uniqueIndex" json:"owner_id"` // External user ID
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	Version   uint      `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// WalletTransaction is one immutable ledger entry. The ledger is append-only
// and is the audit source of truth for wallet balances.
type WalletTransaction struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	WalletID  string    `gorm:"type:uuid;not null;index" json:"wallet_id"`
	Kind      TxnKind   `gorm:"type:varchar(8);not null" json:"kind"`
	Amount    int64     `gorm:"not null" json:"amount"` // always > 0
	Reason    TxnReason `gorm:"type:varchar(32);not null" json:"reason"`
	Reference string    `gorm:"type:varchar(64);index" json:"reference"` // escrow or tournament id
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
