// models/escrow.go
package models

import (
	"time"
)

type EscrowStatus string

const (
	EscrowStatusOpen      EscrowStatus = "open"
	EscrowStatusConfirmed EscrowStatus = "confirmed"
	EscrowStatusRefunded  EscrowStatus = "refunded"
	EscrowStatusCancelled EscrowStatus = "cancelled"
)

// Escrow accumulates entry-fee contributions for one entrant of one
// tournament. CollectedAmount equals the sum of contribution rows at all
// times and never exceeds RequiredAmount. Version backs the optimistic
// compare-and-swap that serializes concurrent contributions. The partial
// unique index allows at most one non-terminal escrow per entrant per
// tournament, so concurrent opens cannot create duplicates.
type Escrow struct {
	ID              string       `gorm:"primaryKey;type:uuid" json:"id"`
	TournamentID    string       `gorm:"type:uuid;not null;index:idx_escrows_tournament;uniqueIndex:idx_escrows_active_entrant,where:status = 'open' OR status = 'confirmed'" json:"tournament_id"`
	EntrantID       string       `gorm:"type:uuid;not null;uniqueIndex:idx_escrows_active_entrant,where:status = 'open' OR status = 'confirmed'" json:"entrant_id"` // user for SOLO, team for SQUAD
	RequiredAmount  int64        `gorm:"not null" json:"required_amount"`
	CollectedAmount int64        `gorm:"not null;default:0" json:"collected_amount"`
	Status          EscrowStatus `gorm:"type:varchar(16);not null;default:'open';index" json:"status"`
	Version         uint         `gorm:"not null;default:0" json:"-"`
	CreatedAt       time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"autoUpdateTime" json:"updated_at"`

	Contributions []EscrowContribution `json:"contributions,omitempty" gorm:"foreignKey:EscrowID"`
}

// EscrowContribution is one contributor's share, at most one row per
// contributor per escrow. Refunded flips per row as refund credits land so a
// re-run after partial failure never double-credits anyone.
type EscrowContribution struct {
	ID            string    `gorm:"primaryKey;type:uuid" json:"id"`
	EscrowID      string    `gorm:"type:uuid;not null;uniqueIndex:idx_contributions_contributor" json:"escrow_id"`
	ContributorID string    `gorm:"type:uuid;not null;uniqueIndex:idx_contributions_contributor" json:"contributor_id"`
	Amount        int64     `gorm:"not null" json:"amount"`
	Refunded      bool      `gorm:"not null;default:false" json:"refunded"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}
