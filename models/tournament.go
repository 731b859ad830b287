package models

import (
	"time"
)

// TournamentType — SOLO entrants register alone, SQUAD entrants register as a team
type TournamentType string

const (
	TournamentTypeSolo  TournamentType = "SOLO"
	TournamentTypeSquad TournamentType = "SQUAD"
)

// AdminProfitModel controls how the platform cut is computed
type AdminProfitModel string

const (
	ProfitModelPercentage      AdminProfitModel = "percentage"
	ProfitModelFixedPerEntrant AdminProfitModel = "fixed_per_entrant"
	ProfitModelPlatformFee     AdminProfitModel = "platform_fee"
)

// ConfirmPolicy decides whether a fully funded escrow confirms itself or
// waits for an explicit admin action
type ConfirmPolicy string

const (
	ConfirmPolicyAuto   ConfirmPolicy = "auto"
	ConfirmPolicyManual ConfirmPolicy = "manual"
)

type TournamentStatus string

const (
	TournamentStatusUpcoming  TournamentStatus = "upcoming"
	TournamentStatusActive    TournamentStatus = "active" // registration open
	TournamentStatusLive      TournamentStatus = "live"
	TournamentStatusPaused    TournamentStatus = "paused"
	TournamentStatusCompleted TournamentStatus = "completed"
	TournamentStatusCancelled TournamentStatus = "cancelled"
)

// Tournament is the financial configuration of a tournament. All amounts are
// minor currency units. AdminProfitValue is basis points for the percentage
// model and a flat minor-unit amount for the per-entrant models. Tournaments
// are never hard-deleted once an escrow references them; cancellation is the
// only way out.
type Tournament struct {
	ID                   string           `gorm:"primaryKey;type:uuid" json:"id"`
	Name                 string           `gorm:"not null" json:"name"`
	Slug                 string           `gorm:"not null;uniqueIndex" json:"slug"`
	Type                 TournamentType   `gorm:"type:varchar(8);not null" json:"type"`
	TeamSize             int              `gorm:"not null;default:1" json:"team_size"` // 1 for SOLO, >=2 for SQUAD
	EntryFee             int64            `gorm:"not null" json:"entry_fee"`           // per entrant (team for SQUAD)
	MaxEntrants          int              `gorm:"not null" json:"max_entrants"`
	AdminProfitModel     AdminProfitModel `gorm:"type:varchar(24);not null" json:"admin_profit_model"`
	AdminProfitValue     int64            `gorm:"not null" json:"admin_profit_value"`
	ConfirmPolicy        ConfirmPolicy    `gorm:"type:varchar(8);not null;default:'auto'" json:"confirm_policy"`
	RegistrationClosesAt time.Time        `gorm:"not null" json:"registration_closes_at"`
	Status               TournamentStatus `gorm:"type:varchar(16);not null;default:'upcoming'" json:"status"`
	SettledAt            *time.Time       `json:"settled_at,omitempty"` // set once, guards prize distribution
	CreatedAt            time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time        `gorm:"autoUpdateTime" json:"updated_at"`

	// Relationships
	PrizeSlots []PrizeSlot `json:"prize_distribution,omitempty" gorm:"foreignKey:TournamentID"`

	// Calculated fields (not stored in DB)
	EntrantCount int64 `json:"entrant_count,omitempty" gorm:"-"`
}

// PrizeSlot is one rank of the prize distribution. Percentages are stored as
// basis points; a valid distribution sums to exactly 10000.
type PrizeSlot struct {
	ID            string `gorm:"primaryKey;type:uuid" json:"id"`
	TournamentID  string `gorm:"type:uuid;not null;index" json:"tournament_id"`
	Rank          int    `gorm:"not null" json:"rank"`
	PercentageBps int64  `gorm:"not null" json:"percentage_bps"`
}

// PrizeAward is produced once at finalization, one row per credited wallet
// (each squad member gets their own row). Credited flips when the wallet
// credit lands; pending rows are retried by the scheduler.
type PrizeAward struct {
	ID           string    `gorm:"primaryKey;type:uuid" json:"id"`
	TournamentID string    `gorm:"type:uuid;not null;index" json:"tournament_id"`
	EntrantID    string    `gorm:"type:uuid;not null" json:"entrant_id"` // user for SOLO, team for SQUAD
	RecipientID  string    `gorm:"type:uuid;not null;index" json:"recipient_id"`
	Rank         int       `gorm:"not null" json:"rank"`
	Amount       int64     `gorm:"not null" json:"amount"`
	Credited     bool      `gorm:"not null;default:false;index" json:"credited"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TeamMember records squad rosters at registration time so prize payouts and
// contribution checks know who belongs to a team.
type TeamMember struct {
	ID           string    `gorm:"primaryKey;type:uuid" json:"id"`
	TournamentID string    `gorm:"type:uuid;not null;uniqueIndex:idx_team_members_team" json:"tournament_id"`
	TeamID       string    `gorm:"type:uuid;not null;uniqueIndex:idx_team_members_team" json:"team_id"`
	UserID       string    `gorm:"type:uuid;not null;uniqueIndex:idx_team_members_team" json:"user_id"`
	Position     int       `gorm:"not null;default:0" json:"position"` // roster order, remainder cents go to position 0
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// LeaderboardRank mirrors final ranks from the external results service.
type LeaderboardRank struct {
	ID           string    `gorm:"primaryKey;type:uuid" json:"id"`
	TournamentID string    `gorm:"type:uuid;not null;uniqueIndex:idx_ranks_entrant" json:"tournament_id"`
	EntrantID    string    `gorm:"type:uuid;not null;uniqueIndex:idx_ranks_entrant" json:"entrant_id"`
	Rank         int       `gorm:"not null" json:"rank"`
	SyncedAt     time.Time `gorm:"autoUpdateTime" json:"synced_at"`
}
