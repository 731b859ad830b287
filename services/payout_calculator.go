// services/payout_calculator.go
package services

import (
	"errors"
	"fmt"
	"sort"

	"tournament-settlement-system/models"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ErrInvalidConfig covers every configuration the calculator refuses to work
// with: percentages not summing to 100%, a profit model that eats the whole
// pool, an entry fee that doesn't split evenly across a squad.
var ErrInvalidConfig = errors.New("invalid tournament config")

// All money is int64 minor units (cents) and percentages are basis points
// (10000 = 100%), so every check below is exact integer arithmetic.
//
// Rounding policy: payouts floor-divide; whatever the flooring leaves over is
// credited to rank 1 (or the best configured rank). A squad's per-member split
// also floors, with the leftover cents going to the first roster member.

// TotalCollection is the gross take if the tournament fills up.
// MaxEntrants counts teams for SQUAD and individuals for SOLO.
func TotalCollection(t *models.Tournament) int64 {
	return t.EntryFee * int64(t.MaxEntrants)
}

// AdminProfit is the platform cut under the configured profit model.
func AdminProfit(t *models.Tournament) (int64, error) {
	switch t.AdminProfitModel {
	case models.ProfitModelPercentage:
		if t.AdminProfitValue < 0 || t.AdminProfitValue > 10000 {
			return 0, fmt.Errorf("%w: profit percentage %d bps out of range", ErrInvalidConfig, t.AdminProfitValue)
		}
		return TotalCollection(t) * t.AdminProfitValue / 10000, nil
	case models.ProfitModelFixedPerEntrant, models.ProfitModelPlatformFee:
		if t.AdminProfitValue < 0 {
			return 0, fmt.Errorf("%w: negative per-entrant profit", ErrInvalidConfig)
		}
		return t.AdminProfitValue * int64(t.MaxEntrants), nil
	default:
		return 0, fmt.Errorf("%w: unknown profit model %q", ErrInvalidConfig, t.AdminProfitModel)
	}
}

// PrizePool is what's left for winners after the platform cut.
func PrizePool(t *models.Tournament) (int64, error) {
	profit, err := AdminProfit(t)
	if err != nil {
		return 0, err
	}
	pool := TotalCollection(t) - profit
	if pool < 0 {
		return 0, fmt.Errorf("%w: admin profit %d exceeds total collection %d", ErrInvalidConfig, profit, TotalCollection(t))
	}
	return pool, nil
}

// PerPlayerFee is each squad member's share of the entry fee. For SOLO
// tournaments it is simply the entry fee.
func PerPlayerFee(t *models.Tournament) (int64, error) {
	if t.Type != models.TournamentTypeSquad {
		return t.EntryFee, nil
	}
	if t.TeamSize < 2 {
		return 0, fmt.Errorf("%w: SQUAD team_size must be >= 2, got %d", ErrInvalidConfig, t.TeamSize)
	}
	if t.EntryFee%int64(t.TeamSize) != 0 {
		return 0, fmt.Errorf("%w: entry fee %d not divisible by team size %d", ErrInvalidConfig, t.EntryFee, t.TeamSize)
	}
	return t.EntryFee / int64(t.TeamSize), nil
}

// PayoutByRank maps every configured rank to its prize amount. Flooring
// remainders are credited to the best (lowest-numbered) rank so the payouts
// always sum to exactly the prize pool.
func PayoutByRank(t *models.Tournament, slots []models.PrizeSlot) (map[int]int64, error) {
	pool, err := PrizePool(t)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: empty prize distribution", ErrInvalidConfig)
	}

	payouts := make(map[int]int64, len(slots))
	var distributed int64
	bestRank := slots[0].Rank
	for _, slot := range slots {
		amount := pool * slot.PercentageBps / 10000
		payouts[slot.Rank] = amount
		distributed += amount
		if slot.Rank < bestRank {
			bestRank = slot.Rank
		}
	}
	if remainder := pool - distributed; remainder > 0 {
		payouts[bestRank] += remainder
	}
	return payouts, nil
}

// PayoutForRank returns the prize for one rank, 0 if the rank has no slot.
func PayoutForRank(t *models.Tournament, slots []models.PrizeSlot, rank int) (int64, error) {
	payouts, err := PayoutByRank(t, slots)
	if err != nil {
		return 0, err
	}
	return payouts[rank], nil
}

// SplitAmongMembers divides a team payout across teamSize members; the first
// member absorbs the flooring remainder. The shares always sum to amount.
func SplitAmongMembers(amount int64, teamSize int) []int64 {
	shares := make([]int64, teamSize)
	base := amount / int64(teamSize)
	for i := range shares {
		shares[i] = base
	}
	shares[0] += amount - base*int64(teamSize)
	return shares
}

// ValidateConfig is the gate every tournament passes at creation time, so
// broken configurations never reach contribution or settlement.
func ValidateConfig(t *models.Tournament, slots []models.PrizeSlot) error {
	switch t.Type {
	case models.TournamentTypeSolo:
		if t.TeamSize != 1 {
			return fmt.Errorf("%w: SOLO tournaments require team_size 1, got %d", ErrInvalidConfig, t.TeamSize)
		}
	case models.TournamentTypeSquad:
		if t.TeamSize < 2 {
			return fmt.Errorf("%w: SQUAD tournaments require team_size >= 2, got %d", ErrInvalidConfig, t.TeamSize)
		}
	default:
		return fmt.Errorf("%w: unknown tournament type %q", ErrInvalidConfig, t.Type)
	}
	if t.EntryFee < 0 {
		return fmt.Errorf("%w: negative entry fee", ErrInvalidConfig)
	}
	if t.MaxEntrants <= 0 {
		return fmt.Errorf("%w: max_entrants must be positive", ErrInvalidConfig)
	}
	switch t.ConfirmPolicy {
	case models.ConfirmPolicyAuto, models.ConfirmPolicyManual:
	default:
		return fmt.Errorf("%w: unknown confirm policy %q", ErrInvalidConfig, t.ConfirmPolicy)
	}
	if _, err := PerPlayerFee(t); err != nil {
		return err
	}
	if _, err := PrizePool(t); err != nil {
		return err
	}

	if len(slots) == 0 {
		return fmt.Errorf("%w: prize distribution is empty", ErrInvalidConfig)
	}
	var sum int64
	seen := make(map[int]bool, len(slots))
	for _, slot := range slots {
		if slot.Rank < 1 {
			return fmt.Errorf("%w: prize rank %d must be >= 1", ErrInvalidConfig, slot.Rank)
		}
		if seen[slot.Rank] {
			return fmt.Errorf("%w: duplicate prize rank %d", ErrInvalidConfig, slot.Rank)
		}
		seen[slot.Rank] = true
		if slot.PercentageBps <= 0 {
			return fmt.Errorf("%w: prize percentage for rank %d must be positive", ErrInvalidConfig, slot.Rank)
		}
		sum += slot.PercentageBps
	}
	if sum != 10000 {
		return fmt.Errorf("%w: prize percentages sum to %d bps, expected 10000", ErrInvalidConfig, sum)
	}
	return nil
}

// RankPayout is one line of the admin-facing financial preview.
type RankPayout struct {
	Rank      int    `json:"rank"`
	Amount    int64  `json:"amount"`
	PerMember int64  `json:"per_member"` // base member share for SQUAD, == Amount for SOLO
	Display   string `json:"display"`
}

// FinancialSummary is the per-tournament preview shown to administrators
// before the tournament locks. It is derived live from the same calculator
// functions the settlement path uses, so the two can never diverge.
type FinancialSummary struct {
	TournamentID           string       `json:"tournament_id"`
	TotalCollection        int64        `json:"total_collection"`
	AdminProfit            int64        `json:"admin_profit"`
	PrizePool              int64        `json:"prize_pool"`
	TotalCollectionDisplay string       `json:"total_collection_display"`
	AdminProfitDisplay     string       `json:"admin_profit_display"`
	PrizePoolDisplay       string       `json:"prize_pool_display"`
	Payouts                []RankPayout `json:"payouts"`
}

var amountPrinter = message.NewPrinter(language.English)

// FormatAmount renders minor units as a grouped decimal string, e.g. 1234567 → "12,345.67".
func FormatAmount(n int64) string {
	return amountPrinter.Sprintf("%.2f", float64(n)/100)
}

// Summarize builds the full financial preview for a tournament.
func Summarize(t *models.Tournament, slots []models.PrizeSlot) (*FinancialSummary, error) {
	profit, err := AdminProfit(t)
	if err != nil {
		return nil, err
	}
	pool, err := PrizePool(t)
	if err != nil {
		return nil, err
	}
	payouts, err := PayoutByRank(t, slots)
	if err != nil {
		return nil, err
	}

	ranks := make([]int, 0, len(payouts))
	for rank := range payouts {
		ranks = append(ranks, rank)
	}
	sort.Ints(ranks)

	summary := &FinancialSummary{
		TournamentID:           t.ID,
		TotalCollection:        TotalCollection(t),
		AdminProfit:            profit,
		PrizePool:              pool,
		TotalCollectionDisplay: FormatAmount(TotalCollection(t)),
		AdminProfitDisplay:     FormatAmount(profit),
		PrizePoolDisplay:       FormatAmount(pool),
	}
	for _, rank := range ranks {
		perMember := payouts[rank]
		if t.Type == models.TournamentTypeSquad {
			perMember = payouts[rank] / int64(t.TeamSize)
		}
		summary.Payouts = append(summary.Payouts, RankPayout{
			Rank:      rank,
			Amount:    payouts[rank],
			PerMember: perMember,
			Display:   FormatAmount(payouts[rank]),
		})
	}
	return summary, nil
}
