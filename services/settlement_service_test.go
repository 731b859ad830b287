package services

import (
	"fmt"
	"testing"
	"time"

	"tournament-settlement-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newSettlementFixture(t *testing.T) (*gorm.DB, *WalletService, *EscrowService, *SettlementService) {
	t.Helper()
	db := newTestDB(t)
	wallets := NewWalletService(db)
	escrows := NewEscrowService(db, wallets)
	settlement := NewSettlementService(db, escrows, wallets)
	return db, wallets, escrows, settlement
}

// registerSolo opens and fully funds a SOLO escrow for one player.
func registerSolo(t *testing.T, wallets *WalletService, escrows *EscrowService, tournament *models.Tournament, playerID string) *models.Escrow {
	t.Helper()
	fundWallet(t, wallets, playerID, tournament.EntryFee)
	escrow, err := escrows.Open(tournament.ID, playerID, nil)
	require.NoError(t, err)
	escrow, err = escrows.Contribute(escrow.ID, playerID, tournament.EntryFee)
	require.NoError(t, err)
	return escrow
}

func setStatus(t *testing.T, db *gorm.DB, tournamentID string, status models.TournamentStatus) {
	t.Helper()
	require.NoError(t, db.Model(&models.Tournament{}).
		Where("id = ?", tournamentID).Update("status", status).Error)
}

func TestCompleteDistributesPrizes(t *testing.T) {
	// Ten players at 50.00 each, 10% platform cut, 50/30/20 distribution.
	// Winners end with 225.00, 135.00, 90.00; everyone else stays at zero.
	db, wallets, escrows, settlement := newSettlementFixture(t)
	tournament := seedTournament(t, db, nil)
	seedPrizeSlots(t, db, tournament.ID, map[int]int64{1: 5000, 2: 3000, 3: 2000})

	players := make([]string, 10)
	for i := range players {
		players[i] = fmt.Sprintf("player-%d", i+1)
		registerSolo(t, wallets, escrows, tournament, players[i])
	}

	setStatus(t, db, tournament.ID, models.TournamentStatusLive)

	ranks := map[string]int{}
	for i, p := range players {
		ranks[p] = i + 1
	}
	require.NoError(t, settlement.Complete(tournament.ID, ranks))

	var reloaded models.Tournament
	require.NoError(t, db.First(&reloaded, "id = ?", tournament.ID).Error)
	assert.Equal(t, models.TournamentStatusCompleted, reloaded.Status)
	require.NotNil(t, reloaded.SettledAt)

	assert.Equal(t, int64(22500), walletBalance(t, wallets, "player-1"))
	assert.Equal(t, int64(13500), walletBalance(t, wallets, "player-2"))
	assert.Equal(t, int64(9000), walletBalance(t, wallets, "player-3"))
	for _, p := range players[3:] {
		assert.Equal(t, int64(0), walletBalance(t, wallets, p))
	}

	var awards []models.PrizeAward
	require.NoError(t, db.Where("tournament_id = ?", tournament.ID).Find(&awards).Error)
	assert.Len(t, awards, 3)
	for _, a := range awards {
		assert.True(t, a.Credited)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	db, wallets, escrows, settlement := newSettlementFixture(t)
	tournament := seedTournament(t, db, func(tr *models.Tournament) {
		tr.MaxEntrants = 2
	})
	seedPrizeSlots(t, db, tournament.ID, map[int]int64{1: 10000})

	registerSolo(t, wallets, escrows, tournament, "alice")
	registerSolo(t, wallets, escrows, tournament, "bob")
	setStatus(t, db, tournament.ID, models.TournamentStatusLive)

	ranks := map[string]int{"alice": 1, "bob": 2}
	require.NoError(t, settlement.Complete(tournament.ID, ranks))
	require.NoError(t, settlement.Complete(tournament.ID, ranks))

	// Pool: 100.00 collected minus 10.00 cut. Paid once, not twice.
	assert.Equal(t, int64(9000), walletBalance(t, wallets, "alice"))

	var count int64
	require.NoError(t, db.Model(&models.PrizeAward{}).
		Where("tournament_id = ?", tournament.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCompleteRejectedFromWrongStatus(t *testing.T) {
	db, _, _, settlement := newSettlementFixture(t)
	tournament := seedTournament(t, db, nil) // still active
	seedPrizeSlots(t, db, tournament.ID, map[int]int64{1: 10000})

	err := settlement.Complete(tournament.ID, map[string]int{"alice": 1})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCompleteUsesSyncedRanks(t *testing.T) {
	db, wallets, escrows, settlement := newSettlementFixture(t)
	tournament := seedTournament(t, db, func(tr *models.Tournament) {
		tr.MaxEntrants = 2
	})
	seedPrizeSlots(t, db, tournament.ID, map[int]int64{1: 10000})

	registerSolo(t, wallets, escrows, tournament, "alice")
	registerSolo(t, wallets, escrows, tournament, "bob")
	setStatus(t, db, tournament.ID, models.TournamentStatusLive)

	require.NoError(t, db.Create(&models.LeaderboardRank{
		ID: "lr-1", TournamentID: tournament.ID, EntrantID: "bob", Rank: 1,
	}).Error)
	require.NoError(t, db.Create(&models.LeaderboardRank{
		ID: "lr-2", TournamentID: tournament.ID, EntrantID: "alice", Rank: 2,
	}).Error)

	require.NoError(t, settlement.Complete(tournament.ID, nil))

	assert.Equal(t, int64(9000), walletBalance(t, wallets, "bob"))
	assert.Equal(t, int64(0), walletBalance(t, wallets, "alice"))
}

func TestSquadPrizeSplitsAcrossRoster(t *testing.T) {
	// Squad payouts fan out one award per roster member; the first roster
	// member absorbs the flooring remainder.
	db, wallets, escrows, settlement := newSettlementFixture(t)
	tournament := seedTournament(t, db, func(tr *models.Tournament) {
		tr.Type = models.TournamentTypeSquad
		tr.TeamSize = 4
		tr.EntryFee = 4000
		tr.MaxEntrants = 3
		tr.AdminProfitValue = 2500 // 25%
	})
	seedPrizeSlots(t, db, tournament.ID, map[int]int64{1: 7500, 2: 2500})

	teams := map[string][]string{
		"team-a": {"a-1", "a-2", "a-3", "a-4"},
		"team-b": {"b-1", "b-2", "b-3", "b-4"},
		"team-c": {"c-1", "c-2", "c-3", "c-4"},
	}
	for teamID, members := range teams {
		escrow, err := escrows.Open(tournament.ID, teamID, members)
		require.NoError(t, err)
		for _, m := range members {
			fundWallet(t, wallets, m, 1000)
			_, err := escrows.Contribute(escrow.ID, m, 1000)
			require.NoError(t, err)
		}
	}

	setStatus(t, db, tournament.ID, models.TournamentStatusLive)
	require.NoError(t, settlement.Complete(tournament.ID, map[string]int{
		"team-a": 1, "team-b": 2, "team-c": 3,
	}))

	// Pool: 3 * 40.00 collected minus 25% = 90.00. Rank 1 takes 67.50:
	// 6750 / 4 floors to 1687 and the 2 leftover cents go to a-1.
	assert.Equal(t, int64(1689), walletBalance(t, wallets, "a-1"))
	for _, m := range teams["team-a"][1:] {
		assert.Equal(t, int64(1687), walletBalance(t, wallets, m))
	}
	// Rank 2 takes 22.50: 562 each plus 2 cents to b-1.
	assert.Equal(t, int64(564), walletBalance(t, wallets, "b-1"))
	for _, m := range teams["team-b"][1:] {
		assert.Equal(t, int64(562), walletBalance(t, wallets, m))
	}
	for _, m := range teams["team-c"] {
		assert.Equal(t, int64(0), walletBalance(t, wallets, m))
	}

	var awards []models.PrizeAward
	require.NoError(t, db.Where("tournament_id = ?", tournament.ID).Find(&awards).Error)
	assert.Len(t, awards, 8) // one row per squad member of each ranked team
}

func TestCompleteRefundsUnconfirmedEscrows(t *testing.T) {
	// A half-funded squad never competes: finalization refunds its
	// contributors while the confirmed squad collects the prize.
	db, wallets, escrows, settlement := newSettlementFixture(t)
	tournament := seedTournament(t, db, func(tr *models.Tournament) {
		tr.Type = models.TournamentTypeSquad
		tr.TeamSize = 2
		tr.EntryFee = 2000
		tr.MaxEntrants = 2
	})
	seedPrizeSlots(t, db, tournament.ID, map[int]int64{1: 10000})

	full, err := escrows.Open(tournament.ID, "team-a", []string{"a-1", "a-2"})
	require.NoError(t, err)
	for _, m := range []string{"a-1", "a-2"} {
		fundWallet(t, wallets, m, 1000)
		_, err := escrows.Contribute(full.ID, m, 1000)
		require.NoError(t, err)
	}

	partial, err := escrows.Open(tournament.ID, "team-b", []string{"b-1", "b-2"})
	require.NoError(t, err)
	fundWallet(t, wallets, "b-1", 1000)
	_, err = escrows.Contribute(partial.ID, "b-1", 1000)
	require.NoError(t, err)

	setStatus(t, db, tournament.ID, models.TournamentStatusLive)
	require.NoError(t, settlement.Complete(tournament.ID, map[string]int{"team-a": 1}))

	var refunded models.Escrow
	require.NoError(t, db.First(&refunded, "id = ?", partial.ID).Error)
	assert.Equal(t, models.EscrowStatusRefunded, refunded.Status)
	assert.Equal(t, int64(1000), walletBalance(t, wallets, "b-1"))

	// Pool: 40.00 collected minus 10% = 36.00, split across team-a.
	assert.Equal(t, int64(1800), walletBalance(t, wallets, "a-1"))
	assert.Equal(t, int64(1800), walletBalance(t, wallets, "a-2"))
}

func TestSweepRefundsEscrowLeftOpenAfterCompletion(t *testing.T) {
	// If the refund step of a finalization dies mid-way, the deadline sweep
	// picks the leftover open escrow up even though the tournament is
	// already completed.
	db, wallets, escrows, settlement := newSettlementFixture(t)
	tournament := seedTournament(t, db, func(tr *models.Tournament) {
		tr.Type = models.TournamentTypeSquad
		tr.TeamSize = 2
		tr.EntryFee = 2000
	})

	fundWallet(t, wallets, "b-1", 1000)
	escrow, err := escrows.Open(tournament.ID, "team-b", []string{"b-1", "b-2"})
	require.NoError(t, err)
	_, err = escrows.Contribute(escrow.ID, "b-1", 1000)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, db.Model(&models.Tournament{}).
		Where("id = ?", tournament.ID).
		Updates(map[string]interface{}{
			"status":                 models.TournamentStatusCompleted,
			"settled_at":             now,
			"registration_closes_at": now.Add(-time.Minute),
		}).Error)

	require.NoError(t, settlement.SweepExpiredEscrows())

	var swept models.Escrow
	require.NoError(t, db.First(&swept, "id = ?", escrow.ID).Error)
	assert.Equal(t, models.EscrowStatusRefunded, swept.Status)
	assert.Equal(t, int64(1000), walletBalance(t, wallets, "b-1"))
}

func TestCancelRejectedOnceSettled(t *testing.T) {
	// A finalization that committed concurrently wins: the settled flag
	// blocks the cancel flip so prizes are never refunded on top.
	db, wallets, escrows, settlement := newSettlementFixture(t)
	tournament := seedTournament(t, db, func(tr *models.Tournament) {
		tr.MaxEntrants = 1
	})
	seedPrizeSlots(t, db, tournament.ID, map[int]int64{1: 10000})
	registerSolo(t, wallets, escrows, tournament, "alice")

	require.NoError(t, db.Model(&models.Tournament{}).
		Where("id = ?", tournament.ID).
		Update("settled_at", time.Now()).Error) // status still active

	err := settlement.CancelTournament(tournament.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	var reloaded models.Tournament
	require.NoError(t, db.First(&reloaded, "id = ?", tournament.ID).Error)
	assert.Equal(t, models.TournamentStatusActive, reloaded.Status)

	var escrow models.Escrow
	require.NoError(t, db.Where("tournament_id = ?", tournament.ID).First(&escrow).Error)
	assert.Equal(t, models.EscrowStatusConfirmed, escrow.Status)
}

func TestCompleteRejectsDuplicatePrizeRanks(t *testing.T) {
	db, wallets, escrows, settlement := newSettlementFixture(t)
	tournament := seedTournament(t, db, func(tr *models.Tournament) {
		tr.MaxEntrants = 2
	})
	seedPrizeSlots(t, db, tournament.ID, map[int]int64{1: 10000})

	registerSolo(t, wallets, escrows, tournament, "alice")
	registerSolo(t, wallets, escrows, tournament, "bob")
	setStatus(t, db, tournament.ID, models.TournamentStatusLive)

	err := settlement.Complete(tournament.ID, map[string]int{"alice": 1, "bob": 1})
	assert.ErrorIs(t, err, ErrDuplicateRank)

	// Nothing settled: status unchanged, no awards, no credits.
	var reloaded models.Tournament
	require.NoError(t, db.First(&reloaded, "id = ?", tournament.ID).Error)
	assert.Equal(t, models.TournamentStatusLive, reloaded.Status)
	assert.Nil(t, reloaded.SettledAt)

	var awards int64
	require.NoError(t, db.Model(&models.PrizeAward{}).
		Where("tournament_id = ?", tournament.ID).Count(&awards).Error)
	assert.Equal(t, int64(0), awards)
	assert.Equal(t, int64(0), walletBalance(t, wallets, "alice"))
}

func TestCancelRefundsEveryEscrow(t *testing.T) {
	// Three confirmed and two still-open funded escrows, tournament cancelled
	// before it went live. Every balance is restored and every escrow goes
	// terminal.
	db, wallets, escrows, settlement := newSettlementFixture(t)
	tournament := seedTournament(t, db, func(tr *models.Tournament) {
		tr.ConfirmPolicy = models.ConfirmPolicyManual
	})
	seedPrizeSlots(t, db, tournament.ID, map[int]int64{1: 10000})

	players := make([]string, 5)
	for i := range players {
		players[i] = fmt.Sprintf("player-%d", i+1)
		escrow := registerSolo(t, wallets, escrows, tournament, players[i])
		if i < 3 {
			_, err := escrows.Confirm(escrow.ID)
			require.NoError(t, err)
		}
	}

	require.NoError(t, settlement.CancelTournament(tournament.ID))

	var reloaded models.Tournament
	require.NoError(t, db.First(&reloaded, "id = ?", tournament.ID).Error)
	assert.Equal(t, models.TournamentStatusCancelled, reloaded.Status)

	for _, p := range players {
		assert.Equal(t, tournament.EntryFee, walletBalance(t, wallets, p))
	}

	var open int64
	require.NoError(t, db.Model(&models.Escrow{}).
		Where("tournament_id = ? AND status IN ?", tournament.ID,
			[]models.EscrowStatus{models.EscrowStatusOpen, models.EscrowStatusConfirmed}).
		Count(&open).Error)
	assert.Equal(t, int64(0), open)

	// Cancel again: no-op, balances untouched.
	require.NoError(t, settlement.CancelTournament(tournament.ID))
	for _, p := range players {
		assert.Equal(t, tournament.EntryFee, walletBalance(t, wallets, p))
	}
}

func TestCancelCompletedRejected(t *testing.T) {
	db, wallets, escrows, settlement := newSettlementFixture(t)
	tournament := seedTournament(t, db, func(tr *models.Tournament) {
		tr.MaxEntrants = 1
	})
	seedPrizeSlots(t, db, tournament.ID, map[int]int64{1: 10000})

	registerSolo(t, wallets, escrows, tournament, "alice")
	setStatus(t, db, tournament.ID, models.TournamentStatusLive)
	require.NoError(t, settlement.Complete(tournament.ID, map[string]int{"alice": 1}))

	err := settlement.CancelTournament(tournament.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSweepExpiredEscrows(t *testing.T) {
	// A half-funded squad past the registration deadline gets swept and
	// refunded; a confirmed escrow of the same tournament is left alone.
	db, wallets, escrows, settlement := newSettlementFixture(t)
	tournament := seedTournament(t, db, func(tr *models.Tournament) {
		tr.Type = models.TournamentTypeSquad
		tr.TeamSize = 2
		tr.EntryFee = 2000
	})

	for _, m := range []string{"a-1", "a-2", "b-1", "b-2"} {
		fundWallet(t, wallets, m, 1000)
	}

	full, err := escrows.Open(tournament.ID, "team-a", []string{"a-1", "a-2"})
	require.NoError(t, err)
	_, err = escrows.Contribute(full.ID, "a-1", 1000)
	require.NoError(t, err)
	_, err = escrows.Contribute(full.ID, "a-2", 1000)
	require.NoError(t, err) // auto-confirmed

	partial, err := escrows.Open(tournament.ID, "team-b", []string{"b-1", "b-2"})
	require.NoError(t, err)
	_, err = escrows.Contribute(partial.ID, "b-1", 1000)
	require.NoError(t, err)

	// Close the registration window, then sweep.
	require.NoError(t, db.Model(&models.Tournament{}).
		Where("id = ?", tournament.ID).
		Update("registration_closes_at", time.Now().Add(-time.Minute)).Error)
	require.NoError(t, settlement.SweepExpiredEscrows())

	var sweptPartial, sweptFull models.Escrow
	require.NoError(t, db.First(&sweptPartial, "id = ?", partial.ID).Error)
	require.NoError(t, db.First(&sweptFull, "id = ?", full.ID).Error)
	assert.Equal(t, models.EscrowStatusRefunded, sweptPartial.Status)
	assert.Equal(t, models.EscrowStatusConfirmed, sweptFull.Status)

	assert.Equal(t, int64(1000), walletBalance(t, wallets, "b-1"))
	assert.Equal(t, int64(1000), walletBalance(t, wallets, "b-2"))
	assert.Equal(t, int64(0), walletBalance(t, wallets, "a-1"))
}

func TestCreditPendingAwardsPaysExactlyOnce(t *testing.T) {
	db, wallets, _, settlement := newSettlementFixture(t)
	tournament := seedTournament(t, db, nil)

	award := models.PrizeAward{
		ID: "award-1", TournamentID: tournament.ID,
		EntrantID: "alice", RecipientID: "alice", Rank: 1, Amount: 4500,
	}
	require.NoError(t, db.Create(&award).Error)

	require.NoError(t, settlement.CreditPendingAwards(tournament.ID))
	require.NoError(t, settlement.CreditPendingAwards(tournament.ID))

	assert.Equal(t, int64(4500), walletBalance(t, wallets, "alice"))

	var reloaded models.PrizeAward
	require.NoError(t, db.First(&reloaded, "id = ?", award.ID).Error)
	assert.True(t, reloaded.Credited)
}
