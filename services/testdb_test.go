package services

import (
	"fmt"
	"testing"
	"time"

	"tournament-settlement-system/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens a private in-memory database per test. The named DSN keeps
// every pooled connection on the same database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Wallet{},
		&models.WalletTransaction{},
		&models.Tournament{},
		&models.PrizeSlot{},
		&models.PrizeAward{},
		&models.TeamMember{},
		&models.LeaderboardRank{},
		&models.Escrow{},
		&models.EscrowContribution{},
	))
	return db
}

// seedTournament creates an active SOLO tournament with a 10% platform cut;
// mutate adjusts it before insert.
func seedTournament(t *testing.T, db *gorm.DB, mutate func(*models.Tournament)) *models.Tournament {
	t.Helper()
	id := uuid.NewString()
	tournament := &models.Tournament{
		ID:                   id,
		Name:                 "Spring Cup",
		Slug:                 "spring-cup-" + id[:8],
		Type:                 models.TournamentTypeSolo,
		TeamSize:             1,
		EntryFee:             5000,
		MaxEntrants:          10,
		AdminProfitModel:     models.ProfitModelPercentage,
		AdminProfitValue:     1000, // 10%
		ConfirmPolicy:        models.ConfirmPolicyAuto,
		RegistrationClosesAt: time.Now().Add(24 * time.Hour),
		Status:               models.TournamentStatusActive,
	}
	if mutate != nil {
		mutate(tournament)
	}
	require.NoError(t, db.Create(tournament).Error)
	return tournament
}

// seedPrizeSlots attaches a prize distribution; percentages are basis points.
func seedPrizeSlots(t *testing.T, db *gorm.DB, tournamentID string, bpsByRank map[int]int64) []models.PrizeSlot {
	t.Helper()
	slots := make([]models.PrizeSlot, 0, len(bpsByRank))
	for rank, bps := range bpsByRank {
		slot := models.PrizeSlot{
			ID:            uuid.NewString(),
			TournamentID:  tournamentID,
			Rank:          rank,
			PercentageBps: bps,
		}
		require.NoError(t, db.Create(&slot).Error)
		slots = append(slots, slot)
	}
	return slots
}

// fundWallet gives a user spendable balance through the normal credit path so
// the ledger stays consistent even in fixtures.
func fundWallet(t *testing.T, wallets *WalletService, ownerID string, amount int64) {
	t.Helper()
	_, err := wallets.Credit(ownerID, amount, models.TxnReasonAdminAdjustment, "test-seed")
	require.NoError(t, err)
}

func walletBalance(t *testing.T, wallets *WalletService, ownerID string) int64 {
	t.Helper()
	balance, err := wallets.Balance(ownerID)
	require.NoError(t, err)
	return balance
}
