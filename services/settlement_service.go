// services/settlement_service.go
package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"tournament-settlement-system/models"
	"tournament-settlement-system/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

// ErrInvalidTransition — the requested tournament status change is not legal
// from the current state.
var ErrInvalidTransition = errors.New("invalid tournament status transition")

// ErrDuplicateRank — two entrants claim the same prize-bearing rank in the
// results; paying both would exceed the prize pool.
var ErrDuplicateRank = errors.New("duplicate rank in results")

// statusTransitions lists the legal non-terminal moves. Completed and
// cancelled are handled by Complete/CancelTournament since they carry
// financial side effects.
var statusTransitions = map[models.TournamentStatus][]models.TournamentStatus{
	models.TournamentStatusUpcoming: {models.TournamentStatusActive},
	models.TournamentStatusActive:   {models.TournamentStatusLive},
	models.TournamentStatusLive:     {models.TournamentStatusPaused},
	models.TournamentStatusPaused:   {models.TournamentStatusLive},
}

// SettlementService drives the tournament lifecycle and the two transitions
// with money attached: completion (prize distribution) and cancellation
// (full refunds). Finalization is serialized per tournament by the settled_at
// flag, so re-running it never double-pays.
type SettlementService struct {
	DB      *gorm.DB
	Escrows *EscrowService
	Wallets *WalletService
}

func NewSettlementService(db *gorm.DB, escrows *EscrowService, wallets *WalletService) *SettlementService {
	return &SettlementService{DB: db, Escrows: escrows, Wallets: wallets}
}

// Complete finalizes a tournament: flips it to completed exactly once,
// records a PrizeAward per winning wallet, then issues the credits. ranks
// maps entrant id to final rank; when nil, ranks synced from the results
// service are used. Re-running on an already-completed tournament is a no-op.
func (s *SettlementService) Complete(tournamentID string, ranks map[string]int) error {
	if len(ranks) == 0 {
		var synced []models.LeaderboardRank
		if err := s.DB.Where("tournament_id = ?", tournamentID).Find(&synced).Error; err != nil {
			return err
		}
		ranks = make(map[string]int, len(synced))
		for _, row := range synced {
			ranks[row.EntrantID] = row.Rank
		}
	}

	alreadySettled := false
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var tournament models.Tournament
		if err := tx.Preload("PrizeSlots").First(&tournament, "id = ?", tournamentID).Error; err != nil {
			return err
		}

		now := time.Now()
		res := tx.Model(&models.Tournament{}).
			Where("id = ? AND settled_at IS NULL AND status IN ?", tournamentID,
				[]models.TournamentStatus{models.TournamentStatusLive, models.TournamentStatusPaused}).
			Updates(map[string]interface{}{
				"status":     models.TournamentStatusCompleted,
				"settled_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if tournament.Status == models.TournamentStatusCompleted {
				alreadySettled = true
				return nil
			}
			return fmt.Errorf("%w: cannot complete from %s", ErrInvalidTransition, tournament.Status)
		}

		payouts, err := PayoutByRank(&tournament, tournament.PrizeSlots)
		if err != nil {
			return err
		}

		// A tie on a prize-bearing rank would pay the full payout twice.
		seenRank := make(map[int]string, len(ranks))
		for entrantID, rank := range ranks {
			if _, hasSlot := payouts[rank]; !hasSlot {
				continue
			}
			if other, dup := seenRank[rank]; dup {
				return fmt.Errorf("%w: rank %d claimed by %s and %s", ErrDuplicateRank, rank, other, entrantID)
			}
			seenRank[rank] = entrantID
		}

		var confirmed []models.Escrow
		if err := tx.Where("tournament_id = ? AND status = ?", tournamentID, models.EscrowStatusConfirmed).
			Find(&confirmed).Error; err != nil {
			return err
		}

		for _, escrow := range confirmed {
			rank, ranked := ranks[escrow.EntrantID]
			if !ranked {
				continue // unranked entrants receive nothing
			}
			payout, hasSlot := payouts[rank]
			if !hasSlot || payout <= 0 {
				continue
			}

			if tournament.Type == models.TournamentTypeSquad {
				var roster []models.TeamMember
				if err := tx.Where("tournament_id = ? AND team_id = ?", tournamentID, escrow.EntrantID).
					Order("position ASC").
					Find(&roster).Error; err != nil {
					return err
				}
				if len(roster) != tournament.TeamSize {
					return fmt.Errorf("roster for team %s has %d members, expected %d", escrow.EntrantID, len(roster), tournament.TeamSize)
				}
				shares := SplitAmongMembers(payout, tournament.TeamSize)
				for i, member := range roster {
					award := models.PrizeAward{
						ID:           uuid.NewString(),
						TournamentID: tournamentID,
						EntrantID:    escrow.EntrantID,
						RecipientID:  member.UserID,
						Rank:         rank,
						Amount:       shares[i],
					}
					if err := tx.Create(&award).Error; err != nil {
						return err
					}
				}
			} else {
				award := models.PrizeAward{
					ID:           uuid.NewString(),
					TournamentID: tournamentID,
					EntrantID:    escrow.EntrantID,
					RecipientID:  escrow.EntrantID,
					Rank:         rank,
					Amount:       payout,
				}
				if err := tx.Create(&award).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if alreadySettled {
		log.Printf("Tournament %s already settled, skipping distribution", tournamentID)
		return nil
	}

	if err := s.CreditPendingAwards(tournamentID); err != nil {
		// Awards are recorded; the scheduler retries the failing credits.
		log.Printf("⚠️ Prize distribution for %s incomplete: %v (scheduler will retry)", tournamentID, err)
	}

	// Escrows that never filled don't compete and get their money back.
	if err := s.refundUnconfirmedEscrows(tournamentID); err != nil {
		log.Printf("⚠️ Refunds of unconfirmed escrows for %s incomplete: %v (scheduler will retry)", tournamentID, err)
	}

	s.uploadSettlementReport(tournamentID)
	return nil
}

// refundUnconfirmedEscrows reverses every escrow still open when its
// tournament completed, so partially funded entries are never stranded.
func (s *SettlementService) refundUnconfirmedEscrows(tournamentID string) error {
	var escrows []models.Escrow
	if err := s.DB.Where("tournament_id = ? AND status = ?", tournamentID, models.EscrowStatusOpen).
		Find(&escrows).Error; err != nil {
		return err
	}

	var firstErr error
	for _, escrow := range escrows {
		if err := s.Escrows.Refund(escrow.ID); err != nil {
			log.Printf("⚠️ Refund failed for unconfirmed escrow %s of completed tournament %s: %v", escrow.ID, tournamentID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CreditPendingAwards issues wallet credits for every uncredited PrizeAward
// of a tournament. Each credit flips its award row in the same transaction,
// so a retry after a partial failure pays only what is still owed.
func (s *SettlementService) CreditPendingAwards(tournamentID string) error {
	var pending []models.PrizeAward
	if err := s.DB.Where("tournament_id = ? AND credited = ?", tournamentID, false).
		Find(&pending).Error; err != nil {
		return err
	}

	var firstErr error
	for _, award := range pending {
		err := s.DB.Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.PrizeAward{}).
				Where("id = ? AND credited = ?", award.ID, false).
				Update("credited", true)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil // someone else credited it
			}
			_, err := s.Wallets.CreditTx(tx, award.RecipientID, award.Amount, models.TxnReasonPrize, award.TournamentID)
			return err
		})
		if err != nil {
			log.Printf("⚠️ Prize credit failed for recipient %s (award %s): %v", award.RecipientID, award.ID, err)
			if firstErr == nil {
				firstErr = err
			}
			// keep going: other winners' credits are independent
		}
	}
	return firstErr
}

// CancelTournament soft-cancels a tournament and reverses every escrow,
// confirmed ones included — the tournament never happened. Idempotent.
func (s *SettlementService) CancelTournament(tournamentID string) error {
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var tournament models.Tournament
		if err := tx.First(&tournament, "id = ?", tournamentID).Error; err != nil {
			return err
		}
		if tournament.Status == models.TournamentStatusCancelled {
			return nil
		}

		// Guarded flip: a finalization that committed between our read and
		// this update must win, or its prize credits would be refunded on top.
		res := tx.Model(&models.Tournament{}).
			Where("id = ? AND settled_at IS NULL AND status NOT IN ?", tournamentID,
				[]models.TournamentStatus{models.TournamentStatusCompleted, models.TournamentStatusCancelled}).
			Update("status", models.TournamentStatusCancelled)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.First(&tournament, "id = ?", tournamentID).Error; err != nil {
				return err
			}
			if tournament.Status == models.TournamentStatusCancelled {
				return nil
			}
			return fmt.Errorf("%w: cannot cancel a settled tournament (status %s)", ErrInvalidTransition, tournament.Status)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.RefundCancelledEscrows(tournamentID)
}

// RefundCancelledEscrows reverses every non-terminal escrow of a cancelled
// tournament. Also invoked by the scheduler so refunds that failed mid-way
// eventually complete.
func (s *SettlementService) RefundCancelledEscrows(tournamentID string) error {
	var escrows []models.Escrow
	if err := s.DB.Where("tournament_id = ? AND status IN ?", tournamentID,
		[]models.EscrowStatus{models.EscrowStatusOpen, models.EscrowStatusConfirmed}).
		Find(&escrows).Error; err != nil {
		return err
	}

	var firstErr error
	for _, escrow := range escrows {
		if err := s.Escrows.RefundForCancellation(escrow.ID); err != nil {
			log.Printf("⚠️ Refund failed for escrow %s of cancelled tournament %s: %v", escrow.ID, tournamentID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *SettlementService) uploadSettlementReport(tournamentID string) {
	if !utils.R2Enabled() {
		return
	}

	var tournament models.Tournament
	if err := s.DB.Preload("PrizeSlots").First(&tournament, "id = ?", tournamentID).Error; err != nil {
		log.Printf("⚠️ Settlement report skipped, tournament %s not readable: %v", tournamentID, err)
		return
	}
	summary, err := Summarize(&tournament, tournament.PrizeSlots)
	if err != nil {
		log.Printf("⚠️ Settlement report skipped for %s: %v", tournamentID, err)
		return
	}
	var awards []models.PrizeAward
	if err := s.DB.Where("tournament_id = ?", tournamentID).Order("rank ASC").Find(&awards).Error; err != nil {
		log.Printf("⚠️ Settlement report skipped for %s: %v", tournamentID, err)
		return
	}

	report := fiber.Map{
		"tournament_id": tournament.ID,
		"name":          tournament.Name,
		"slug":          tournament.Slug,
		"settled_at":    tournament.SettledAt,
		"summary":       summary,
		"awards":        awards,
	}
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Printf("⚠️ Settlement report marshal failed for %s: %v", tournamentID, err)
		return
	}

	key := fmt.Sprintf("settlements/%s/%s.json", tournament.Slug, tournament.ID)
	url, err := utils.UploadSettlementReport(key, payload)
	if err != nil {
		log.Printf("❌ Settlement report upload failed for %s: %v", tournamentID, err)
		return
	}
	log.Printf("✅ Settlement report for %s uploaded: %s", tournament.Slug, url)
}

// --- HTTP handlers ---

// CreateTournament validates and persists a tournament configuration.
// Broken configurations are rejected here and never reach contribution time.
func (s *SettlementService) CreateTournament(c *fiber.Ctx) error {
	type PrizeSlotReq struct {
		Rank       int     `json:"rank"`
		Percentage float64 `json:"percentage"` // e.g. 50 for 50%
	}
	type Req struct {
		Name                 string                  `json:"name" validate:"required"`
		Type                 models.TournamentType   `json:"type" validate:"required,oneof=SOLO SQUAD"`
		TeamSize             int                     `json:"team_size"`
		EntryFee             int64                   `json:"entry_fee"` // minor units
		MaxEntrants          int                     `json:"max_entrants"`
		AdminProfitModel     models.AdminProfitModel `json:"admin_profit_model" validate:"required,oneof=percentage fixed_per_entrant platform_fee"`
		AdminProfitValue     float64                 `json:"admin_profit_value"` // percent for 'percentage', minor units otherwise
		ConfirmPolicy        models.ConfirmPolicy    `json:"confirm_policy"`
		RegistrationClosesAt string                  `json:"registration_closes_at" validate:"required"` // RFC3339
		PrizeDistribution    []PrizeSlotReq          `json:"prize_distribution" validate:"required"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name is required"})
	}
	closesAt, err := time.Parse(time.RFC3339, req.RegistrationClosesAt)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid registration_closes_at (use RFC3339)"})
	}

	teamSize := req.TeamSize
	if req.Type == models.TournamentTypeSolo && teamSize == 0 {
		teamSize = 1
	}
	confirmPolicy := req.ConfirmPolicy
	if confirmPolicy == "" {
		confirmPolicy = models.ConfirmPolicyAuto
	}

	profitValue := int64(math.Round(req.AdminProfitValue))
	if req.AdminProfitModel == models.ProfitModelPercentage {
		profitValue = int64(math.Round(req.AdminProfitValue * 100)) // percent → bps
	}

	tournament := &models.Tournament{
		ID:                   uuid.NewString(),
		Name:                 req.Name,
		Slug:                 slug.Make(req.Name),
		Type:                 req.Type,
		TeamSize:             teamSize,
		EntryFee:             req.EntryFee,
		MaxEntrants:          req.MaxEntrants,
		AdminProfitModel:     req.AdminProfitModel,
		AdminProfitValue:     profitValue,
		ConfirmPolicy:        confirmPolicy,
		RegistrationClosesAt: closesAt,
		Status:               models.TournamentStatusUpcoming,
	}

	slots := make([]models.PrizeSlot, 0, len(req.PrizeDistribution))
	for _, p := range req.PrizeDistribution {
		slots = append(slots, models.PrizeSlot{
			ID:            uuid.NewString(),
			TournamentID:  tournament.ID,
			Rank:          p.Rank,
			PercentageBps: int64(math.Round(p.Percentage * 100)),
		})
	}

	if err := ValidateConfig(tournament, slots); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	// Keep slugs unique without failing the whole request on a name clash.
	var clashes int64
	s.DB.Model(&models.Tournament{}).Where("slug = ?", tournament.Slug).Count(&clashes)
	if clashes > 0 {
		tournament.Slug = fmt.Sprintf("%s-%s", tournament.Slug, tournament.ID[:8])
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("PrizeSlots").Create(tournament).Error; err != nil {
			return err
		}
		for i := range slots {
			if err := tx.Create(&slots[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("DB Error creating tournament: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB insert failed"})
	}

	tournament.PrizeSlots = slots
	return c.Status(fiber.StatusCreated).JSON(tournament)
}

// GetTournamentByID returns the full configuration with prize distribution
// and the current entrant count.
func (s *SettlementService) GetTournamentByID(c *fiber.Ctx) error {
	id := c.Params("id")
	var tournament models.Tournament
	if err := s.DB.Preload("PrizeSlots", func(db *gorm.DB) *gorm.DB {
		return db.Order("rank ASC")
	}).First(&tournament, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "tournament not found"})
		}
		log.Printf("ERROR fetching tournament %s: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	var entrants int64
	s.DB.Model(&models.Escrow{}).
		Where("tournament_id = ? AND status IN ?", id,
			[]models.EscrowStatus{models.EscrowStatusOpen, models.EscrowStatusConfirmed}).
		Count(&entrants)
	tournament.EntrantCount = entrants

	return c.JSON(tournament)
}

// GetAllTournamentsMini returns a compact listing for dashboards.
func (s *SettlementService) GetAllTournamentsMini(c *fiber.Ctx) error {
	type TournamentMini struct {
		ID                   string                  `json:"id"`
		Name                 string                  `json:"name"`
		Slug                 string                  `json:"slug"`
		Type                 models.TournamentType   `json:"type"`
		TeamSize             int                     `json:"team_size"`
		EntryFee             int64                   `json:"entry_fee"`
		MaxEntrants          int                     `json:"max_entrants"`
		Status               models.TournamentStatus `json:"status"`
		RegistrationClosesAt time.Time               `json:"registration_closes_at"`
		SettledAt            *time.Time              `json:"settled_at,omitempty"`
		CreatedAt            time.Time               `json:"created_at"`
		EntrantCount         int64                   `json:"entrant_count"`
	}
	var tournaments []TournamentMini
	query := `
        SELECT
            t.id,
            t.name,
            t.slug,
            t.type,
            t.team_size,
            t.entry_fee,
            t.max_entrants,
            t.status,
            t.registration_closes_at,
            t.settled_at,
            t.created_at,
            COUNT(e.id) FILTER (WHERE e.status IN ('open', 'confirmed')) AS entrant_count
        FROM tournaments t
        LEFT JOIN escrows e ON t.id = e.tournament_id
        GROUP BY t.id
        ORDER BY t.created_at DESC
    `
	if err := s.DB.Raw(query).Scan(&tournaments).Error; err != nil {
		log.Printf("ERROR fetching mini tournaments: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch tournaments"})
	}
	return c.JSON(tournaments)
}

// GetFinancialSummary is the admin preview: total collection, platform cut,
// prize pool and per-rank payouts, derived live from the calculator.
func (s *SettlementService) GetFinancialSummary(c *fiber.Ctx) error {
	id := c.Params("id")
	var tournament models.Tournament
	if err := s.DB.Preload("PrizeSlots").First(&tournament, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "tournament not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	summary, err := Summarize(&tournament, tournament.PrizeSlots)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(summary)
}

// UpdateTournamentStatus drives the lifecycle. Completed and cancelled go
// through the settlement paths; everything else is a guarded status flip.
func (s *SettlementService) UpdateTournamentStatus(c *fiber.Ctx) error {
	id := c.Params("id")
	type Req struct {
		Status models.TournamentStatus `json:"status" validate:"required,oneof=upcoming active live paused completed cancelled"`
		Ranks  map[string]int          `json:"ranks,omitempty"` // entrant id → final rank, for 'completed'
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}

	switch req.Status {
	case models.TournamentStatusCompleted:
		if err := s.Complete(id, req.Ranks); err != nil {
			return s.statusErrorResponse(c, err)
		}
	case models.TournamentStatusCancelled:
		if err := s.CancelTournament(id); err != nil {
			return s.statusErrorResponse(c, err)
		}
	case models.TournamentStatusUpcoming, models.TournamentStatusActive,
		models.TournamentStatusLive, models.TournamentStatusPaused:
		err := s.DB.Transaction(func(tx *gorm.DB) error {
			var tournament models.Tournament
			if err := tx.First(&tournament, "id = ?", id).Error; err != nil {
				return err
			}
			if tournament.Status == req.Status {
				return nil
			}
			for _, next := range statusTransitions[tournament.Status] {
				if next == req.Status {
					return tx.Model(&models.Tournament{}).
						Where("id = ?", id).
						Update("status", req.Status).Error
				}
			}
			return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, tournament.Status, req.Status)
		})
		if err != nil {
			return s.statusErrorResponse(c, err)
		}
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid status"})
	}

	var updated models.Tournament
	if err := s.DB.Preload("PrizeSlots").First(&updated, "id = ?", id).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to refetch tournament"})
	}
	return c.JSON(updated)
}

func (s *SettlementService) statusErrorResponse(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "tournament not found"})
	case errors.Is(err, ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrDuplicateRank):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ErrInvalidConfig):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	default:
		log.Printf("Tournament status update failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status update failed"})
	}
}

// GetTournamentAwards lists the prize awards recorded at finalization.
func (s *SettlementService) GetTournamentAwards(c *fiber.Ctx) error {
	id := c.Params("id")
	var awards []models.PrizeAward
	if err := s.DB.Where("tournament_id = ?", id).
		Order("rank ASC, created_at ASC").
		Find(&awards).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch awards"})
	}
	return c.JSON(awards)
}
