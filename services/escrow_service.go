// services/escrow_service.go
package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"tournament-settlement-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrEscrowNotOpen — mutation attempted on a terminal escrow. Always a
	// caller logic error; not retried.
	ErrEscrowNotOpen = errors.New("escrow is not open")

	// ErrDuplicateContribution — this contributor already paid into the escrow.
	ErrDuplicateContribution = errors.New("duplicate contribution")

	// ErrOverContribution — the contribution would overshoot the required amount.
	ErrOverContribution = errors.New("contribution exceeds required amount")

	// ErrNotRosterMember — contributor doesn't belong to the registering entrant.
	ErrNotRosterMember = errors.New("contributor is not on the entrant's roster")

	// ErrWrongSplitAmount — SQUAD contributions must be exactly entry_fee / team_size.
	ErrWrongSplitAmount = errors.New("contribution must equal the per-player fee")

	// ErrRegistrationClosed — tournament is not accepting registrations.
	ErrRegistrationClosed = errors.New("registration is closed")

	// ErrTournamentFull — entrant cap reached.
	ErrTournamentFull = errors.New("tournament is full")

	// ErrEscrowNotFull — manual confirm attempted before full funding.
	ErrEscrowNotFull = errors.New("escrow is not fully funded")

	// ErrEscrowHasContributions — cancel is only legal before any money landed.
	ErrEscrowHasContributions = errors.New("escrow already has contributions")

	// errEscrowConflict — optimistic version check lost a race; retried internally.
	errEscrowConflict = errors.New("escrow version conflict")
)

const escrowCASRetries = 5

// EscrowService owns every escrow mutation. The contribute path runs its
// checks, the wallet debit and the contribution append as one DB transaction
// guarded by the escrow's version, so two racing contributors can never both
// claim the same remaining room.
type EscrowService struct {
	DB      *gorm.DB
	Wallets *WalletService
}

func NewEscrowService(db *gorm.DB, wallets *WalletService) *EscrowService {
	return &EscrowService{DB: db, Wallets: wallets}
}

// Open creates (or returns) the escrow for an entrant's registration.
// Idempotent: a second open for the same (tournament, entrant) while one is
// non-terminal returns the existing record instead of creating a duplicate.
// For SQUAD tournaments, members is the full roster of the registering team.
func (s *EscrowService) Open(tournamentID, entrantID string, members []string) (*models.Escrow, error) {
	var escrow *models.Escrow
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var tournament models.Tournament
		if err := tx.First(&tournament, "id = ?", tournamentID).Error; err != nil {
			return err
		}
		if tournament.Status != models.TournamentStatusActive {
			return fmt.Errorf("%w: tournament status is %s", ErrRegistrationClosed, tournament.Status)
		}
		if time.Now().After(tournament.RegistrationClosesAt) {
			return fmt.Errorf("%w: registration window ended at %s", ErrRegistrationClosed, tournament.RegistrationClosesAt.Format(time.RFC3339))
		}

		var existing models.Escrow
		err := tx.Where("tournament_id = ? AND entrant_id = ? AND status IN ?",
			tournamentID, entrantID,
			[]models.EscrowStatus{models.EscrowStatusOpen, models.EscrowStatusConfirmed}).
			First(&existing).Error
		if err == nil {
			escrow = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var entrants int64
		if err := tx.Model(&models.Escrow{}).
			Where("tournament_id = ? AND status IN ?", tournamentID,
				[]models.EscrowStatus{models.EscrowStatusOpen, models.EscrowStatusConfirmed}).
			Count(&entrants).Error; err != nil {
			return err
		}
		if int(entrants) >= tournament.MaxEntrants {
			return ErrTournamentFull
		}

		if tournament.Type == models.TournamentTypeSquad {
			if len(members) != tournament.TeamSize {
				return fmt.Errorf("%w: roster must list exactly %d members, got %d", ErrInvalidConfig, tournament.TeamSize, len(members))
			}
			seen := make(map[string]bool, len(members))
			for position, userID := range members {
				if seen[userID] {
					return fmt.Errorf("%w: duplicate roster member %s", ErrInvalidConfig, userID)
				}
				seen[userID] = true
				member := models.TeamMember{
					ID:           uuid.NewString(),
					TournamentID: tournamentID,
					TeamID:       entrantID,
					UserID:       userID,
					Position:     position,
				}
				if err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "tournament_id"}, {Name: "team_id"}, {Name: "user_id"}},
					DoUpdates: clause.AssignmentColumns([]string{"position"}),
				}).Create(&member).Error; err != nil {
					return err
				}
			}
		}

		escrow = &models.Escrow{
			ID:             uuid.NewString(),
			TournamentID:   tournamentID,
			EntrantID:      entrantID,
			RequiredAmount: tournament.EntryFee,
			Status:         models.EscrowStatusOpen,
		}
		return tx.Create(escrow).Error
	})
	if err != nil {
		if errors.Is(err, ErrRegistrationClosed) || errors.Is(err, ErrTournamentFull) ||
			errors.Is(err, ErrInvalidConfig) || errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		// The partial unique index on (tournament_id, entrant_id) rejects a
		// second non-terminal escrow: a lost insert race means a concurrent
		// open won, so return its record instead.
		var existing models.Escrow
		if lookupErr := s.DB.Where("tournament_id = ? AND entrant_id = ? AND status IN ?",
			tournamentID, entrantID,
			[]models.EscrowStatus{models.EscrowStatusOpen, models.EscrowStatusConfirmed}).
			First(&existing).Error; lookupErr == nil {
			return &existing, nil
		}
		return nil, err
	}
	return escrow, nil
}

// Contribute records one contributor's payment into an open escrow. The whole
// check-debit-append-maybe-confirm sequence is a single atomic unit: either
// the wallet debit and the contribution row both commit, or neither does.
func (s *EscrowService) Contribute(escrowID, contributorID string, amount int64) (*models.Escrow, error) {
	for attempt := 0; attempt < escrowCASRetries; attempt++ {
		escrow, err := s.contributeOnce(escrowID, contributorID, amount)
		if err == nil {
			return escrow, nil
		}
		if !errors.Is(err, errEscrowConflict) {
			return nil, err
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return nil, fmt.Errorf("escrow update failed after %d attempts, retry the request", escrowCASRetries)
}

func (s *EscrowService) contributeOnce(escrowID, contributorID string, amount int64) (*models.Escrow, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("contribution amount must be positive, got %d", amount)
	}

	var result models.Escrow
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var escrow models.Escrow
		if err := tx.First(&escrow, "id = ?", escrowID).Error; err != nil {
			return err
		}
		if escrow.Status != models.EscrowStatusOpen {
			return fmt.Errorf("%w: status is %s", ErrEscrowNotOpen, escrow.Status)
		}

		var tournament models.Tournament
		if err := tx.First(&tournament, "id = ?", escrow.TournamentID).Error; err != nil {
			return err
		}

		if tournament.Type == models.TournamentTypeSquad {
			var onRoster int64
			if err := tx.Model(&models.TeamMember{}).
				Where("tournament_id = ? AND team_id = ? AND user_id = ?", tournament.ID, escrow.EntrantID, contributorID).
				Count(&onRoster).Error; err != nil {
				return err
			}
			if onRoster == 0 {
				return ErrNotRosterMember
			}
			perPlayer, err := PerPlayerFee(&tournament)
			if err != nil {
				return err
			}
			if amount != perPlayer {
				return fmt.Errorf("%w: expected %d, got %d", ErrWrongSplitAmount, perPlayer, amount)
			}
		} else if contributorID != escrow.EntrantID {
			return ErrNotRosterMember
		}

		var duplicates int64
		if err := tx.Model(&models.EscrowContribution{}).
			Where("escrow_id = ? AND contributor_id = ?", escrow.ID, contributorID).
			Count(&duplicates).Error; err != nil {
			return err
		}
		if duplicates > 0 {
			return ErrDuplicateContribution
		}

		if escrow.CollectedAmount+amount > escrow.RequiredAmount {
			return fmt.Errorf("%w: %d collected, %d required", ErrOverContribution, escrow.CollectedAmount, escrow.RequiredAmount)
		}

		if _, err := s.Wallets.DebitTx(tx, contributorID, amount, models.TxnReasonEntryFee, escrow.ID); err != nil {
			if errors.Is(err, errWalletConflict) {
				return errEscrowConflict
			}
			return err
		}

		contribution := models.EscrowContribution{
			ID:            uuid.NewString(),
			EscrowID:      escrow.ID,
			ContributorID: contributorID,
			Amount:        amount,
		}
		if err := tx.Create(&contribution).Error; err != nil {
			return err
		}

		newCollected := escrow.CollectedAmount + amount
		newStatus := escrow.Status
		if newCollected == escrow.RequiredAmount && tournament.ConfirmPolicy == models.ConfirmPolicyAuto {
			// The final contribution and the confirmation commit together:
			// there is no window where the escrow is full but still open.
			newStatus = models.EscrowStatusConfirmed
		}
		res := tx.Model(&models.Escrow{}).
			Where("id = ? AND version = ?", escrow.ID, escrow.Version).
			Updates(map[string]interface{}{
				"collected_amount": newCollected,
				"status":           newStatus,
				"version":          gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errEscrowConflict
		}

		return tx.Preload("Contributions").First(&result, "id = ?", escrow.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Confirm is the admin gate for tournaments with confirm_policy=manual: a
// fully funded escrow stays open until this is called. No-op when already
// confirmed, so retries are safe.
func (s *EscrowService) Confirm(escrowID string) (*models.Escrow, error) {
	var result models.Escrow
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var escrow models.Escrow
		if err := tx.First(&escrow, "id = ?", escrowID).Error; err != nil {
			return err
		}
		if escrow.Status == models.EscrowStatusConfirmed {
			result = escrow
			return nil
		}
		if escrow.Status != models.EscrowStatusOpen {
			return fmt.Errorf("%w: status is %s", ErrEscrowNotOpen, escrow.Status)
		}
		if escrow.CollectedAmount != escrow.RequiredAmount {
			return fmt.Errorf("%w: %d of %d collected", ErrEscrowNotFull, escrow.CollectedAmount, escrow.RequiredAmount)
		}

		res := tx.Model(&models.Escrow{}).
			Where("id = ? AND version = ?", escrow.ID, escrow.Version).
			Updates(map[string]interface{}{
				"status":  models.EscrowStatusConfirmed,
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errEscrowConflict
		}
		return tx.First(&result, "id = ?", escrow.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Refund reverses an open escrow: every recorded contributor gets their money
// back and the escrow goes terminal. Calling it on an already-refunded escrow
// is a no-op; a re-run after a partial failure picks up exactly the
// contributions that were not yet credited.
func (s *EscrowService) Refund(escrowID string) error {
	return s.refund(escrowID, false)
}

// RefundForCancellation also reverses confirmed escrows; used when the whole
// tournament is cancelled and even eligible entrants get their fees back.
func (s *EscrowService) RefundForCancellation(escrowID string) error {
	return s.refund(escrowID, true)
}

func (s *EscrowService) refund(escrowID string, allowConfirmed bool) error {
	for attempt := 0; attempt < escrowCASRetries; attempt++ {
		err := s.refundOnce(escrowID, allowConfirmed)
		if !errors.Is(err, errEscrowConflict) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return fmt.Errorf("escrow refund kept conflicting after %d attempts", escrowCASRetries)
}

func (s *EscrowService) refundOnce(escrowID string, allowConfirmed bool) error {
	// Flip the status first so no new contribution can slip in while the
	// credits are being issued; the per-row refunded flags make the credit
	// loop safe to resume after a crash.
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var escrow models.Escrow
		if err := tx.First(&escrow, "id = ?", escrowID).Error; err != nil {
			return err
		}
		switch escrow.Status {
		case models.EscrowStatusRefunded:
			return nil // resume crediting below
		case models.EscrowStatusOpen:
		case models.EscrowStatusConfirmed:
			if !allowConfirmed {
				return fmt.Errorf("%w: status is %s", ErrEscrowNotOpen, escrow.Status)
			}
		default:
			return fmt.Errorf("%w: status is %s", ErrEscrowNotOpen, escrow.Status)
		}

		if escrow.Status != models.EscrowStatusRefunded {
			res := tx.Model(&models.Escrow{}).
				Where("id = ? AND version = ?", escrow.ID, escrow.Version).
				Updates(map[string]interface{}{
					"status":  models.EscrowStatusRefunded,
					"version": gorm.Expr("version + 1"),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errEscrowConflict
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var pending []models.EscrowContribution
	if err := s.DB.Where("escrow_id = ? AND refunded = ?", escrowID, false).Find(&pending).Error; err != nil {
		return err
	}
	for _, contribution := range pending {
		// Wallet version races are transient and retried here like any other
		// credit; the refunded flag flips in the same transaction.
		var err error
		for attempt := 0; attempt < walletCASRetries; attempt++ {
			err = s.DB.Transaction(func(tx *gorm.DB) error {
				if _, err := s.Wallets.CreditTx(tx, contribution.ContributorID, contribution.Amount, models.TxnReasonRefund, escrowID); err != nil {
					return err
				}
				return tx.Model(&models.EscrowContribution{}).
					Where("id = ?", contribution.ID).
					Update("refunded", true).Error
			})
			if !errors.Is(err, errWalletConflict) {
				break
			}
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
		}
		if err != nil {
			log.Printf("⚠️ Refund credit failed for contributor %s on escrow %s: %v (will retry)", contribution.ContributorID, escrowID, err)
			return err
		}
	}
	return nil
}

// Cancel withdraws a registration before any money landed. No wallet is
// touched. No-op when already cancelled.
func (s *EscrowService) Cancel(escrowID string) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var escrow models.Escrow
		if err := tx.First(&escrow, "id = ?", escrowID).Error; err != nil {
			return err
		}
		if escrow.Status == models.EscrowStatusCancelled {
			return nil
		}
		if escrow.Status != models.EscrowStatusOpen {
			return fmt.Errorf("%w: status is %s", ErrEscrowNotOpen, escrow.Status)
		}

		var contributions int64
		if err := tx.Model(&models.EscrowContribution{}).
			Where("escrow_id = ?", escrow.ID).
			Count(&contributions).Error; err != nil {
			return err
		}
		if contributions > 0 {
			return ErrEscrowHasContributions
		}

		res := tx.Model(&models.Escrow{}).
			Where("id = ? AND version = ?", escrow.ID, escrow.Version).
			Updates(map[string]interface{}{
				"status":  models.EscrowStatusCancelled,
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errEscrowConflict
		}
		return nil
	})
}

// --- HTTP handlers ---

// escrowErrorResponse maps service errors to specific JSON responses so the
// registration UI can tell "top up your wallet" from "escrow already full".
func escrowErrorResponse(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "escrow not found"})
	case errors.Is(err, ErrInsufficientFunds):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "insufficient funds", "reason": "insufficient_funds"})
	case errors.Is(err, ErrDuplicateContribution):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "you already contributed to this escrow", "reason": "duplicate_contribution"})
	case errors.Is(err, ErrOverContribution):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "escrow is already fully funded", "reason": "over_contribution"})
	case errors.Is(err, ErrEscrowNotOpen):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "escrow is no longer open", "reason": "escrow_not_open"})
	case errors.Is(err, ErrNotRosterMember):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "you are not on this entrant's roster", "reason": "not_roster_member"})
	case errors.Is(err, ErrWrongSplitAmount):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error(), "reason": "wrong_split_amount"})
	case errors.Is(err, ErrRegistrationClosed):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "registration is closed", "reason": "registration_closed"})
	case errors.Is(err, ErrTournamentFull):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "tournament is full", "reason": "tournament_full"})
	case errors.Is(err, ErrEscrowNotFull):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "escrow is not fully funded yet", "reason": "escrow_not_full"})
	case errors.Is(err, ErrEscrowHasContributions):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "escrow already has contributions, refund instead", "reason": "escrow_has_contributions"})
	case errors.Is(err, ErrInvalidConfig):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	default:
		log.Printf("Escrow operation failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "escrow operation failed"})
	}
}

// OpenEscrow begins a registration. SOLO entrants default to themselves;
// SQUAD registrations supply the team id and full roster.
func (s *EscrowService) OpenEscrow(c *fiber.Ctx) error {
	tournamentID := c.Params("id")
	type Req struct {
		EntrantID string   `json:"entrant_id,omitempty"` // team id for SQUAD, defaults to caller for SOLO
		Members   []string `json:"members,omitempty"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}
	entrantID := req.EntrantID
	if entrantID == "" {
		entrantID = c.Locals("user_id").(string)
	}
	if entrantID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "entrant_id required"})
	}

	escrow, err := s.Open(tournamentID, entrantID, req.Members)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "tournament not found"})
		}
		return escrowErrorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(escrow)
}

// ContributeToEscrow debits the caller's wallet into the escrow.
func (s *EscrowService) ContributeToEscrow(c *fiber.Ctx) error {
	escrowID := c.Params("id")
	contributorID := c.Locals("user_id").(string)
	type Req struct {
		Amount int64 `json:"amount" validate:"required,gt=0"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}
	if req.Amount <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "amount must be > 0"})
	}

	escrow, err := s.Contribute(escrowID, contributorID, req.Amount)
	if err != nil {
		return escrowErrorResponse(c, err)
	}
	return c.JSON(escrow)
}

// GetEscrow exposes escrow status for the registration UI to poll.
func (s *EscrowService) GetEscrow(c *fiber.Ctx) error {
	id := c.Params("id")
	var escrow models.Escrow
	if err := s.DB.Preload("Contributions").First(&escrow, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "escrow not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(escrow)
}

// GetEntrantEscrow finds the caller's (or a given entrant's) escrow in a tournament.
func (s *EscrowService) GetEntrantEscrow(c *fiber.Ctx) error {
	tournamentID := c.Params("id")
	entrantID := c.Query("entrant_id")
	if entrantID == "" {
		entrantID = c.Locals("user_id").(string)
	}

	var escrow models.Escrow
	if err := s.DB.Preload("Contributions").
		Where("tournament_id = ? AND entrant_id = ?", tournamentID, entrantID).
		Order("created_at DESC").
		First(&escrow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no escrow for this entrant"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(escrow)
}

// ConfirmEscrow (Admin only) locks in a fully funded escrow under confirm_policy=manual.
func (s *EscrowService) ConfirmEscrow(c *fiber.Ctx) error {
	escrow, err := s.Confirm(c.Params("id"))
	if err != nil {
		return escrowErrorResponse(c, err)
	}
	return c.JSON(fiber.Map{"message": "escrow confirmed", "escrow": escrow})
}

// RefundEscrow (Admin only) reverses an open escrow.
func (s *EscrowService) RefundEscrow(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.Refund(id); err != nil {
		return escrowErrorResponse(c, err)
	}
	var escrow models.Escrow
	s.DB.Preload("Contributions").First(&escrow, "id = ?", id)
	return c.JSON(fiber.Map{"message": "escrow refunded", "escrow": escrow})
}

// CancelEscrow withdraws a registration that has no contributions yet.
func (s *EscrowService) CancelEscrow(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.Cancel(id); err != nil {
		return escrowErrorResponse(c, err)
	}
	return c.JSON(fiber.Map{"message": "escrow cancelled"})
}
