// services/scheduler.go
package services

import (
	"log"
	"time"

	"tournament-settlement-system/models"

	"github.com/go-co-op/gocron/v2"
)

// SweepExpiredEscrows refunds escrows still open after their tournament's
// registration deadline, so partially funded squads never strand money.
// Completed tournaments are included: an escrow left open past completion
// (a crashed refund during finalization) still belongs here. Cancelled
// tournaments go through the cancellation sweep instead, which also
// reverses confirmed escrows.
func (s *SettlementService) SweepExpiredEscrows() error {
	var escrows []models.Escrow
	err := s.DB.
		Joins("JOIN tournaments ON tournaments.id = escrows.tournament_id").
		Where("escrows.status = ? AND tournaments.registration_closes_at <= ?", models.EscrowStatusOpen, time.Now()).
		Where("tournaments.status <> ?", models.TournamentStatusCancelled).
		Find(&escrows).Error
	if err != nil {
		return err
	}

	var firstErr error
	for _, e := range escrows {
		if err := s.Escrows.Refund(e.ID); err != nil {
			log.Printf("[Scheduler] Failed to refund expired escrow %s: %v", e.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			log.Printf("✅ Refunded expired escrow %s (entrant %s)", e.ID, e.EntrantID)
		}
	}
	return firstErr
}

// StartSettlementScheduler runs the periodic sweeps that make every money
// path eventually consistent: expired open escrows are refunded, refunds of
// cancelled tournaments that failed mid-way are finished, and prize credits
// that failed at finalization are retried.
func (s *SettlementService) StartSettlementScheduler() {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	// Every minute: refund open escrows whose registration window closed
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			if err := s.SweepExpiredEscrows(); err != nil {
				log.Printf("[Scheduler] Deadline sweep incomplete: %v", err)
			}
		}),
	)

	// Every minute: finish refunds of cancelled tournaments
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			var ids []string
			err := s.DB.Model(&models.Escrow{}).
				Distinct("escrows.tournament_id").
				Joins("JOIN tournaments ON tournaments.id = escrows.tournament_id").
				Where("tournaments.status = ? AND escrows.status IN ?",
					models.TournamentStatusCancelled,
					[]models.EscrowStatus{models.EscrowStatusOpen, models.EscrowStatusConfirmed}).
				Pluck("escrows.tournament_id", &ids).Error
			if err != nil {
				log.Printf("[Scheduler] DB error on cancellation sweep: %v", err)
				return
			}

			for _, id := range ids {
				if err := s.RefundCancelledEscrows(id); err != nil {
					log.Printf("[Scheduler] Cancellation refunds for %s still incomplete: %v", id, err)
				}
			}
		}),
	)

	// Every minute: retry prize credits that failed at finalization
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			var ids []string
			err := s.DB.Model(&models.PrizeAward{}).
				Distinct("tournament_id").
				Where("credited = ?", false).
				Pluck("tournament_id", &ids).Error
			if err != nil {
				log.Printf("[Scheduler] DB error on award retry sweep: %v", err)
				return
			}

			for _, id := range ids {
				if err := s.CreditPendingAwards(id); err != nil {
					log.Printf("[Scheduler] Award credits for %s still pending: %v", id, err)
				} else {
					log.Printf("✅ Retried pending prize credits for tournament %s", id)
				}
			}
		}),
	)
}
