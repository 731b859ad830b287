package handlers

import (
	"tournament-settlement-system/middleware"
	"tournament-settlement-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupTournamentRoutes(app *fiber.App, settlementService *services.SettlementService, escrowService *services.EscrowService) {
	// 🔓 Public routes: tournament listings are browsable without auth
	app.Get("/tournaments/mini", settlementService.GetAllTournamentsMini)
	app.Get("/tournaments/:id", settlementService.GetTournamentByID)

	// 🔐 Authenticated routes
	secured := app.Group("/", middleware.UserContextMiddleware())

	// Escrow lifecycle (entrants)
	secured.Post("/tournaments/:id/escrows", escrowService.OpenEscrow)
	secured.Get("/tournaments/:id/escrows/mine", escrowService.GetEntrantEscrow)
	secured.Get("/escrows/:id", escrowService.GetEscrow)
	secured.Post("/escrows/:id/contributions", escrowService.ContributeToEscrow)
	secured.Post("/escrows/:id/cancel", escrowService.CancelEscrow)

	// 🔒 Admin-only routes
	admin := secured.Group("/admin", middleware.AdminOnlyMiddleware())
	admin.Post("/tournaments", settlementService.CreateTournament)
	admin.Get("/tournaments/:id/summary", settlementService.GetFinancialSummary)
	admin.Get("/tournaments/:id/awards", settlementService.GetTournamentAwards)
	admin.Patch("/tournaments/:id/status", settlementService.UpdateTournamentStatus)
	admin.Post("/escrows/:id/confirm", escrowService.ConfirmEscrow)
	admin.Post("/escrows/:id/refund", escrowService.RefundEscrow)
}
