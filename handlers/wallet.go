package handlers

import (
	"tournament-settlement-system/middleware"
	"tournament-settlement-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupWalletRoutes(app *fiber.App, walletService *services.WalletService) {
	// 🔐 Authenticated routes
	secured := app.Group("/", middleware.UserContextMiddleware())
	secured.Get("/wallets/me", walletService.GetMyWallet)
	secured.Get("/wallets/me/transactions", walletService.GetMyTransactions)

	// 🔒 Admin-only routes
	admin := secured.Group("/admin", middleware.AdminOnlyMiddleware())
	admin.Post("/wallets/:user_id/adjust", walletService.AdminAdjustWallet)
}
