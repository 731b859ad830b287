// services/wallet_service.go
package services

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"tournament-settlement-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInsufficientFunds — the debit would push the balance negative.
	// Surfaced verbatim to the caller so the UI can tell the user to top up.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// errWalletConflict — optimistic version check lost a race. Transient;
	// retried internally and never shown to callers.
	errWalletConflict = errors.New("wallet version conflict")
)

const walletCASRetries = 5

// WalletService is the ledger: the only component allowed to change a wallet
// balance. Every balance change writes exactly one WalletTransaction in the
// same DB transaction, so balance and ledger can never drift apart.
type WalletService struct {
	DB *gorm.DB
}

func NewWalletService(db *gorm.DB) *WalletService {
	return &WalletService{DB: db}
}

func (s *WalletService) getOrCreateWallet(tx *gorm.DB, ownerID string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := tx.Where("owner_id = ?", ownerID).First(&wallet).Error
	if err == nil {
		return &wallet, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	fresh := models.Wallet{ID: uuid.NewString(), OwnerID: ownerID}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		DoNothing: true,
	}).Create(&fresh).Error; err != nil {
		return nil, err
	}
	// Re-read: a concurrent request may have won the insert race.
	if err := tx.Where("owner_id = ?", ownerID).First(&wallet).Error; err != nil {
		return nil, err
	}
	return &wallet, nil
}

// DebitTx debits ownerID's wallet inside the caller's transaction. The
// balance decrement and the ledger append commit or roll back together.
func (s *WalletService) DebitTx(tx *gorm.DB, ownerID string, amount int64, reason models.TxnReason, reference string) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	wallet, err := s.getOrCreateWallet(tx, ownerID)
	if err != nil {
		return nil, err
	}
	if wallet.Balance < amount {
		return nil, fmt.Errorf("%w: balance %d, need %d", ErrInsufficientFunds, wallet.Balance, amount)
	}

	res := tx.Model(&models.Wallet{}).
		Where("id = ? AND version = ? AND balance >= ?", wallet.ID, wallet.Version, amount).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errWalletConflict
	}

	txn := &models.WalletTransaction{
		ID:        uuid.NewString(),
		WalletID:  wallet.ID,
		Kind:      models.TxnKindDebit,
		Amount:    amount,
		Reason:    reason,
		Reference: reference,
	}
	if err := tx.Create(txn).Error; err != nil {
		return nil, err
	}
	return txn, nil
}

// CreditTx credits ownerID's wallet inside the caller's transaction. Credits
// cannot be refused, only lost to a version race (which the caller retries).
func (s *WalletService) CreditTx(tx *gorm.DB, ownerID string, amount int64, reason models.TxnReason, reference string) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	wallet, err := s.getOrCreateWallet(tx, ownerID)
	if err != nil {
		return nil, err
	}

	res := tx.Model(&models.Wallet{}).
		Where("id = ? AND version = ?", wallet.ID, wallet.Version).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errWalletConflict
	}

	txn := &models.WalletTransaction{
		ID:        uuid.NewString(),
		WalletID:  wallet.ID,
		Kind:      models.TxnKindCredit,
		Amount:    amount,
		Reason:    reason,
		Reference: reference,
	}
	if err := tx.Create(txn).Error; err != nil {
		return nil, err
	}
	return txn, nil
}

// Debit is the standalone form: own transaction, CAS conflicts retried.
func (s *WalletService) Debit(ownerID string, amount int64, reason models.TxnReason, reference string) (*models.WalletTransaction, error) {
	return s.withRetry(func(tx *gorm.DB) (*models.WalletTransaction, error) {
		return s.DebitTx(tx, ownerID, amount, reason, reference)
	})
}

// Credit is the standalone form: own transaction, CAS conflicts retried.
func (s *WalletService) Credit(ownerID string, amount int64, reason models.TxnReason, reference string) (*models.WalletTransaction, error) {
	return s.withRetry(func(tx *gorm.DB) (*models.WalletTransaction, error) {
		return s.CreditTx(tx, ownerID, amount, reason, reference)
	})
}

func (s *WalletService) withRetry(op func(tx *gorm.DB) (*models.WalletTransaction, error)) (*models.WalletTransaction, error) {
	var txn *models.WalletTransaction
	for attempt := 0; attempt < walletCASRetries; attempt++ {
		err := s.DB.Transaction(func(tx *gorm.DB) error {
			t, err := op(tx)
			txn = t
			return err
		})
		if err == nil {
			return txn, nil
		}
		if !errors.Is(err, errWalletConflict) {
			return nil, err
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return nil, fmt.Errorf("wallet update failed after %d attempts, retry the request", walletCASRetries)
}

// Balance returns the current balance, zero for wallets that don't exist yet.
func (s *WalletService) Balance(ownerID string) (int64, error) {
	var wallet models.Wallet
	if err := s.DB.Where("owner_id = ?", ownerID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return wallet.Balance, nil
}

// --- HTTP handlers ---

// GetMyWallet returns the authenticated user's wallet balance for display.
func (s *WalletService) GetMyWallet(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "User ID not found in context"})
	}

	var wallet models.Wallet
	if err := s.DB.Where("owner_id = ?", userID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(fiber.Map{"owner_id": userID, "balance": 0, "balance_display": FormatAmount(0)})
		}
		log.Printf("DB Error fetching wallet for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(fiber.Map{
		"owner_id":        wallet.OwnerID,
		"balance":         wallet.Balance,
		"balance_display": FormatAmount(wallet.Balance),
		"updated_at":      wallet.UpdatedAt,
	})
}

// GetMyTransactions returns the authenticated user's ledger history, newest first.
func (s *WalletService) GetMyTransactions(c *fiber.Ctx) error {
	userID := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "User ID not found in context"})
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		} else {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid limit parameter"})
		}
	}

	var wallet models.Wallet
	if err := s.DB.Where("owner_id = ?", userID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON([]models.WalletTransaction{})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	var txns []models.WalletTransaction
	if err := s.DB.Where("wallet_id = ?", wallet.ID).
		Order("created_at DESC").
		Limit(limit).
		Find(&txns).Error; err != nil {
		log.Printf("DB Error fetching transactions for wallet %s: %v", wallet.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch transactions"})
	}
	return c.JSON(txns)
}

// AdminAdjustWallet credits or debits a user's wallet out-of-band (Admin only).
func (s *WalletService) AdminAdjustWallet(c *fiber.Ctx) error {
	userID := c.Params("user_id")
	type Req struct {
		Direction string `json:"direction" validate:"required,oneof=credit debit"`
		Amount    int64  `json:"amount" validate:"required,gt=0"`
		Reference string `json:"reference,omitempty"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}
	if req.Amount <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "amount must be > 0"})
	}
	reference := req.Reference
	if reference == "" {
		reference = "manual"
	}

	var txn *models.WalletTransaction
	var err error
	switch req.Direction {
	case "credit":
		txn, err = s.Credit(userID, req.Amount, models.TxnReasonAdminAdjustment, reference)
	case "debit":
		txn, err = s.Debit(userID, req.Amount, models.TxnReasonAdminAdjustment, reference)
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "direction must be 'credit' or 'debit'"})
	}
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "insufficient funds"})
		}
		log.Printf("Admin adjustment failed for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "adjustment failed"})
	}

	log.Printf("💰 Admin adjustment: %s %d for user %s (ref=%s)", req.Direction, req.Amount, userID, reference)
	return c.Status(fiber.StatusCreated).JSON(txn)
}
