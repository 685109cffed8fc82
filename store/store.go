package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Account status values. Transitions are one-way: pending accounts may become
// completed; completed and ignored accounts are terminal and never processed.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusIgnore    = "ignore"
)

var (
	// ErrNotFound is returned when no account matches the requested address.
	ErrNotFound = errors.New("store: account not found")
	// ErrTerminalStatus is returned when a patch attempts to change the
	// status of a completed or ignored account.
	ErrTerminalStatus = errors.New("store: account status is terminal")
)

// Account is the persisted record of one compromised wallet, its replacement
// destination, and any claim voucher left over from an interrupted run.
type Account struct {
	Address    string `gorm:"primaryKey;size:64"`
	PrivateKey string `gorm:"column:private_key;size:128"`
	NewAddress string `gorm:"column:new_address;size:64"`
	VaultID    *int64 `gorm:"column:vault_id"`
	Status     string `gorm:"size:16;index;default:pending"`

	// Claim metadata from a previous interrupted run. TokenIDs is a
	// comma-separated decimal list.
	ClaimTxID      string `gorm:"column:claim_tx_id;size:64"`
	ClaimTimestamp int64  `gorm:"column:claim_timestamp"`
	ClaimSignature string `gorm:"column:claim_signature;size:256"`
	ClaimTokenIDs  string `gorm:"column:claim_token_ids"`

	UpdatedAt time.Time
}

// TokenIDList parses the persisted claim token ids. An empty column yields nil.
func (a Account) TokenIDList() []int64 {
	raw := strings.TrimSpace(a.ClaimTokenIDs)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		var id int64
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// HasClaimVoucher reports whether the record carries a usable claim voucher.
func (a Account) HasClaimVoucher() bool {
	return strings.TrimSpace(a.ClaimTxID) != "" && strings.TrimSpace(a.ClaimSignature) != ""
}

// Patch describes a partial account update. Nil fields are left unchanged.
type Patch struct {
	NewAddress     *string
	VaultID        *int64
	Status         *string
	ClaimTxID      *string
	ClaimTimestamp *int64
	ClaimSignature *string
	ClaimTokenIDs  *string
}

// Store persists account records behind gorm. Production runs use postgres;
// tests substitute the sqlite driver through OpenWith.
type Store struct {
	db *gorm.DB
}

// Open connects to the postgres database identified by dsn and migrates the
// accounts table.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("store: dsn required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	return OpenWith(db)
}

// OpenWith wraps an already-opened gorm handle and migrates the schema.
func OpenWith(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Account{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ReadAll returns every account record.
func (s *Store) ReadAll(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := s.db.WithContext(ctx).Order("address").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("store: read all: %w", err)
	}
	return accounts, nil
}

// ReadPending returns the accounts still eligible for processing. Ignored and
// completed accounts are never selected.
func (s *Store) ReadPending(ctx context.Context) ([]Account, error) {
	var accounts []Account
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("address").
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("store: read pending: %w", err)
	}
	return accounts, nil
}

// ReadByAddress returns the account for the given wallet address.
func (s *Store) ReadByAddress(ctx context.Context, address string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("address = ?", address).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("store: read %s: %w", address, err)
	}
	return account, nil
}

// Update applies the patch to the account. Fields left nil in the patch are
// untouched. Status changes away from a terminal status are rejected.
func (s *Store) Update(ctx context.Context, address string, patch Patch) error {
	current, err := s.ReadByAddress(ctx, address)
	if err != nil {
		return err
	}
	if patch.Status != nil && current.Status != StatusPending && *patch.Status != current.Status {
		return ErrTerminalStatus
	}

	updates := map[string]interface{}{"updated_at": time.Now().UTC()}
	if patch.NewAddress != nil {
		updates["new_address"] = *patch.NewAddress
	}
	if patch.VaultID != nil {
		updates["vault_id"] = *patch.VaultID
	}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.ClaimTxID != nil {
		updates["claim_tx_id"] = *patch.ClaimTxID
	}
	if patch.ClaimTimestamp != nil {
		updates["claim_timestamp"] = *patch.ClaimTimestamp
	}
	if patch.ClaimSignature != nil {
		updates["claim_signature"] = *patch.ClaimSignature
	}
	if patch.ClaimTokenIDs != nil {
		updates["claim_token_ids"] = *patch.ClaimTokenIDs
	}

	err = s.db.WithContext(ctx).Model(&Account{}).Where("address = ?", address).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("store: update %s: %w", address, err)
	}
	return nil
}

// Insert persists a new account record. Status defaults to pending.
func (s *Store) Insert(ctx context.Context, account Account) error {
	if strings.TrimSpace(account.Address) == "" {
		return fmt.Errorf("store: address required")
	}
	if account.Status == "" {
		account.Status = StatusPending
	}
	account.UpdatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		return fmt.Errorf("store: insert %s: %w", account.Address, err)
	}
	return nil
}

// CurrentMaxVaultID returns the highest provisioned vault id, or zero when no
// account has a vault bound yet. The dispatcher derives new vault names from it.
func (s *Store) CurrentMaxVaultID(ctx context.Context) (int64, error) {
	var max *int64
	err := s.db.WithContext(ctx).Model(&Account{}).
		Select("MAX(vault_id)").
		Scan(&max).Error
	if err != nil {
		return 0, fmt.Errorf("store: max vault id: %w", err)
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}
