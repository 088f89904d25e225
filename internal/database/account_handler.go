package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"ipgate/internal/domain"
)

var ErrAccountExists = errors.New("account already exists")

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func normalizeIP(ip string) string {
	return strings.ToLower(strings.TrimSpace(ip))
}

// CountAccountsByIP counts accounts whose last known IP is ip.
func CountAccountsByIP(ctx context.Context, ip string) (int, error) {
	db, err := conn()
	if err != nil {
		return 0, err
	}

	var count int64
	if err := db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("last_ip = ?", normalizeIP(ip)).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count accounts for %s: %w", ip, err)
	}

	return int(count), nil
}

// ListAccountNamesByIP returns the account names tied to ip, ordered by name.
func ListAccountNamesByIP(ctx context.Context, ip string) ([]string, error) {
	db, err := conn()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0)
	if err := db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("last_ip = ?", normalizeIP(ip)).
		Order("username ASC").
		Pluck("real_name", &names).Error; err != nil {
		return nil, fmt.Errorf("list accounts for %s: %w", ip, err)
	}

	return names, nil
}

// IsAuthenticated reports whether the account is currently logged in.
// Unknown accounts are not authenticated.
func IsAuthenticated(ctx context.Context, name string) (bool, error) {
	db, err := conn()
	if err != nil {
		return false, err
	}

	var account domain.Account
	err = db.WithContext(ctx).
		Select("is_logged").
		Where("username = ?", normalizeName(name)).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("authentication state of %s: %w", name, err)
	}

	return account.IsLogged, nil
}

func CreateAccount(ctx context.Context, name, ip string) (*domain.Account, error) {
	db, err := conn()
	if err != nil {
		return nil, err
	}

	account := &domain.Account{
		Username:       name,
		RealName:       strings.TrimSpace(name),
		LastIP:         ip,
		RegistrationIP: ip,
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&domain.Account{}).
			Where("username = ?", normalizeName(name)).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrAccountExists
		}
		return tx.Create(account).Error
	})
	if err != nil {
		return nil, err
	}

	return account, nil
}

func GetAccount(ctx context.Context, name string) (*domain.Account, error) {
	db, err := conn()
	if err != nil {
		return nil, err
	}

	var account domain.Account
	if err := db.WithContext(ctx).Where("username = ?", normalizeName(name)).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// SetLoggedIn flips the logged state and, when ip is set, records it as the
// last known address.
func SetLoggedIn(ctx context.Context, name, ip string, loggedIn bool) error {
	db, err := conn()
	if err != nil {
		return err
	}

	updates := map[string]any{"is_logged": loggedIn}
	if ip = normalizeIP(ip); ip != "" {
		updates["last_ip"] = ip
	}

	result := db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("username = ?", normalizeName(name)).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ClearLastIPForIP detaches every account from ip and returns how many were
// changed.
func ClearLastIPForIP(ctx context.Context, ip string) (int64, error) {
	db, err := conn()
	if err != nil {
		return 0, err
	}

	result := db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("last_ip = ?", normalizeIP(ip)).
		Update("last_ip", "")
	return result.RowsAffected, result.Error
}

func ClearAllLastIP(ctx context.Context) (int64, error) {
	db, err := conn()
	if err != nil {
		return 0, err
	}

	result := db.WithContext(ctx).
		Model(&domain.Account{}).
		Where("last_ip <> ?", "").
		Update("last_ip", "")
	return result.RowsAffected, result.Error
}
