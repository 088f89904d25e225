package auth

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"ipgate/internal/support"
)

// CheckPassword reports whether password matches the bcrypt hash.
func CheckPassword(hash, password string) bool {
	if hash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// AuthenticateAdmin checks the credentials against ADMIN_USERNAME and
// ADMIN_PASSWORD_HASH. Without both variables nobody can log in.
func AuthenticateAdmin(username, password string) bool {
	wantUser := strings.TrimSpace(support.GetEnv("ADMIN_USERNAME", ""))
	wantHash := strings.TrimSpace(support.GetEnv("ADMIN_PASSWORD_HASH", ""))
	if wantUser == "" || wantHash == "" {
		return false
	}

	userMatch := subtle.ConstantTimeCompare([]byte(strings.TrimSpace(username)), []byte(wantUser)) == 1
	passMatch := CheckPassword(wantHash, password)
	return userMatch && passMatch
}
