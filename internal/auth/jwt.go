package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"

	"ipgate/internal/support"
)

const (
	RoleAdmin     = "admin"
	tokenLifetime = 24 * time.Hour
)

var ErrInvalidToken = errors.New("auth: invalid token")

var (
	fallbackSecretOnce sync.Once
	fallbackSecret     []byte
)

func jwtSecret() []byte {
	if secret := strings.TrimSpace(support.GetEnv("JWT_SECRET", "")); secret != "" {
		return []byte(secret)
	}

	fallbackSecretOnce.Do(func() {
		fallbackSecret = make([]byte, 32)
		if _, err := rand.Read(fallbackSecret); err != nil {
			panic("auth: cannot generate jwt secret: " + err.Error())
		}
		log.Warn("JWT_SECRET not set, tokens will not survive a restart")
	})
	return fallbackSecret
}

func GenerateJWT(username, role string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"username": username,
		"role":     role,
		"iat":      now.Unix(),
		"exp":      now.Add(tokenLifetime).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(jwtSecret())
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ValidateJWT(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return jwtSecret(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
