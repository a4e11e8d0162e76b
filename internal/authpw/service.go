// Package authpw verifies the single-user password for API login.
package authpw

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidPassword = errors.New("invalid password")

// Service checks login attempts against a bcrypt hash configured at
// deploy time. The assistant serves one user, so there is no user table.
type Service struct {
	passwordHash []byte
}

func NewService(passwordHash string) *Service {
	return &Service{passwordHash: []byte(passwordHash)}
}

// Configured reports whether a password hash was provided. When it is
// not, the API runs open (local development).
func (s *Service) Configured() bool {
	return len(s.passwordHash) > 0
}

// Verify compares the password against the configured hash.
func (s *Service) Verify(password string) error {
	if password == "" {
		return ErrInvalidPassword
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return ErrInvalidPassword
	}
	return nil
}

// GenerateRefreshToken creates a secure random refresh token.
func GenerateRefreshToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
