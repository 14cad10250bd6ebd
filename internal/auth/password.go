package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/homelab-dash/gatekeeper/internal/config"
)

// BcryptCost is used for all password hashing.
const BcryptCost = 12

var ErrPasswordPolicy = errors.New("password does not meet policy requirements")

// PasswordPolicy validates candidate passwords against the configured
// complexity rules.
type PasswordPolicy struct {
	minLength      int
	requireUpper   bool
	requireLower   bool
	requireDigit   bool
	requireSpecial bool
	historyKeep    int
}

func NewPasswordPolicy(cfg config.PasswordConfig) *PasswordPolicy {
	return &PasswordPolicy{
		minLength:      cfg.MinLength,
		requireUpper:   cfg.RequireUpper,
		requireLower:   cfg.RequireLower,
		requireDigit:   cfg.RequireNumber,
		requireSpecial: cfg.RequireSpecial,
		historyKeep:    cfg.HistoryDepth,
	}
}

// HistoryDepth is how many previous hashes a reuse check covers.
func (p *PasswordPolicy) HistoryDepth() int {
	return p.historyKeep
}

// Validate returns ErrPasswordPolicy wrapped with the specific failures.
func (p *PasswordPolicy) Validate(password string) error {
	var problems []string

	if len(password) < p.minLength {
		problems = append(problems, fmt.Sprintf("must be at least %d characters", p.minLength))
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	if p.requireUpper && !hasUpper {
		problems = append(problems, "must contain an uppercase letter")
	}
	if p.requireLower && !hasLower {
		problems = append(problems, "must contain a lowercase letter")
	}
	if p.requireDigit && !hasDigit {
		problems = append(problems, "must contain a digit")
	}
	if p.requireSpecial && !hasSpecial {
		problems = append(problems, "must contain a special character")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrPasswordPolicy, strings.Join(problems, "; "))
	}
	return nil
}

// PasswordHasher wraps bcrypt and carries a dummy hash so that login
// attempts against unknown usernames burn the same amount of time as
// attempts against real accounts.
type PasswordHasher struct {
	dummyHash []byte
}

func NewPasswordHasher() (*PasswordHasher, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte("gatekeeper-timing-baseline"), BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}
	return &PasswordHasher{dummyHash: dummy}, nil
}

func (h *PasswordHasher) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// Verify reports whether password matches hash.
func (h *PasswordHasher) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// VerifyDummy performs a comparison against the baseline hash. Callers use
// it on the unknown-username path so response timing does not reveal
// whether an account exists.
func (h *PasswordHasher) VerifyDummy(password string) {
	_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(password))
}
