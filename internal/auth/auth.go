// Package auth registers and verifies accounts against the remote
// store's per-user manifest documents.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/conorfennell/flowcards/internal/couch"
)

// ErrInvalidCredentials is returned for both unknown accounts and wrong
// passwords, so a login probe cannot tell which one it hit.
var ErrInvalidCredentials = errors.New("invalid email or password")

// ErrAccountExists is returned when registering an email that already
// has a password set.
var ErrAccountExists = errors.New("an account with this email already exists")

var validate = validator.New()

type credentials struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=8"`
}

// Service authenticates against the remote document store.
type Service struct {
	client *couch.Client
}

func NewService(client *couch.Client) *Service {
	return &Service{client: client}
}

// Register creates an account. An existing manifest without a password
// (left by a pre-account sync) is claimed rather than rejected.
func (s *Service) Register(ctx context.Context, email, password string) error {
	if err := validate.Struct(credentials{Email: email, Password: password}); err != nil {
		return fmt.Errorf("invalid registration details: %w", err)
	}

	doc, err := s.client.GetUserDoc(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to check for existing account: %w", err)
	}
	if doc != nil && doc.PasswordHash != "" {
		return ErrAccountExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if doc == nil {
		doc = &couch.UserDoc{Type: "user", Username: email}
	}
	doc.PasswordHash = string(hash)
	doc.UpdatedAt = time.Now().UnixMilli()

	if err := s.client.PutUserDoc(ctx, *doc); err != nil {
		return fmt.Errorf("failed to store account: %w", err)
	}
	slog.Info("registered account", "user", couch.SanitizeUsername(email))
	return nil
}

// Login verifies the password for an account. Unknown accounts and
// wrong passwords fail identically.
func (s *Service) Login(ctx context.Context, email, password string) error {
	doc, err := s.client.GetUserDoc(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to fetch account: %w", err)
	}
	if doc == nil || doc.PasswordHash == "" {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(doc.PasswordHash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
