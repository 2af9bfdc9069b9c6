package devices

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/cedarledger/cedarledger/internal/tenant"
)

// ErrBadToken indicates the presented device token does not match.
var ErrBadToken = errors.New("devices: invalid token")

// Service registers terminals and authenticates their sync calls.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService constructs the device service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Register creates a device for the company and returns its one-time token.
// Re-registering an existing code returns the device without a token unless
// resetToken is set.
func (s *Service) Register(ctx context.Context, scope tenant.Scope, code string, branchID *uuid.UUID, resetToken bool) (Device, string, error) {
	if code == "" {
		return Device{}, "", errors.New("devices: device code required")
	}

	existing, err := s.repo.GetByCode(ctx, scope, code)
	switch {
	case err == nil:
		if !resetToken && len(existing.TokenHash) > 0 {
			return existing, "", nil
		}
		token, hash, err := newToken()
		if err != nil {
			return Device{}, "", err
		}
		if err := s.repo.UpdateTokenHash(ctx, scope, existing.ID, hash); err != nil {
			return Device{}, "", err
		}
		existing.TokenHash = hash
		return existing, token, nil
	case errors.Is(err, ErrNotFound):
	default:
		return Device{}, "", err
	}

	token, hash, err := newToken()
	if err != nil {
		return Device{}, "", err
	}
	device := Device{
		ID:         uuid.New(),
		CompanyID:  scope.CompanyID,
		BranchID:   branchID,
		DeviceCode: code,
		TokenHash:  hash,
		CreatedAt:  s.now(),
	}
	if err := s.repo.Insert(ctx, device); err != nil {
		return Device{}, "", err
	}
	return device, token, nil
}

// Authenticate verifies a device id + token pair and returns the device.
func (s *Service) Authenticate(ctx context.Context, id uuid.UUID, token string) (Device, error) {
	if id == uuid.Nil || token == "" {
		return Device{}, ErrBadToken
	}
	device, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Device{}, ErrBadToken
		}
		return Device{}, err
	}
	if len(device.TokenHash) == 0 {
		return Device{}, ErrBadToken
	}
	if err := bcrypt.CompareHashAndPassword(device.TokenHash, []byte(token)); err != nil {
		return Device{}, ErrBadToken
	}
	return device, nil
}

// List returns the company's registered devices.
func (s *Service) List(ctx context.Context, scope tenant.Scope) ([]Device, error) {
	return s.repo.List(ctx, scope)
}

func newToken() (string, []byte, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("devices: generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("devices: hash token: %w", err)
	}
	return token, hash, nil
}
