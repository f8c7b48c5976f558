package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/medscribe/medscribe/internal/platform/auth"
	"github.com/medscribe/medscribe/internal/platform/hipaa"
	"github.com/medscribe/medscribe/internal/platform/sentinel"
)

// TokenIssuer is implemented by *auth.Issuer.
type TokenIssuer interface {
	Issue(userID, email, role string, ttl time.Duration) (string, error)
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	FullName    string `json:"full_name"`
}

// RegisterInput describes a self-registration.
type RegisterInput struct {
	Email     string
	Password  string
	FullName  string
	Role      string
	Specialty string
}

type Service struct {
	repo   Repository
	tokens TokenIssuer
	ledger *hipaa.Ledger
	ttl    time.Duration
}

func NewService(repo Repository, tokens TokenIssuer, ledger *hipaa.Ledger, ttl time.Duration) *Service {
	return &Service{repo: repo, tokens: tokens, ledger: ledger, ttl: ttl}
}

// Register creates a physician or scribe account and signs a token for it.
// Admin accounts are granted through UpdateAccess only.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	if in.Role == "" {
		in.Role = auth.RolePhysician
	}
	if in.Role != auth.RolePhysician && in.Role != auth.RoleScribe {
		return nil, fmt.Errorf("%w: role must be physician or scribe", sentinel.ErrValidation)
	}

	digest, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &User{
		Email:          in.Email,
		PasswordDigest: digest,
		FullName:       in.FullName,
		Role:           in.Role,
		Specialty:      in.Specialty,
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return s.issue(u)
}

// dummyDigest keeps the cost of a login for an unknown email equal to a
// wrong password.
var dummyDigest = sync.OnceValue(func() string {
	d, _ := auth.HashPassword("medscribe-placeholder-password")
	return d
})

// Login verifies credentials. Unknown email, wrong password and disabled
// accounts are all reported as sentinel.ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password, ip string) (*AuthResult, error) {
	u, err := s.repo.GetByEmail(ctx, email)
	if errors.Is(err, sentinel.ErrNotFound) {
		auth.CheckPassword(dummyDigest(), password)
		return nil, sentinel.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if !auth.CheckPassword(u.PasswordDigest, password) || !u.IsActive {
		return nil, sentinel.ErrInvalidCredentials
	}

	res, err := s.issue(u)
	if err != nil {
		return nil, err
	}
	s.ledger.Append(ctx, hipaa.AuditLogEntry{
		UserID:    u.ID,
		Action:    hipaa.ActionLogin,
		IPAddress: ip,
	})
	return res, nil
}

func (s *Service) issue(u *User) (*AuthResult, error) {
	token, err := s.tokens.Issue(u.ID, u.Email, u.Role, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &AuthResult{
		AccessToken: token,
		TokenType:   "bearer",
		UserID:      u.ID,
		Role:        u.Role,
		FullName:    u.FullName,
	}, nil
}

// Me returns the profile of the authenticated user.
func (s *Service) Me(ctx context.Context, userID string) (*User, error) {
	u, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// UpdateAccess changes role, specialty or the active flag of a user and
// records who did it.
func (s *Service) UpdateAccess(ctx context.Context, actorID, targetID string, upd AccessUpdate, ip string) (*User, error) {
	if upd.Empty() {
		return nil, fmt.Errorf("%w: nothing to update", sentinel.ErrValidation)
	}
	if upd.Role != nil && !auth.ValidRole(*upd.Role) {
		return nil, fmt.Errorf("%w: unknown role %q", sentinel.ErrValidation, *upd.Role)
	}

	u, err := s.repo.UpdateAccess(ctx, targetID, upd)
	if err != nil {
		return nil, fmt.Errorf("update user access: %w", err)
	}

	s.ledger.Append(ctx, hipaa.AuditLogEntry{
		UserID:       actorID,
		Action:       hipaa.ActionUserUpdated,
		ResourceType: "user",
		ResourceID:   u.ID,
		Details:      describeUpdate(upd),
		IPAddress:    ip,
	})
	return u, nil
}

// SetRoleByEmail is the operator path for granting roles, admin included.
func (s *Service) SetRoleByEmail(ctx context.Context, actorID, email, role string) (*User, error) {
	u, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return s.UpdateAccess(ctx, actorID, u.ID, AccessUpdate{Role: &role}, "")
}

func describeUpdate(upd AccessUpdate) string {
	var parts []string
	if upd.Role != nil {
		parts = append(parts, "role="+*upd.Role)
	}
	if upd.Specialty != nil {
		parts = append(parts, "specialty="+*upd.Specialty)
	}
	if upd.IsActive != nil {
		parts = append(parts, fmt.Sprintf("is_active=%t", *upd.IsActive))
	}
	return strings.Join(parts, ", ")
}
