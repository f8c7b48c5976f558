// Package persistence is the dual-mode gateway in front of the user,
// encounter and audit stores. The mode is resolved once by the startup
// probe and never changes afterwards.
package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/medscribe/medscribe/internal/domain/encounter"
	"github.com/medscribe/medscribe/internal/domain/identity"
	"github.com/medscribe/medscribe/internal/platform/db"
	"github.com/medscribe/medscribe/internal/platform/hipaa"
	"github.com/medscribe/medscribe/internal/platform/sentinel"
)

// Stores are the backends the gateway serves from. Audit is nil in
// fallback mode, where the ledger ring is the only audit backend.
type Stores struct {
	Users      identity.Repository
	Encounters encounter.Repository
	Audit      hipaa.AuditStore
}

// Gateway routes every operation to the stores of the resolved mode. In
// ModeAvailable backend failures are returned wrapping
// sentinel.ErrTransientBackend; domain errors pass through unchanged.
type Gateway struct {
	mode   db.Mode
	pool   *pgxpool.Pool
	stores Stores
	logger zerolog.Logger
}

// Open probes the durable backend and builds the gateway for the result.
func Open(ctx context.Context, cfg db.ProbeConfig, logger zerolog.Logger) *Gateway {
	pool, mode := db.Probe(ctx, cfg, logger)
	if mode != db.ModeAvailable {
		return NewFallback(logger)
	}
	return New(db.ModeAvailable, pool, Stores{
		Users:      identity.NewRepo(pool),
		Encounters: encounter.NewRepo(pool),
		Audit:      hipaa.NewPGAuditStore(pool),
	}, logger)
}

// NewFallback returns a gateway backed by fresh in-memory stores.
func NewFallback(logger zerolog.Logger) *Gateway {
	return New(db.ModeFallback, nil, Stores{
		Users:      identity.NewMemoryRepo(),
		Encounters: encounter.NewMemoryRepo(),
	}, logger)
}

// New builds a gateway over explicit stores. pool may be nil.
func New(mode db.Mode, pool *pgxpool.Pool, stores Stores, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		mode:   mode,
		pool:   pool,
		stores: stores,
		logger: logger.With().Str("component", "persistence").Logger(),
	}
	g.logger.Info().Str("mode", mode.String()).Msg("persistence gateway ready")
	return g
}

func (g *Gateway) Mode() db.Mode { return g.mode }

// Pool returns the durable pool, nil in fallback mode.
func (g *Gateway) Pool() *pgxpool.Pool { return g.pool }

// Close releases the pool, if any.
func (g *Gateway) Close() {
	if g.pool != nil {
		g.pool.Close()
	}
}

func isDomainError(err error) bool {
	for _, k := range []error{
		sentinel.ErrNotFound,
		sentinel.ErrDuplicateEmail,
		sentinel.ErrValidation,
		sentinel.ErrForbidden,
		sentinel.ErrAuthenticationFailure,
	} {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

func (g *Gateway) wrap(op string, err error) error {
	if err == nil || g.mode != db.ModeAvailable || isDomainError(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, sentinel.ErrTransientBackend, err)
}

// Users returns the user store with the failure policy applied.
func (g *Gateway) Users() identity.Repository { return userStore{g} }

// Encounters returns the encounter store with the failure policy applied.
func (g *Gateway) Encounters() encounter.Repository { return encounterStore{g} }

// AuditStore returns the durable audit store, or nil in fallback mode.
func (g *Gateway) AuditStore() hipaa.AuditStore {
	if g.stores.Audit == nil {
		return nil
	}
	return auditStore{g}
}

// CreateUser stores a new user. Email uniqueness is checked by the active
// backend only.
func (g *Gateway) CreateUser(ctx context.Context, email, passwordDigest, fullName, role, specialty string) (*identity.User, error) {
	u := &identity.User{
		Email:          email,
		PasswordDigest: passwordDigest,
		FullName:       fullName,
		Role:           role,
		Specialty:      specialty,
	}
	if err := g.Users().Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// AuthenticateLookup finds a user by email for credential checks.
func (g *Gateway) AuthenticateLookup(ctx context.Context, email string) (*identity.User, error) {
	return g.Users().GetByEmail(ctx, email)
}

func (g *Gateway) GetUser(ctx context.Context, id string) (*identity.User, error) {
	return g.Users().GetByID(ctx, id)
}

func (g *Gateway) UpdateUserAccess(ctx context.Context, id string, upd identity.AccessUpdate) (*identity.User, error) {
	return g.Users().UpdateAccess(ctx, id, upd)
}

func (g *Gateway) UpsertEncounter(ctx context.Context, in encounter.UpsertInput) (*encounter.Encounter, error) {
	return g.Encounters().Upsert(ctx, in)
}

func (g *Gateway) GetEncounter(ctx context.Context, id string) (*encounter.Encounter, error) {
	return g.Encounters().GetByID(ctx, id)
}

func (g *Gateway) UpdateEncounter(ctx context.Context, id string, mutate func(*encounter.Encounter) error) (*encounter.Encounter, error) {
	return g.Encounters().Update(ctx, id, mutate)
}

// ListEncounters returns every user's encounters, newest created first.
func (g *Gateway) ListEncounters(ctx context.Context, limit int) ([]*encounter.Encounter, error) {
	return g.Encounters().List(ctx, "", limit)
}

type userStore struct{ g *Gateway }

func (s userStore) Create(ctx context.Context, u *identity.User) error {
	return s.g.wrap("create user", s.g.stores.Users.Create(ctx, u))
}

func (s userStore) GetByEmail(ctx context.Context, email string) (*identity.User, error) {
	u, err := s.g.stores.Users.GetByEmail(ctx, email)
	return u, s.g.wrap("lookup user", err)
}

func (s userStore) GetByID(ctx context.Context, id string) (*identity.User, error) {
	u, err := s.g.stores.Users.GetByID(ctx, id)
	return u, s.g.wrap("get user", err)
}

func (s userStore) UpdateAccess(ctx context.Context, id string, upd identity.AccessUpdate) (*identity.User, error) {
	u, err := s.g.stores.Users.UpdateAccess(ctx, id, upd)
	return u, s.g.wrap("update user access", err)
}

type encounterStore struct{ g *Gateway }

func (s encounterStore) Upsert(ctx context.Context, in encounter.UpsertInput) (*encounter.Encounter, error) {
	e, err := s.g.stores.Encounters.Upsert(ctx, in)
	return e, s.g.wrap("upsert encounter", err)
}

func (s encounterStore) GetByID(ctx context.Context, id string) (*encounter.Encounter, error) {
	e, err := s.g.stores.Encounters.GetByID(ctx, id)
	return e, s.g.wrap("get encounter", err)
}

func (s encounterStore) Update(ctx context.Context, id string, mutate func(*encounter.Encounter) error) (*encounter.Encounter, error) {
	e, err := s.g.stores.Encounters.Update(ctx, id, mutate)
	return e, s.g.wrap("update encounter", err)
}

func (s encounterStore) List(ctx context.Context, userID string, limit int) ([]*encounter.Encounter, error) {
	out, err := s.g.stores.Encounters.List(ctx, userID, limit)
	return out, s.g.wrap("list encounters", err)
}

type auditStore struct{ g *Gateway }

func (s auditStore) Append(ctx context.Context, entry hipaa.AuditLogEntry) error {
	return s.g.wrap("append audit entry", s.g.stores.Audit.Append(ctx, entry))
}

func (s auditStore) Recent(ctx context.Context, limit int) ([]hipaa.AuditLogEntry, error) {
	out, err := s.g.stores.Audit.Recent(ctx, limit)
	return out, s.g.wrap("read audit log", err)
}
