package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medscribe/medscribe/internal/platform/db"
	"github.com/medscribe/medscribe/internal/platform/sentinel"
)

const pgUniqueViolation = "23505"

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const userCols = `id, email, hashed_password, full_name, role, specialty,
	default_template, is_active, created_at`

func (r *repoPG) Create(ctx context.Context, u *User) error {
	u.prepare()
	u.ID = uuid.NewString()
	u.IsActive = true
	u.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)

	err := db.WithConn(ctx, r.pool, func(q db.Querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO users (`+userCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			u.ID, u.Email, u.PasswordDigest, u.FullName, u.Role, u.Specialty,
			u.DefaultTemplate, u.IsActive, u.CreatedAt,
		)
		return err
	})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return sentinel.ErrDuplicateEmail
	}
	return err
}

func (r *repoPG) GetByEmail(ctx context.Context, email string) (*User, error) {
	var u *User
	err := db.WithConn(ctx, r.pool, func(q db.Querier) error {
		var err error
		u, err = scanUser(q.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE email = $1`, NormalizeEmail(email)))
		return err
	})
	return u, err
}

func (r *repoPG) GetByID(ctx context.Context, id string) (*User, error) {
	var u *User
	err := db.WithConn(ctx, r.pool, func(q db.Querier) error {
		var err error
		u, err = scanUser(q.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
		return err
	})
	return u, err
}

func (r *repoPG) UpdateAccess(ctx context.Context, id string, upd AccessUpdate) (*User, error) {
	var u *User
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		u, err = scanUser(tx.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		upd.Apply(u)
		_, err = tx.Exec(ctx,
			`UPDATE users SET role = $2, specialty = $3, is_active = $4 WHERE id = $1`,
			u.ID, u.Role, u.Specialty, u.IsActive)
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordDigest, &u.FullName, &u.Role, &u.Specialty,
		&u.DefaultTemplate, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
