package encounter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medscribe/medscribe/internal/platform/db"
	"github.com/medscribe/medscribe/internal/platform/sentinel"
)

type repoPG struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool, now: time.Now}
}

const encCols = `id, user_id, patient_id, template, specialty,
	transcript_encrypted, note_encrypted, patient_summary, status,
	created_at, updated_at`

func (r *repoPG) stamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

func (r *repoPG) Upsert(ctx context.Context, in UpsertInput) (*Encounter, error) {
	in.defaults()
	now := r.stamp()

	var enc *Encounter
	err := db.WithConn(ctx, r.pool, func(q db.Querier) error {
		var err error
		enc, err = scanEnc(q.QueryRow(ctx, `
			INSERT INTO encounters (
				id, user_id, patient_id, template, specialty,
				transcript_encrypted, note_encrypted, status, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,'draft',$8,$8)
			ON CONFLICT (id) DO UPDATE SET
				note_encrypted = EXCLUDED.note_encrypted,
				transcript_encrypted = COALESCE(EXCLUDED.transcript_encrypted, encounters.transcript_encrypted),
				status = CASE WHEN encounters.status = 'final' THEN 'amended' ELSE encounters.status END,
				updated_at = GREATEST(EXCLUDED.updated_at, encounters.updated_at)
			RETURNING `+encCols,
			in.ID, in.UserID, in.PatientID, in.Template, in.Specialty,
			in.TranscriptCiphertext, in.NoteCiphertext, now,
		))
		return err
	})
	return enc, err
}

func (r *repoPG) GetByID(ctx context.Context, id string) (*Encounter, error) {
	var enc *Encounter
	err := db.WithConn(ctx, r.pool, func(q db.Querier) error {
		var err error
		enc, err = scanEnc(q.QueryRow(ctx, `SELECT `+encCols+` FROM encounters WHERE id = $1`, id))
		return err
	})
	return enc, err
}

func (r *repoPG) Update(ctx context.Context, id string, mutate func(*Encounter) error) (*Encounter, error) {
	var enc *Encounter
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		enc, err = scanEnc(tx.QueryRow(ctx, `SELECT `+encCols+` FROM encounters WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := mutate(enc); err != nil {
			return err
		}
		enc.UpdatedAt = laterOf(r.stamp(), enc.UpdatedAt)
		_, err = tx.Exec(ctx,
			`UPDATE encounters SET status = $2, patient_summary = $3, updated_at = $4 WHERE id = $1`,
			enc.ID, enc.Status, enc.PatientSummary, enc.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return enc, nil
}

func (r *repoPG) List(ctx context.Context, userID string, limit int) ([]*Encounter, error) {
	var out []*Encounter
	err := db.WithConn(ctx, r.pool, func(q db.Querier) error {
		rows, err := q.Query(ctx, `
			SELECT `+encCols+` FROM encounters
			WHERE ($1 = '' OR user_id = $1)
			ORDER BY created_at DESC, id
			LIMIT $2`, userID, clampLimit(limit))
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			enc, err := scanEnc(rows)
			if err != nil {
				return err
			}
			out = append(out, enc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanEnc(row pgx.Row) (*Encounter, error) {
	var e Encounter
	err := row.Scan(&e.ID, &e.UserID, &e.PatientID, &e.Template, &e.Specialty,
		&e.TranscriptEncrypted, &e.NoteEncrypted, &e.PatientSummary, &e.Status,
		&e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
