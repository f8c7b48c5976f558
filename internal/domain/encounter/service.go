package encounter

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/medscribe/medscribe/internal/platform/auth"
	"github.com/medscribe/medscribe/internal/platform/hipaa"
	"github.com/medscribe/medscribe/internal/platform/sentinel"
)

type Service struct {
	repo   Repository
	sealer hipaa.Sealer
	ledger *hipaa.Ledger
}

func NewService(repo Repository, sealer hipaa.Sealer, ledger *hipaa.Ledger) *Service {
	return &Service{repo: repo, sealer: sealer, ledger: ledger}
}

// SaveNoteInput is a save request in plaintext. An empty EncounterID
// creates a new encounter.
type SaveNoteInput struct {
	EncounterID string
	Note        string
	Transcript  string
	PatientID   string
	Template    string
	Specialty   string
}

// canAccess reports whether actor may read or change enc.
func canAccess(actor auth.Identity, enc *Encounter) bool {
	return actor.Role == auth.RoleAdmin || enc.UserID == actor.UserID
}

// SaveNote seals the note (and transcript when given) and upserts the
// encounter. Plaintext never reaches the repository.
func (s *Service) SaveNote(ctx context.Context, actor auth.Identity, in SaveNoteInput, ip string) (*Encounter, error) {
	if strings.TrimSpace(in.Note) == "" {
		return nil, fmt.Errorf("%w: note is required", sentinel.ErrValidation)
	}
	if in.EncounterID == "" {
		in.EncounterID = uuid.NewString()
	} else {
		existing, err := s.repo.GetByID(ctx, in.EncounterID)
		switch {
		case err == nil:
			if !canAccess(actor, existing) {
				return nil, sentinel.ErrForbidden
			}
		case !isNotFound(err):
			return nil, fmt.Errorf("load encounter: %w", err)
		}
	}

	noteCT, err := s.sealer.Seal(in.Note)
	if err != nil {
		return nil, fmt.Errorf("seal note: %w", err)
	}
	up := UpsertInput{
		ID:             in.EncounterID,
		UserID:         actor.UserID,
		Template:       in.Template,
		Specialty:      in.Specialty,
		NoteCiphertext: noteCT,
	}
	if in.Transcript != "" {
		ct, err := s.sealer.Seal(in.Transcript)
		if err != nil {
			return nil, fmt.Errorf("seal transcript: %w", err)
		}
		up.TranscriptCiphertext = &ct
	}
	if in.PatientID != "" {
		pid := in.PatientID
		up.PatientID = &pid
	}

	enc, err := s.repo.Upsert(ctx, up)
	if err != nil {
		return nil, fmt.Errorf("save encounter: %w", err)
	}

	s.ledger.Append(ctx, hipaa.AuditLogEntry{
		UserID:       actor.UserID,
		Action:       hipaa.ActionNoteSaved,
		ResourceType: "encounter",
		ResourceID:   enc.ID,
		IPAddress:    ip,
	})
	return enc, nil
}

// Get opens the encounter content for the owner or an admin and records
// the access. A blob that fails authentication fails the whole read.
func (s *Service) Get(ctx context.Context, actor auth.Identity, id, ip string) (*Detail, error) {
	enc, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	d := &Detail{Encounter: *enc}
	if enc.NoteEncrypted != nil {
		if d.Note, err = s.sealer.Open(*enc.NoteEncrypted); err != nil {
			return nil, fmt.Errorf("open note %s: %w", id, err)
		}
	}
	if enc.TranscriptEncrypted != nil {
		if d.Transcript, err = s.sealer.Open(*enc.TranscriptEncrypted); err != nil {
			return nil, fmt.Errorf("open transcript %s: %w", id, err)
		}
	}

	s.ledger.Append(ctx, hipaa.AuditLogEntry{
		UserID:       actor.UserID,
		Action:       hipaa.ActionNoteAccessed,
		ResourceType: "encounter",
		ResourceID:   enc.ID,
		IPAddress:    ip,
	})
	return d, nil
}

// List returns the caller's encounters, or everyone's for an admin, newest
// first. A note that cannot be opened is listed without a preview.
func (s *Service) List(ctx context.Context, actor auth.Identity, limit int) ([]Summary, error) {
	owner := actor.UserID
	if actor.Role == auth.RoleAdmin {
		owner = ""
	}
	encs, err := s.repo.List(ctx, owner, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list encounters: %w", err)
	}

	out := make([]Summary, 0, len(encs))
	for _, e := range encs {
		sum := Summary{
			ID:        e.ID,
			PatientID: e.PatientID,
			Template:  e.Template,
			Specialty: e.Specialty,
			Status:    e.Status,
			CreatedAt: e.CreatedAt,
			UpdatedAt: e.UpdatedAt,
		}
		if e.NoteEncrypted != nil {
			if note, err := s.sealer.Open(*e.NoteEncrypted); err == nil {
				p := preview(note)
				sum.Preview = &p
			}
		}
		out = append(out, sum)
	}
	return out, nil
}

// UpdateStatus moves an encounter to draft, final or amended.
func (s *Service) UpdateStatus(ctx context.Context, actor auth.Identity, id, status, ip string) (*Encounter, error) {
	if !ValidStatus(status) {
		return nil, fmt.Errorf("%w: invalid status %q", sentinel.ErrValidation, status)
	}

	var previous string
	enc, err := s.repo.Update(ctx, id, func(e *Encounter) error {
		if !canAccess(actor, e) {
			return sentinel.ErrForbidden
		}
		previous = e.Status
		e.Status = status
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update encounter status: %w", err)
	}

	s.ledger.Append(ctx, hipaa.AuditLogEntry{
		UserID:       actor.UserID,
		Action:       hipaa.ActionEncounterStatusChanged,
		ResourceType: "encounter",
		ResourceID:   enc.ID,
		Details:      previous + "->" + status,
		IPAddress:    ip,
	})
	return enc, nil
}

// SetPatientSummary stores the plain-language summary on an encounter.
func (s *Service) SetPatientSummary(ctx context.Context, actor auth.Identity, id, summary string) error {
	_, err := s.repo.Update(ctx, id, func(e *Encounter) error {
		if !canAccess(actor, e) {
			return sentinel.ErrForbidden
		}
		e.PatientSummary = &summary
		return nil
	})
	if err != nil {
		return fmt.Errorf("store patient summary: %w", err)
	}
	return nil
}

func (s *Service) load(ctx context.Context, actor auth.Identity, id string) (*Encounter, error) {
	enc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get encounter: %w", err)
	}
	if !canAccess(actor, enc) {
		// do not reveal that another user's encounter exists
		return nil, fmt.Errorf("get encounter: %w", sentinel.ErrNotFound)
	}
	return enc, nil
}
