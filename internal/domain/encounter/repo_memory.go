package encounter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/medscribe/medscribe/internal/platform/sentinel"
)

// MemoryRepo is the fallback encounter store. Callers always receive
// copies.
type MemoryRepo struct {
	mu   sync.RWMutex
	byID map[string]*Encounter
	now  func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[string]*Encounter), now: time.Now}
}

func (m *MemoryRepo) stamp() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

func (m *MemoryRepo) Upsert(_ context.Context, in UpsertInput) (*Encounter, error) {
	in.defaults()
	now := m.stamp()

	m.mu.Lock()
	defer m.mu.Unlock()

	enc, ok := m.byID[in.ID]
	if !ok {
		note := in.NoteCiphertext
		enc = &Encounter{
			ID:                  in.ID,
			UserID:              in.UserID,
			PatientID:           in.PatientID,
			Template:            in.Template,
			Specialty:           in.Specialty,
			TranscriptEncrypted: in.TranscriptCiphertext,
			NoteEncrypted:       &note,
			Status:              StatusDraft,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		m.byID[in.ID] = enc
		return copyEnc(enc), nil
	}

	note := in.NoteCiphertext
	enc.NoteEncrypted = &note
	if in.TranscriptCiphertext != nil {
		enc.TranscriptEncrypted = in.TranscriptCiphertext
	}
	enc.Status = statusAfterResave(enc.Status)
	enc.UpdatedAt = laterOf(now, enc.UpdatedAt)
	return copyEnc(enc), nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id string) (*Encounter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	enc, ok := m.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyEnc(enc), nil
}

func (m *MemoryRepo) Update(_ context.Context, id string, mutate func(*Encounter) error) (*Encounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.byID[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	work := copyEnc(stored)
	if err := mutate(work); err != nil {
		return nil, err
	}
	stored.Status = work.Status
	stored.PatientSummary = work.PatientSummary
	stored.UpdatedAt = laterOf(m.stamp(), stored.UpdatedAt)
	return copyEnc(stored), nil
}

func (m *MemoryRepo) List(_ context.Context, userID string, limit int) ([]*Encounter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Encounter, 0, len(m.byID))
	for _, enc := range m.byID {
		if userID == "" || enc.UserID == userID {
			out = append(out, copyEnc(enc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyEnc(e *Encounter) *Encounter {
	c := *e
	c.PatientID = copyStr(e.PatientID)
	c.TranscriptEncrypted = copyStr(e.TranscriptEncrypted)
	c.NoteEncrypted = copyStr(e.NoteEncrypted)
	c.PatientSummary = copyStr(e.PatientSummary)
	return &c
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
