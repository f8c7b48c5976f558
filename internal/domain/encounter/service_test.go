package encounter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medscribe/medscribe/internal/platform/auth"
	"github.com/medscribe/medscribe/internal/platform/hipaa"
	"github.com/medscribe/medscribe/internal/platform/sentinel"
)

var (
	physician = auth.Identity{UserID: "u-1", Email: "doc@example.com", Role: auth.RolePhysician}
	other     = auth.Identity{UserID: "u-2", Email: "other@example.com", Role: auth.RolePhysician}
	admin     = auth.Identity{UserID: "u-admin", Email: "admin@example.com", Role: auth.RoleAdmin}
)

func newTestService(t *testing.T) (*Service, *MemoryRepo, *hipaa.Ledger) {
	t.Helper()
	env, err := hipaa.NewEnvelopeFromSecret("test-encryption-secret")
	if err != nil {
		t.Fatal(err)
	}
	repo := NewMemoryRepo()
	ledger := hipaa.NewLedger(nil, nil, zerolog.Nop())
	return NewService(repo, env, ledger), repo, ledger
}

func lastAction(t *testing.T, l *hipaa.Ledger) hipaa.AuditLogEntry {
	t.Helper()
	entries := l.Recent(context.Background(), 1)
	if len(entries) == 0 {
		t.Fatal("expected an audit entry")
	}
	return entries[0]
}

func TestService_SaveNoteSealsContent(t *testing.T) {
	svc, repo, ledger := newTestService(t)
	ctx := context.Background()

	enc, err := svc.SaveNote(ctx, physician, SaveNoteInput{
		Note:       "Patient reports chest pain radiating to left arm.",
		Transcript: "doctor: what brings you in",
		PatientID:  "p-42",
	}, "10.0.0.1")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if enc.ID == "" {
		t.Fatal("expected generated encounter id")
	}

	stored, _ := repo.GetByID(ctx, enc.ID)
	if stored.NoteEncrypted == nil || strings.Contains(*stored.NoteEncrypted, "chest pain") {
		t.Fatalf("note not sealed at rest: %v", stored.NoteEncrypted)
	}
	if stored.TranscriptEncrypted == nil || strings.Contains(*stored.TranscriptEncrypted, "doctor") {
		t.Fatalf("transcript not sealed at rest: %v", stored.TranscriptEncrypted)
	}
	if stored.Template != DefaultTemplate || stored.Specialty != DefaultSpecialty || stored.Status != StatusDraft {
		t.Errorf("defaults not applied: %+v", stored)
	}

	e := lastAction(t, ledger)
	if e.Action != hipaa.ActionNoteSaved || e.ResourceID != enc.ID || e.ResourceType != "encounter" {
		t.Errorf("unexpected audit entry: %+v", e)
	}
}

func TestService_GetOpensContentAndAudits(t *testing.T) {
	svc, _, ledger := newTestService(t)
	ctx := context.Background()

	enc, _ := svc.SaveNote(ctx, physician, SaveNoteInput{Note: "SOAP note", Transcript: "t"}, "")
	d, err := svc.Get(ctx, physician, enc.ID, "10.0.0.2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.Note != "SOAP note" || d.Transcript != "t" {
		t.Errorf("unexpected content: %+v", d)
	}
	e := lastAction(t, ledger)
	if e.Action != hipaa.ActionNoteAccessed || e.IPAddress != "10.0.0.2" {
		t.Errorf("unexpected audit entry: %+v", e)
	}
}

func TestService_ResaveKeepsIdentityAndBumpsUpdatedAt(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return base }
	first, _ := svc.SaveNote(ctx, physician, SaveNoteInput{EncounterID: "enc-1", Note: "v1", Transcript: "orig"}, "")

	// wall clock stepped backwards
	repo.now = func() time.Time { return base.Add(-time.Hour) }
	second, err := svc.SaveNote(ctx, physician, SaveNoteInput{EncounterID: "enc-1", Note: "v2"}, "")
	if err != nil {
		t.Fatalf("resave: %v", err)
	}

	if second.ID != first.ID || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("id or created_at changed: %+v vs %+v", first, second)
	}
	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Errorf("updated_at moved backwards: %v < %v", second.UpdatedAt, first.UpdatedAt)
	}

	d, _ := svc.Get(ctx, physician, "enc-1", "")
	if d.Note != "v2" {
		t.Errorf("expected v2, got %q", d.Note)
	}
	if d.Transcript != "orig" {
		t.Errorf("transcript should be kept when not resent, got %q", d.Transcript)
	}
}

func TestService_ResaveFinalBecomesAmended(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	svc.SaveNote(ctx, physician, SaveNoteInput{EncounterID: "enc-1", Note: "v1"}, "")
	if _, err := svc.UpdateStatus(ctx, physician, "enc-1", StatusFinal, ""); err != nil {
		t.Fatal(err)
	}
	enc, _ := svc.SaveNote(ctx, physician, SaveNoteInput{EncounterID: "enc-1", Note: "v2"}, "")
	if enc.Status != StatusAmended {
		t.Errorf("expected amended, got %s", enc.Status)
	}
}

func TestService_Ownership(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	enc, _ := svc.SaveNote(ctx, physician, SaveNoteInput{Note: "mine"}, "")

	if _, err := svc.Get(ctx, other, enc.ID, ""); !errors.Is(err, sentinel.ErrNotFound) {
		t.Errorf("other user get: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.SaveNote(ctx, other, SaveNoteInput{EncounterID: enc.ID, Note: "overwrite"}, ""); !errors.Is(err, sentinel.ErrForbidden) {
		t.Errorf("other user save: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, other, enc.ID, StatusFinal, ""); !errors.Is(err, sentinel.ErrForbidden) {
		t.Errorf("other user status: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Get(ctx, admin, enc.ID, ""); err != nil {
		t.Errorf("admin get: %v", err)
	}
}

func TestService_TamperedNoteFailsRead(t *testing.T) {
	svc, repo, ledger := newTestService(t)
	ctx := context.Background()
	enc, _ := svc.SaveNote(ctx, physician, SaveNoteInput{Note: "secret"}, "")

	stored := repo.byID[enc.ID]
	ct := []byte(*stored.NoteEncrypted)
	if ct[20] == 'A' {
		ct[20] = 'B'
	} else {
		ct[20] = 'A'
	}
	tampered := string(ct)
	stored.NoteEncrypted = &tampered

	before := len(ledger.Recent(ctx, 0))
	_, err := svc.Get(ctx, physician, enc.ID, "")
	if !errors.Is(err, sentinel.ErrAuthenticationFailure) {
		t.Fatalf("expected ErrAuthenticationFailure, got %v", err)
	}
	if after := len(ledger.Recent(ctx, 0)); after != before {
		t.Errorf("failed read must not be audited as an access")
	}

	items, err := svc.List(ctx, physician, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].Preview != nil {
		t.Errorf("expected listing without preview, got %+v", items)
	}
}

func TestService_ListOrderingLimitAndPreview(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 120; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		repo.now = func() time.Time { return at }
		note := fmt.Sprintf("note %03d ", i) + strings.Repeat("x", 200)
		if _, err := svc.SaveNote(ctx, physician, SaveNoteInput{Note: note}, ""); err != nil {
			t.Fatal(err)
		}
	}
	svc.SaveNote(ctx, other, SaveNoteInput{Note: "not yours"}, "")

	items, _ := svc.List(ctx, physician, 0)
	if len(items) != DefaultListLimit {
		t.Fatalf("expected default %d, got %d", DefaultListLimit, len(items))
	}
	if !strings.HasPrefix(*items[0].Preview, "note 119") {
		t.Errorf("expected newest first, got %q", *items[0].Preview)
	}
	if n := len([]rune(*items[0].Preview)); n != 100 {
		t.Errorf("expected 100 character preview, got %d", n)
	}
	for i := 1; i < len(items); i++ {
		if items[i].CreatedAt.After(items[i-1].CreatedAt) {
			t.Fatalf("not newest first at %d", i)
		}
	}

	items, _ = svc.List(ctx, physician, 1000)
	if len(items) != MaxListLimit {
		t.Errorf("expected cap %d, got %d", MaxListLimit, len(items))
	}

	items, _ = svc.List(ctx, admin, 5)
	if len(items) != 5 {
		t.Errorf("expected 5, got %d", len(items))
	}
}

func TestService_UpdateStatus(t *testing.T) {
	svc, _, ledger := newTestService(t)
	ctx := context.Background()
	enc, _ := svc.SaveNote(ctx, physician, SaveNoteInput{Note: "n"}, "")

	if _, err := svc.UpdateStatus(ctx, physician, enc.ID, "signed", ""); !errors.Is(err, sentinel.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, physician, "missing", StatusFinal, ""); !errors.Is(err, sentinel.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	got, err := svc.UpdateStatus(ctx, physician, enc.ID, StatusFinal, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFinal {
		t.Errorf("expected final, got %s", got.Status)
	}
	e := lastAction(t, ledger)
	if e.Action != hipaa.ActionEncounterStatusChanged || e.Details != "draft->final" {
		t.Errorf("unexpected audit entry: %+v", e)
	}
}

func TestService_SetPatientSummary(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	enc, _ := svc.SaveNote(ctx, physician, SaveNoteInput{Note: "n"}, "")

	if err := svc.SetPatientSummary(ctx, physician, enc.ID, "What We Found: a cold"); err != nil {
		t.Fatal(err)
	}
	stored, _ := repo.GetByID(ctx, enc.ID)
	if stored.PatientSummary == nil || *stored.PatientSummary != "What We Found: a cold" {
		t.Errorf("summary not stored: %v", stored.PatientSummary)
	}
	if err := svc.SetPatientSummary(ctx, other, enc.ID, "x"); !errors.Is(err, sentinel.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestService_SaveNoteRequiresNote(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.SaveNote(context.Background(), physician, SaveNoteInput{Note: "   "}, "")
	if !errors.Is(err, sentinel.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

// -- Mock Repository --

type failingRepo struct {
	Repository
	err error
}

func (f *failingRepo) GetByID(context.Context, string) (*Encounter, error) { return nil, f.err }
func (f *failingRepo) Upsert(context.Context, UpsertInput) (*Encounter, error) {
	return nil, f.err
}

func TestService_BackendErrorsPropagate(t *testing.T) {
	env, _ := hipaa.NewEnvelopeFromSecret("k")
	backendErr := fmt.Errorf("%w: connection refused", sentinel.ErrTransientBackend)
	svc := NewService(&failingRepo{err: backendErr}, env, hipaa.NewLedger(nil, nil, zerolog.Nop()))

	_, err := svc.SaveNote(context.Background(), physician, SaveNoteInput{EncounterID: "e", Note: "n"}, "")
	if !errors.Is(err, sentinel.ErrTransientBackend) {
		t.Errorf("expected ErrTransientBackend, got %v", err)
	}
}
