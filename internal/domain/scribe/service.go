// Package scribe turns transcripts into clinical notes and patient
// summaries, and audio into transcripts.
package scribe

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/medscribe/medscribe/internal/platform/auth"
	"github.com/medscribe/medscribe/internal/platform/groq"
	"github.com/medscribe/medscribe/internal/platform/hipaa"
	"github.com/medscribe/medscribe/internal/platform/sentinel"
)

// Generator is implemented by *groq.Client.
type Generator interface {
	Generate(ctx context.Context, transcript, template, specialty string) (string, error)
	Summarize(ctx context.Context, note string) (string, error)
}

// Transcriber is implemented by *groq.Client.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (*groq.Transcription, error)
}

// SummaryStore is implemented by *encounter.Service.
type SummaryStore interface {
	SetPatientSummary(ctx context.Context, actor auth.Identity, id, summary string) error
}

// NoteInput is a generation request.
type NoteInput struct {
	Transcript string
	Template   string
	Specialty  string
}

func (in *NoteInput) normalize() error {
	if strings.TrimSpace(in.Transcript) == "" {
		return fmt.Errorf("%w: transcript is required", sentinel.ErrValidation)
	}
	if in.Template == "" {
		in.Template = groq.TemplateSOAP
	}
	if in.Specialty == "" {
		in.Specialty = "general"
	}
	return nil
}

type NoteResult struct {
	Note        string    `json:"note"`
	Template    string    `json:"template"`
	GeneratedAt time.Time `json:"generated_at"`
	Model       string    `json:"model"`
}

type SummaryResult struct {
	ClinicalNote   string `json:"clinical_note"`
	PatientSummary string `json:"patient_summary"`
	EncounterID    string `json:"encounter_id,omitempty"`
}

type TranscriptResult struct {
	Transcript string         `json:"transcript"`
	Duration   float64        `json:"duration"`
	Language   string         `json:"language"`
	Segments   []groq.Segment `json:"segments"`
}

type Service struct {
	gen       Generator
	stt       Transcriber
	summaries SummaryStore
	ledger    *hipaa.Ledger
	model     string
	now       func() time.Time
}

func NewService(gen Generator, stt Transcriber, summaries SummaryStore, ledger *hipaa.Ledger, model string) *Service {
	return &Service{gen: gen, stt: stt, summaries: summaries, ledger: ledger, model: model, now: time.Now}
}

// GenerateNote produces a structured clinical note.
func (s *Service) GenerateNote(ctx context.Context, actor auth.Identity, in NoteInput, ip string) (*NoteResult, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	note, err := s.gen.Generate(ctx, in.Transcript, in.Template, in.Specialty)
	if err != nil {
		return nil, fmt.Errorf("generate note: %w", err)
	}

	s.ledger.Append(ctx, hipaa.AuditLogEntry{
		UserID:    actor.UserID,
		Action:    hipaa.ActionNoteGenerated,
		Details:   fmt.Sprintf("template=%s, specialty=%s", in.Template, in.Specialty),
		IPAddress: ip,
	})
	return &NoteResult{
		Note:        note,
		Template:    in.Template,
		GeneratedAt: s.now().UTC(),
		Model:       s.model,
	}, nil
}

// PatientSummary generates the note and then its plain-language summary.
// When encounterID is set the summary is stored on that encounter.
func (s *Service) PatientSummary(ctx context.Context, actor auth.Identity, in NoteInput, encounterID, ip string) (*SummaryResult, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	note, err := s.gen.Generate(ctx, in.Transcript, in.Template, in.Specialty)
	if err != nil {
		return nil, fmt.Errorf("generate note: %w", err)
	}
	summary, err := s.gen.Summarize(ctx, note)
	if err != nil {
		return nil, fmt.Errorf("summarize note: %w", err)
	}

	if encounterID != "" {
		if err := s.summaries.SetPatientSummary(ctx, actor, encounterID, summary); err != nil {
			return nil, err
		}
	}

	entry := hipaa.AuditLogEntry{
		UserID:    actor.UserID,
		Action:    hipaa.ActionPatientSummaryGenerated,
		IPAddress: ip,
	}
	if encounterID != "" {
		entry.ResourceType = "encounter"
		entry.ResourceID = encounterID
	}
	s.ledger.Append(ctx, entry)

	return &SummaryResult{ClinicalNote: note, PatientSummary: summary, EncounterID: encounterID}, nil
}

// Transcribe converts uploaded audio to text.
func (s *Service) Transcribe(ctx context.Context, actor auth.Identity, filename string, audio io.Reader, ip string) (*TranscriptResult, error) {
	res, err := s.stt.Transcribe(ctx, filename, audio)
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}

	s.ledger.Append(ctx, hipaa.AuditLogEntry{
		UserID:    actor.UserID,
		Action:    hipaa.ActionTranscribe,
		Details:   fmt.Sprintf("duration=%.1fs", res.Duration),
		IPAddress: ip,
	})

	lang := res.Language
	if lang == "" {
		lang = "en"
	}
	return &TranscriptResult{
		Transcript: strings.TrimSpace(res.Text),
		Duration:   res.Duration,
		Language:   lang,
		Segments:   res.Segments,
	}, nil
}
