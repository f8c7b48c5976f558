package encounter

import (
	"errors"
	"time"
	"unicode/utf8"

	"github.com/medscribe/medscribe/internal/platform/sentinel"
)

// Encounter statuses.
const (
	StatusDraft   = "draft"
	StatusFinal   = "final"
	StatusAmended = "amended"
)

const (
	DefaultTemplate  = "soap"
	DefaultSpecialty = "general"

	DefaultListLimit = 20
	MaxListLimit     = 100
	previewLength    = 100
)

// ValidStatus reports whether s is a known status.
func ValidStatus(s string) bool {
	switch s {
	case StatusDraft, StatusFinal, StatusAmended:
		return true
	}
	return false
}

// Encounter maps to the encounters table. Content fields hold envelope
// ciphertext and are never serialised.
type Encounter struct {
	ID                  string    `db:"id" json:"id"`
	UserID              string    `db:"user_id" json:"user_id"`
	PatientID           *string   `db:"patient_id" json:"patient_id,omitempty"`
	Template            string    `db:"template" json:"template"`
	Specialty           string    `db:"specialty" json:"specialty"`
	TranscriptEncrypted *string   `db:"transcript_encrypted" json:"-"`
	NoteEncrypted       *string   `db:"note_encrypted" json:"-"`
	PatientSummary      *string   `db:"patient_summary" json:"patient_summary,omitempty"`
	Status              string    `db:"status" json:"status"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// UpsertInput is a note save. TranscriptCiphertext nil keeps the stored
// transcript. PatientID, Template and Specialty apply on insert only.
type UpsertInput struct {
	ID                   string
	UserID               string
	PatientID            *string
	Template             string
	Specialty            string
	NoteCiphertext       string
	TranscriptCiphertext *string
}

func (in *UpsertInput) defaults() {
	if in.Template == "" {
		in.Template = DefaultTemplate
	}
	if in.Specialty == "" {
		in.Specialty = DefaultSpecialty
	}
}

// statusAfterResave moves a finalised note to amended when it is saved
// again.
func statusAfterResave(current string) string {
	if current == StatusFinal {
		return StatusAmended
	}
	return current
}

// laterOf returns the bumped updated_at for a write at now.
func laterOf(now, previous time.Time) time.Time {
	if now.After(previous) {
		return now
	}
	return previous
}

// clampLimit applies the list default and cap.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// preview returns the first previewLength characters of s.
func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewLength {
		return s
	}
	r := []rune(s)
	return string(r[:previewLength])
}

// Summary is a list row.
type Summary struct {
	ID        string    `json:"id"`
	PatientID *string   `json:"patient_id,omitempty"`
	Template  string    `json:"template"`
	Specialty string    `json:"specialty"`
	Status    string    `json:"status"`
	Preview   *string   `json:"preview"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Detail is an encounter with its content opened.
type Detail struct {
	Encounter
	Note       string `json:"note"`
	Transcript string `json:"transcript,omitempty"`
}

func isNotFound(err error) bool {
	return errors.Is(err, sentinel.ErrNotFound)
}
