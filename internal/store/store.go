// Package store persists people, calls, transcripts, analyses and long-term
// memory. The gateway only needs the narrow Store interface; Postgres and an
// in-process Memory implementation satisfy it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chadiek/companion-gateway/internal/memory"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAnalysisExists = errors.New("call analysis already recorded")
)

// Person is a registered caller.
type Person struct {
	ID               uuid.UUID `yaml:"id"`
	DisplayName      string    `yaml:"display_name"`
	Phone            string    `yaml:"phone_e164"`
	Language         string    `yaml:"language"`
	ConsentRecording bool      `yaml:"consent_recording"`
}

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type CallStatus string

const (
	StatusInitiated  CallStatus = "initiated"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in_progress"
	StatusCompleted  CallStatus = "completed"
	StatusFailed     CallStatus = "failed"
	StatusNoAnswer   CallStatus = "no_answer"
)

// ParseStatus maps a Twilio CallStatus value onto a CallStatus.
func ParseStatus(s string) (CallStatus, bool) {
	switch s {
	case "queued", "initiated":
		return StatusInitiated, true
	case "ringing":
		return StatusRinging, true
	case "in-progress", "in_progress":
		return StatusInProgress, true
	case "completed":
		return StatusCompleted, true
	case "busy", "failed", "canceled":
		return StatusFailed, true
	case "no-answer", "no_answer":
		return StatusNoAnswer, true
	}
	return "", false
}

// Call is one phone conversation. PersonID is uuid.Nil for unknown callers.
type Call struct {
	ID          uuid.UUID
	SID         string
	PersonID    uuid.UUID
	Direction   Direction
	From        string
	To          string
	StartedAt   time.Time
	EndedAt     *time.Time
	DurationSec int
	Status      CallStatus
}

// CallUpdate changes a call at completion. EndedAt is only written when the
// call has none yet.
type CallUpdate struct {
	Status      CallStatus
	EndedAt     time.Time
	DurationSec int
}

// Sentiment is the classifier output of the post-call pipeline.
type Sentiment struct {
	Label      string  `json:"label"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Analysis is created once per call. Nil fields mark steps that failed.
type Analysis struct {
	CallSID     string        `json:"call_sid"`
	Sentiment   *Sentiment    `json:"sentiment,omitempty"`
	Summary     *string       `json:"summary,omitempty"`
	MemoryDelta *memory.Delta `json:"memory_update,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Transcript is the stored call text; Text is ciphertext when Encrypted.
type Transcript struct {
	CallSID   string
	Text      string
	Encrypted bool
}

type Store interface {
	FindPersonByPhone(ctx context.Context, phone string) (Person, error)
	GetPerson(ctx context.Context, id uuid.UUID) (Person, error)
	LoadMemory(ctx context.Context, personID uuid.UUID) (memory.State, error)
	SaveMemory(ctx context.Context, personID uuid.UUID, s memory.State) error
	SaveTranscript(ctx context.Context, callSID, text string, encrypted bool) error
	SaveAnalysis(ctx context.Context, a Analysis) error
	CreateCall(ctx context.Context, c Call) error
	GetCall(ctx context.Context, sid string) (Call, error)
	UpdateCall(ctx context.Context, sid string, u CallUpdate) error
	UpdateCallStatus(ctx context.Context, sid string, status CallStatus) error
}
