package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chadiek/companion-gateway/internal/memory"
)

// Memory is an in-process Store for development without a database and for
// tests. Nothing survives a restart.
type Memory struct {
	mu          sync.Mutex
	people      map[uuid.UUID]Person
	byPhone     map[string]uuid.UUID
	states      map[uuid.UUID]memory.State
	calls       map[string]Call
	transcripts map[string]Transcript
	analyses    map[string]Analysis
}

func NewMemory() *Memory {
	return &Memory{
		people:      map[uuid.UUID]Person{},
		byPhone:     map[string]uuid.UUID{},
		states:      map[uuid.UUID]memory.State{},
		calls:       map[string]Call{},
		transcripts: map[string]Transcript{},
		analyses:    map[string]Analysis{},
	}
}

// AddPerson registers a caller, assigning an ID when p has none.
func (m *Memory) AddPerson(p Person) Person {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Language == "" {
		p.Language = "de"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.people[p.ID] = p
	m.byPhone[p.Phone] = p.ID
	return p
}

func (m *Memory) FindPersonByPhone(_ context.Context, phone string) (Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPhone[phone]
	if !ok {
		return Person{}, ErrNotFound
	}
	return m.people[id], nil
}

func (m *Memory) GetPerson(_ context.Context, id uuid.UUID) (Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.people[id]
	if !ok {
		return Person{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) LoadMemory(_ context.Context, personID uuid.UUID) (memory.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[personID]
	if !ok {
		return memory.State{SchemaVersion: memory.SchemaVersion}, nil
	}
	return s, nil
}

func (m *Memory) SaveMemory(_ context.Context, personID uuid.UUID, s memory.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[personID] = s
	return nil
}

func (m *Memory) SaveTranscript(_ context.Context, callSID, text string, encrypted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts[callSID] = Transcript{CallSID: callSID, Text: text, Encrypted: encrypted}
	return nil
}

// Transcript returns what SaveTranscript stored.
func (m *Memory) Transcript(callSID string) (Transcript, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcripts[callSID]
	return t, ok
}

func (m *Memory) SaveAnalysis(_ context.Context, a Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.analyses[a.CallSID]; ok {
		return ErrAnalysisExists
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.analyses[a.CallSID] = a
	return nil
}

// Analysis returns what SaveAnalysis stored.
func (m *Memory) Analysis(callSID string) (Analysis, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[callSID]
	return a, ok
}

func (m *Memory) CreateCall(_ context.Context, c Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[c.SID]; ok {
		return nil
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	m.calls[c.SID] = c
	return nil
}

func (m *Memory) GetCall(_ context.Context, sid string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[sid]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) UpdateCall(_ context.Context, sid string, u CallUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[sid]
	if !ok {
		return ErrNotFound
	}
	if u.Status != "" {
		c.Status = u.Status
	}
	if c.EndedAt == nil && !u.EndedAt.IsZero() {
		end := u.EndedAt
		c.EndedAt = &end
	}
	if u.DurationSec > 0 {
		c.DurationSec = u.DurationSec
	}
	m.calls[sid] = c
	return nil
}

func (m *Memory) UpdateCallStatus(_ context.Context, sid string, status CallStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[sid]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	if status == StatusCompleted && c.EndedAt == nil {
		end := time.Now().UTC()
		c.EndedAt = &end
	}
	m.calls[sid] = c
	return nil
}

type peopleFile struct {
	People []Person `yaml:"people"`
}

// LoadPeople reads a YAML list of callers, used to seed the Memory store.
func LoadPeople(path string) ([]Person, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read people file: %w", err)
	}
	var f peopleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse people file: %w", err)
	}
	for i, p := range f.People {
		if p.Phone == "" {
			return nil, fmt.Errorf("people[%d]: phone_e164 is required", i)
		}
	}
	return f.People, nil
}
