package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/chadiek/companion-gateway/internal/memory"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres is the production Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool and pings it.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

// Pool exposes the connection pool.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

// Migrate applies the embedded goose migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// CreatePerson inserts a caller. Callers are managed outside the gateway; this
// exists for seeding and tests.
func (p *Postgres) CreatePerson(ctx context.Context, person Person) (Person, error) {
	if person.ID == uuid.Nil {
		person.ID = uuid.New()
	}
	if person.Language == "" {
		person.Language = "de"
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO people (id, display_name, phone_e164, language, consent_recording)
		 VALUES ($1, $2, $3, $4, $5)`,
		person.ID, person.DisplayName, person.Phone, person.Language, person.ConsentRecording)
	if err != nil {
		return Person{}, fmt.Errorf("insert person: %w", err)
	}
	return person, nil
}

const personColumns = `id, display_name, phone_e164, language, consent_recording`

func scanPerson(row pgx.Row) (Person, error) {
	var person Person
	err := row.Scan(&person.ID, &person.DisplayName, &person.Phone, &person.Language, &person.ConsentRecording)
	if errors.Is(err, pgx.ErrNoRows) {
		return Person{}, ErrNotFound
	}
	if err != nil {
		return Person{}, fmt.Errorf("scan person: %w", err)
	}
	return person, nil
}

func (p *Postgres) FindPersonByPhone(ctx context.Context, phone string) (Person, error) {
	return scanPerson(p.pool.QueryRow(ctx, `SELECT `+personColumns+` FROM people WHERE phone_e164 = $1`, phone))
}

func (p *Postgres) GetPerson(ctx context.Context, id uuid.UUID) (Person, error) {
	return scanPerson(p.pool.QueryRow(ctx, `SELECT `+personColumns+` FROM people WHERE id = $1`, id))
}

func (p *Postgres) LoadMemory(ctx context.Context, personID uuid.UUID) (memory.State, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT memory_json FROM memory_state WHERE person_id = $1`, personID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return memory.Unmarshal(nil)
	}
	if err != nil {
		return memory.State{}, fmt.Errorf("load memory: %w", err)
	}
	return memory.Unmarshal(raw)
}

func (p *Postgres) SaveMemory(ctx context.Context, personID uuid.UUID, s memory.State) error {
	raw, err := memory.Marshal(s)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO memory_state (person_id, memory_json, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (person_id) DO UPDATE SET memory_json = EXCLUDED.memory_json, updated_at = now()`,
		personID, raw)
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

func (p *Postgres) SaveTranscript(ctx context.Context, callSID, text string, encrypted bool) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO transcripts (call_sid, text, is_encrypted) VALUES ($1, $2, $3)
		 ON CONFLICT (call_sid) DO UPDATE SET text = EXCLUDED.text, is_encrypted = EXCLUDED.is_encrypted`,
		callSID, text, encrypted)
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

// LoadTranscript returns the stored transcript of a call.
func (p *Postgres) LoadTranscript(ctx context.Context, callSID string) (Transcript, error) {
	t := Transcript{CallSID: callSID}
	err := p.pool.QueryRow(ctx, `SELECT text, is_encrypted FROM transcripts WHERE call_sid = $1`, callSID).
		Scan(&t.Text, &t.Encrypted)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transcript{}, ErrNotFound
	}
	if err != nil {
		return Transcript{}, fmt.Errorf("load transcript: %w", err)
	}
	return t, nil
}

func (p *Postgres) SaveAnalysis(ctx context.Context, a Analysis) error {
	var (
		label, reason     *string
		score, confidence *float64
		delta             []byte
	)
	if a.Sentiment != nil {
		label, reason = &a.Sentiment.Label, &a.Sentiment.Reason
		score, confidence = &a.Sentiment.Score, &a.Sentiment.Confidence
	}
	if a.MemoryDelta != nil {
		raw, err := json.Marshal(a.MemoryDelta)
		if err != nil {
			return fmt.Errorf("encode memory delta: %w", err)
		}
		delta = raw
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO call_analysis (call_sid, sentiment_label, sentiment_score, sentiment_confidence,
		     sentiment_reason, summary_de, memory_update_json, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (call_sid) DO NOTHING`,
		a.CallSID, label, score, confidence, reason, a.Summary, delta, created)
	if err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAnalysisExists
	}
	return nil
}

// LoadAnalysis returns the stored analysis of a call.
func (p *Postgres) LoadAnalysis(ctx context.Context, callSID string) (Analysis, error) {
	var (
		a                 = Analysis{CallSID: callSID}
		label, reason     *string
		score, confidence *float64
		delta             []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT sentiment_label, sentiment_score, sentiment_confidence, sentiment_reason,
		        summary_de, memory_update_json, created_at
		 FROM call_analysis WHERE call_sid = $1`, callSID).
		Scan(&label, &score, &confidence, &reason, &a.Summary, &delta, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Analysis{}, ErrNotFound
	}
	if err != nil {
		return Analysis{}, fmt.Errorf("load analysis: %w", err)
	}
	if label != nil {
		a.Sentiment = &Sentiment{Label: *label}
		if score != nil {
			a.Sentiment.Score = *score
		}
		if confidence != nil {
			a.Sentiment.Confidence = *confidence
		}
		if reason != nil {
			a.Sentiment.Reason = *reason
		}
	}
	if len(delta) > 0 {
		var d memory.Delta
		if err := json.Unmarshal(delta, &d); err != nil {
			return Analysis{}, fmt.Errorf("decode memory delta: %w", err)
		}
		a.MemoryDelta = &d
	}
	return a, nil
}

func nullablePerson(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func (p *Postgres) CreateCall(ctx context.Context, c Call) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Direction == "" {
		c.Direction = Inbound
	}
	if c.Status == "" {
		c.Status = StatusInitiated
	}
	var started *time.Time
	if !c.StartedAt.IsZero() {
		started = &c.StartedAt
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO calls (id, call_sid, person_id, direction, from_e164, to_e164, started_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (call_sid) DO NOTHING`,
		c.ID, c.SID, nullablePerson(c.PersonID), string(c.Direction), c.From, c.To, started, string(c.Status))
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	return nil
}

func (p *Postgres) GetCall(ctx context.Context, sid string) (Call, error) {
	var (
		c         = Call{SID: sid}
		person    uuid.NullUUID
		direction string
		status    string
		started   *time.Time
		duration  *int32
	)
	err := p.pool.QueryRow(ctx,
		`SELECT id, person_id, direction, from_e164, to_e164, started_at, ended_at, duration_sec, status
		 FROM calls WHERE call_sid = $1`, sid).
		Scan(&c.ID, &person, &direction, &c.From, &c.To, &started, &c.EndedAt, &duration, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	if err != nil {
		return Call{}, fmt.Errorf("get call: %w", err)
	}
	if person.Valid {
		c.PersonID = person.UUID
	}
	if started != nil {
		c.StartedAt = *started
	}
	if duration != nil {
		c.DurationSec = int(*duration)
	}
	c.Direction = Direction(direction)
	c.Status = CallStatus(status)
	return c, nil
}

// UpdateCall never overwrites an existing ended_at.
func (p *Postgres) UpdateCall(ctx context.Context, sid string, u CallUpdate) error {
	var ended *time.Time
	if !u.EndedAt.IsZero() {
		ended = &u.EndedAt
	}
	var duration *int32
	if u.DurationSec > 0 {
		d := int32(u.DurationSec)
		duration = &d
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE calls SET
		     status = COALESCE(NULLIF($2, ''), status),
		     ended_at = COALESCE(ended_at, $3),
		     duration_sec = COALESCE($4, duration_sec)
		 WHERE call_sid = $1`,
		sid, string(u.Status), ended, duration)
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdateCallStatus(ctx context.Context, sid string, status CallStatus) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE calls SET
		     status = $2,
		     ended_at = CASE WHEN $2 = 'completed' AND ended_at IS NULL THEN now() ELSE ended_at END
		 WHERE call_sid = $1`,
		sid, string(status))
	if err != nil {
		return fmt.Errorf("update call status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)
