package store

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chadiek/companion-gateway/internal/memory"
	"github.com/chadiek/companion-gateway/internal/stream"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32)))
}

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher(testKey())
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	sealed, encrypted, err := c.Seal("Anrufer: Hallo, mir geht es gut")
	if err != nil || !encrypted {
		t.Fatalf("seal: %v encrypted=%v", err, encrypted)
	}
	if strings.Contains(sealed, "Hallo") {
		t.Fatalf("ciphertext leaks plaintext")
	}
	again, _, _ := c.Seal("Anrufer: Hallo, mir geht es gut")
	if again == sealed {
		t.Fatalf("nonce must differ between seals")
	}
	plain, err := c.Open(sealed)
	if err != nil || plain != "Anrufer: Hallo, mir geht es gut" {
		t.Fatalf("open = %q, %v", plain, err)
	}

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xFF
	if _, err := c.Open(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Fatalf("tampered ciphertext must fail")
	}
}

func TestCipher_Keys(t *testing.T) {
	c, err := NewCipher("")
	if err != nil || c != nil {
		t.Fatalf("empty key should give nil cipher, got %v %v", c, err)
	}
	out, encrypted, err := c.Seal("klartext")
	if err != nil || encrypted || out != "klartext" {
		t.Fatalf("nil cipher seal = %q %v %v", out, encrypted, err)
	}

	for _, key := range []string{"not-base64!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		_, err := NewCipher(key)
		var cfg *stream.ConfigError
		if !errors.As(err, &cfg) || cfg.Field != "TRANSCRIPT_KEY" {
			t.Fatalf("key %q: err = %v", key, err)
		}
	}
}

func TestMemory_PeopleAndState(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	anna := m.AddPerson(Person{DisplayName: "Anna", Phone: "+4930123", ConsentRecording: true})
	if anna.ID == uuid.Nil || anna.Language != "de" {
		t.Fatalf("person defaults not applied: %+v", anna)
	}

	got, err := m.FindPersonByPhone(ctx, "+4930123")
	if err != nil || got.DisplayName != "Anna" {
		t.Fatalf("find = %+v, %v", got, err)
	}
	if _, err := m.FindPersonByPhone(ctx, "+49000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown phone err = %v", err)
	}

	st, err := m.LoadMemory(ctx, anna.ID)
	if err != nil || !st.Empty() || st.SchemaVersion != memory.SchemaVersion {
		t.Fatalf("fresh memory = %+v, %v", st, err)
	}
	st = memory.Merge(st, memory.Delta{Facts: []string{"Hat eine Katze"}}, memory.DefaultCaps, time.Now())
	if err := m.SaveMemory(ctx, anna.ID, st); err != nil {
		t.Fatalf("save memory: %v", err)
	}
	st, _ = m.LoadMemory(ctx, anna.ID)
	if len(st.Facts) != 1 {
		t.Fatalf("facts = %v", st.Facts)
	}
}

func TestMemory_CallLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.CreateCall(ctx, Call{SID: "CA1", Status: StatusInProgress}); err != nil {
		t.Fatalf("create: %v", err)
	}
	end := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	if err := m.UpdateCall(ctx, "CA1", CallUpdate{Status: StatusCompleted, EndedAt: end, DurationSec: 42}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := m.UpdateCall(ctx, "CA1", CallUpdate{EndedAt: end.Add(time.Hour)}); err != nil {
		t.Fatalf("second update: %v", err)
	}
	if err := m.UpdateCallStatus(ctx, "CA1", StatusCompleted); err != nil {
		t.Fatalf("status: %v", err)
	}
	c, _ := m.GetCall(ctx, "CA1")
	if c.EndedAt == nil || !c.EndedAt.Equal(end) || c.DurationSec != 42 || c.Status != StatusCompleted {
		t.Fatalf("end timestamp must be set exactly once: %+v", c)
	}
	if err := m.UpdateCall(ctx, "missing", CallUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing call err = %v", err)
	}

	if err := m.SaveAnalysis(ctx, Analysis{CallSID: "CA1"}); err != nil {
		t.Fatalf("save analysis: %v", err)
	}
	if err := m.SaveAnalysis(ctx, Analysis{CallSID: "CA1"}); !errors.Is(err, ErrAnalysisExists) {
		t.Fatalf("second analysis err = %v", err)
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]CallStatus{
		"in-progress": StatusInProgress,
		"completed":   StatusCompleted,
		"busy":        StatusFailed,
		"no-answer":   StatusNoAnswer,
		"ringing":     StatusRinging,
	}
	for in, want := range cases {
		if got, ok := ParseStatus(in); !ok || got != want {
			t.Fatalf("ParseStatus(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseStatus("bogus"); ok {
		t.Fatalf("unknown status accepted")
	}
}

func TestLoadPeople(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "people.yaml")
	content := `people:
  - display_name: Anna
    phone_e164: "+4930123"
    consent_recording: true
  - id: 7f1d0a8e-5c1b-4d43-9a53-3b1f0f1f2c11
    display_name: Karl
    phone_e164: "+4940999"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	people, err := LoadPeople(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(people) != 2 || !people[0].ConsentRecording || people[1].ID.String() != "7f1d0a8e-5c1b-4d43-9a53-3b1f0f1f2c11" {
		t.Fatalf("people = %+v", people)
	}

	if err := os.WriteFile(path, []byte("people:\n  - display_name: X\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPeople(path); err == nil {
		t.Fatalf("missing phone must fail")
	}
}
