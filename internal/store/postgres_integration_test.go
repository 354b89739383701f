//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/chadiek/companion-gateway/internal/memory"
)

var testDB *Postgres

func TestMain(m *testing.M) {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "companion",
				"POSTGRES_PASSWORD": "companion",
				"POSTGRES_DB":       "companion",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("container host: %v", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	url := fmt.Sprintf("postgres://companion:companion@%s:%s/companion?sslmode=disable", host, port.Port())
	testDB, err = OpenPostgres(ctx, url)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	if err := testDB.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	code := m.Run()

	testDB.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func TestPostgres_PersonAndMemory(t *testing.T) {
	ctx := context.Background()
	anna, err := testDB.CreatePerson(ctx, Person{DisplayName: "Anna", Phone: "+4930100", ConsentRecording: true})
	if err != nil {
		t.Fatalf("create person: %v", err)
	}
	got, err := testDB.FindPersonByPhone(ctx, "+4930100")
	if err != nil || got.ID != anna.ID || !got.ConsentRecording {
		t.Fatalf("find = %+v, %v", got, err)
	}
	if _, err := testDB.FindPersonByPhone(ctx, "+49000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown phone err = %v", err)
	}

	st, err := testDB.LoadMemory(ctx, anna.ID)
	if err != nil || !st.Empty() {
		t.Fatalf("fresh memory = %+v, %v", st, err)
	}
	st = memory.Merge(st, memory.Delta{Facts: []string{"Hat eine Katze"}, Mood: "fröhlich"}, memory.DefaultCaps, time.Now())
	if err := testDB.SaveMemory(ctx, anna.ID, st); err != nil {
		t.Fatalf("save memory: %v", err)
	}
	st = memory.Merge(st, memory.Delta{Facts: []string{"Enkel heißt Tom"}}, memory.DefaultCaps, time.Now())
	if err := testDB.SaveMemory(ctx, anna.ID, st); err != nil {
		t.Fatalf("save memory again: %v", err)
	}
	loaded, err := testDB.LoadMemory(ctx, anna.ID)
	if err != nil || len(loaded.Facts) != 2 || loaded.Mood != "fröhlich" {
		t.Fatalf("loaded = %+v, %v", loaded, err)
	}
}

func TestPostgres_CallTranscriptAnalysis(t *testing.T) {
	ctx := context.Background()
	karl, err := testDB.CreatePerson(ctx, Person{DisplayName: "Karl", Phone: "+4940200"})
	if err != nil {
		t.Fatalf("create person: %v", err)
	}
	start := time.Now().UTC().Truncate(time.Second)
	call := Call{SID: "CA-int-1", PersonID: karl.ID, From: karl.Phone, To: "+4989000", StartedAt: start, Status: StatusInProgress}
	if err := testDB.CreateCall(ctx, call); err != nil {
		t.Fatalf("create call: %v", err)
	}
	if err := testDB.CreateCall(ctx, call); err != nil {
		t.Fatalf("duplicate create should be ignored: %v", err)
	}

	end := start.Add(90 * time.Second)
	if err := testDB.UpdateCall(ctx, call.SID, CallUpdate{Status: StatusCompleted, EndedAt: end, DurationSec: 90}); err != nil {
		t.Fatalf("update call: %v", err)
	}
	if err := testDB.UpdateCall(ctx, call.SID, CallUpdate{EndedAt: end.Add(time.Hour)}); err != nil {
		t.Fatalf("second update: %v", err)
	}
	got, err := testDB.GetCall(ctx, call.SID)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if got.PersonID != karl.ID || got.EndedAt == nil || !got.EndedAt.Equal(end) || got.DurationSec != 90 {
		t.Fatalf("call = %+v", got)
	}

	if err := testDB.SaveTranscript(ctx, call.SID, "c2VhbGVk", true); err != nil {
		t.Fatalf("save transcript: %v", err)
	}
	tr, err := testDB.LoadTranscript(ctx, call.SID)
	if err != nil || !tr.Encrypted || tr.Text != "c2VhbGVk" {
		t.Fatalf("transcript = %+v, %v", tr, err)
	}

	summary := "• Karl war gut gelaunt"
	a := Analysis{
		CallSID:     call.SID,
		Sentiment:   &Sentiment{Label: "positiv", Score: 0.7, Confidence: 0.9, Reason: "fröhlich"},
		Summary:     &summary,
		MemoryDelta: &memory.Delta{Facts: []string{"Spielt Schach"}},
	}
	if err := testDB.SaveAnalysis(ctx, a); err != nil {
		t.Fatalf("save analysis: %v", err)
	}
	if err := testDB.SaveAnalysis(ctx, a); !errors.Is(err, ErrAnalysisExists) {
		t.Fatalf("second analysis err = %v", err)
	}
	loaded, err := testDB.LoadAnalysis(ctx, call.SID)
	if err != nil {
		t.Fatalf("load analysis: %v", err)
	}
	if loaded.Sentiment == nil || loaded.Sentiment.Label != "positiv" || loaded.Summary == nil ||
		loaded.MemoryDelta == nil || loaded.MemoryDelta.Facts[0] != "Spielt Schach" {
		t.Fatalf("analysis = %+v", loaded)
	}

	degraded := Analysis{CallSID: "CA-int-2"}
	if err := testDB.CreateCall(ctx, Call{SID: "CA-int-2"}); err != nil {
		t.Fatalf("create call 2: %v", err)
	}
	if err := testDB.SaveAnalysis(ctx, degraded); err != nil {
		t.Fatalf("degraded analysis: %v", err)
	}
	loaded, _ = testDB.LoadAnalysis(ctx, "CA-int-2")
	if loaded.Sentiment != nil || loaded.Summary != nil || loaded.MemoryDelta != nil {
		t.Fatalf("degraded analysis should keep nil fields: %+v", loaded)
	}
}
