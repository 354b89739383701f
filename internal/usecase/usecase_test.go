package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/chadiek/companion-gateway/internal/agent"
	"github.com/chadiek/companion-gateway/internal/llm"
	"github.com/chadiek/companion-gateway/internal/store"
	"github.com/chadiek/companion-gateway/internal/stream"
	"github.com/chadiek/companion-gateway/internal/telephony"
	"github.com/chadiek/companion-gateway/internal/transcript"
	"github.com/chadiek/companion-gateway/internal/tts"
)

func TestBuildAbsoluteURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		host    string
		headers map[string]string
		want    string
	}{
		{"base url wins", "https://gw.example.com/", "internal:8080", map[string]string{"X-Forwarded-Proto": "http", "X-Forwarded-Host": "proxy"}, "https://gw.example.com/twilio/status"},
		{"forwarded headers", "", "internal:8080", map[string]string{"X-Forwarded-Proto": "https", "X-Forwarded-Host": "proxy.example.com"}, "https://proxy.example.com/twilio/status"},
		{"localhost is plain http", "", "localhost:8080", nil, "http://localhost:8080/twilio/status"},
		{"public host defaults to https", "", "gw.example.com", nil, "https://gw.example.com/twilio/status"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cc := NewCallControl("", "", tc.base)
			r := httptest.NewRequest("POST", "/twilio/voice", nil)
			r.Host = tc.host
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			if got := cc.BuildAbsoluteURL(r, "twilio/status"); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestStreamURL(t *testing.T) {
	r := httptest.NewRequest("POST", "/twilio/voice", nil)
	if got := NewCallControl("", "", "https://gw.example.com").StreamURL(r, "CA1"); got != "wss://gw.example.com/twilio/stream?call_sid=CA1" {
		t.Fatalf("got %q", got)
	}
	r.Host = "localhost:8080"
	if got := NewCallControl("", "", "").StreamURL(r, ""); got != "ws://localhost:8080/twilio/stream" {
		t.Fatalf("got %q", got)
	}
}

type fakeCalls struct {
	sid    string
	status string
	twiml  string
	err    error
}

func (f *fakeCalls) UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error) {
	f.sid = sid
	if params.Status != nil {
		f.status = *params.Status
	}
	if params.Twiml != nil {
		f.twiml = *params.Twiml
	}
	return &openapi.ApiV2010Call{}, f.err
}

func TestSayAndHangup(t *testing.T) {
	api := &fakeCalls{}
	cc := &CallControl{api: api}
	if err := cc.SayAndHangup(context.Background(), "CA7", "Auf Wiederhören."); err != nil {
		t.Fatalf("say and hang up: %v", err)
	}
	if api.sid != "CA7" || api.status != "" {
		t.Fatalf("update = %q %q", api.sid, api.status)
	}
	for _, want := range []string{"<Say", `voice="Polly.Marlene"`, "Auf Wiederhören.", "<Hangup"} {
		if !strings.Contains(api.twiml, want) {
			t.Fatalf("twiml missing %q: %s", want, api.twiml)
		}
	}
	if err := NewCallControl("", "", "").SayAndHangup(context.Background(), "CA7", "x"); !errors.Is(err, stream.ErrConfiguration) {
		t.Fatalf("missing credentials: %v", err)
	}
}

func TestHangup(t *testing.T) {
	api := &fakeCalls{}
	cc := &CallControl{api: api}
	if err := cc.Hangup(context.Background(), "CA9"); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if api.sid != "CA9" || api.status != "completed" {
		t.Fatalf("update = %q %q", api.sid, api.status)
	}

	api.err = errors.New("boom")
	if err := cc.Hangup(context.Background(), "CA9"); err == nil {
		t.Fatalf("expected the REST error")
	}

	if err := NewCallControl("", "", "").Hangup(context.Background(), "CA9"); !errors.Is(err, stream.ErrConfiguration) {
		t.Fatalf("missing credentials: %v", err)
	}
}

type offline struct{}

func (offline) Open(context.Context) (transcript.Stream, error) { return nil, errors.New("offline") }

type silent struct{}

func (silent) Open(context.Context, llm.Request) (llm.Stream, error) { return nil, errors.New("offline") }

type mute struct{}

func (mute) Open(context.Context) (tts.Stream, error) { return nil, errors.New("offline") }

func newSessions(st *store.Memory) *Sessions {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Sessions{
		Deps: agent.Deps{
			Transcriber: offline{},
			Replier:     silent{},
			Synthesizer: mute{},
			Store:       st,
			Logger:      logger,
		},
		Store:  st,
		Arena:  agent.NewArena(),
		Logger: logger,
	}
}

func TestSessions_Open(t *testing.T) {
	st := store.NewMemory()
	erika := st.AddPerson(store.Person{DisplayName: "Erika", Phone: "+4930123"})
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_ = st.CreateCall(context.Background(), store.Call{SID: "CA1", PersonID: erika.ID, From: "+4930123", StartedAt: started})

	s := newSessions(st)
	got, err := s.Open(context.Background(), telephony.StartInfo{
		CallSID:    "CA1",
		Parameters: map[string]string{ParamPersonID: erika.ID.String()},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sess := got.(*agent.Session)
	if live, ok := s.Arena.Get("CA1"); !ok || live != sess {
		t.Fatalf("session not registered")
	}

	if _, err := s.Open(context.Background(), telephony.StartInfo{CallSID: "CA1"}); err == nil {
		t.Fatalf("second session for the same call accepted")
	}

	sess.End("stop")
	deadline := time.Now().Add(2 * time.Second)
	for s.Arena.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ended session still registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessions_OpenUsesParameterCallSID(t *testing.T) {
	s := newSessions(store.NewMemory())
	got, err := s.Open(context.Background(), telephony.StartInfo{
		Parameters: map[string]string{ParamCallSID: "CA7", ParamPersonID: "not-a-uuid"},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer got.End("test")
	if got.(*agent.Session).CallSID() != "CA7" {
		t.Fatalf("call sid = %q", got.(*agent.Session).CallSID())
	}

	if _, err := s.Open(context.Background(), telephony.StartInfo{}); err == nil {
		t.Fatalf("expected an error without any call sid")
	}
}
