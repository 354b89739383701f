package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	apihttp "github.com/chadiek/companion-gateway/api/http"
	"github.com/chadiek/companion-gateway/internal/config"
	"github.com/chadiek/companion-gateway/internal/metrics"
	"github.com/chadiek/companion-gateway/internal/store"
	"github.com/chadiek/companion-gateway/internal/telephony"
	"github.com/chadiek/companion-gateway/internal/usecase"
)

type fixture struct {
	srv    *Server
	store  *store.Memory
	starts chan telephony.StartInfo
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{store: store.NewMemory(), starts: make(chan telephony.StartInfo, 1)}
	factory := func(ctx context.Context, info telephony.StartInfo) (telephony.Session, error) {
		f.starts <- info
		return nil, errors.New("no sessions in this test")
	}
	h := apihttp.NewHandlers(
		f.store,
		usecase.NewCallControl("", "", "https://gw.example.com"),
		&telephony.Bridge{Logger: logger},
		factory,
		metrics.NewCollector("test"),
		logger,
	)
	f.srv = New(cfg, h, logger)
	return f
}

func (f *fixture) post(path string, form url.Values) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.srv.Router.ServeHTTP(w, r)
	return w
}

func TestServer_Healthz(t *testing.T) {
	f := newFixture(t, config.Config{})
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	f.srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, config.Config{})
	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	f.srv.Router.ServeHTTP(w, r)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "test_active_calls") {
		t.Fatalf("metrics: %d\n%s", w.Code, w.Body.String())
	}
}

func TestVoice_UnknownCaller(t *testing.T) {
	f := newFixture(t, config.Config{})
	w := f.post("/twilio/voice", url.Values{"CallSid": {"CA1"}, "From": {"+4999"}, "To": {"+4930"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{`voice="Polly.Marlene"`, `language="de-DE"`, "nicht für den Dienst registriert", "<Hangup"} {
		if !strings.Contains(body, want) {
			t.Fatalf("response missing %q:\n%s", want, body)
		}
	}
	if _, err := f.store.GetCall(context.Background(), "CA1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown caller must not create a call, got %v", err)
	}
}

func TestVoice_KnownCallerConnectsStream(t *testing.T) {
	f := newFixture(t, config.Config{})
	erika := f.store.AddPerson(store.Person{DisplayName: "Erika", Phone: "+4930123"})

	w := f.post("/twilio/voice", url.Values{"CallSid": {"CA2"}, "From": {"+4930123"}, "To": {"+4930"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		"<Connect",
		`url="wss://gw.example.com/twilio/stream?call_sid=CA2"`,
		`name="person_id"`,
		erika.ID.String(),
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("response missing %q:\n%s", want, body)
		}
	}

	call, err := f.store.GetCall(context.Background(), "CA2")
	if err != nil {
		t.Fatalf("call not recorded: %v", err)
	}
	if call.PersonID != erika.ID || call.Status != store.StatusInProgress || call.Direction != store.Inbound {
		t.Fatalf("call = %+v", call)
	}
}

func TestStatus_CompletesCall(t *testing.T) {
	f := newFixture(t, config.Config{})
	_ = f.store.CreateCall(context.Background(), store.Call{SID: "CA3", StartedAt: time.Now(), Status: store.StatusInProgress})

	if w := f.post("/twilio/status", url.Values{"CallSid": {"CA3"}, "CallStatus": {"ringing"}}); w.Code != http.StatusOK {
		t.Fatalf("ringing: %d", w.Code)
	}
	call, _ := f.store.GetCall(context.Background(), "CA3")
	if call.Status != store.StatusRinging {
		t.Fatalf("status = %s", call.Status)
	}

	f.post("/twilio/status", url.Values{"CallSid": {"CA3"}, "CallStatus": {"completed"}, "CallDuration": {"42"}})
	call, _ = f.store.GetCall(context.Background(), "CA3")
	if call.Status != store.StatusCompleted || call.EndedAt == nil || call.DurationSec != 42 {
		t.Fatalf("call = %+v", call)
	}
}

func TestWebhooks_RequireSignature(t *testing.T) {
	f := newFixture(t, config.Config{TwilioAuthToken: "secret", TwilioValidateSignature: true})
	if w := f.post("/twilio/voice", url.Values{"CallSid": {"CA4"}}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := f.post("/twilio/status", url.Values{"CallSid": {"CA4"}}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestStream_HandsStartToFactory(t *testing.T) {
	f := newFixture(t, config.Config{})
	ts := httptest.NewServer(f.srv.Router)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/twilio/stream?call_sid=CA5", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	start := `{"event":"start","streamSid":"MZ5","start":{"streamSid":"MZ5","callSid":"CA5",` +
		`"customParameters":{"call_sid":"CA5"},"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case info := <-f.starts:
		if info.CallSID != "CA5" || info.StreamSID != "MZ5" {
			t.Fatalf("info = %+v", info)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("factory not called")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("socket should close when no session can be created")
	}
}
