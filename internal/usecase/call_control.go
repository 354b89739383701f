package usecase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/chadiek/companion-gateway/internal/stream"
)

// Voice and language of messages Twilio speaks itself.
const (
	SayVoice    = "Polly.Marlene"
	SayLanguage = "de-DE"
)

// callUpdater is the slice of the Twilio REST API used here; *openapi.ApiService satisfies it.
type callUpdater interface {
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

// CallControl builds public callback URLs and ends calls through the Twilio REST API.
type CallControl struct {
	baseURL string
	api     callUpdater
}

// NewCallControl returns a CallControl. Without credentials Hangup fails with
// a configuration error; URL building still works.
func NewCallControl(accountSID, authToken, baseURL string) *CallControl {
	cc := &CallControl{baseURL: strings.TrimRight(baseURL, "/")}
	if accountSID != "" && authToken != "" {
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		})
		cc.api = client.Api
	}
	return cc
}

// BuildAbsoluteURL builds a public absolute URL for path.
// Priority: BASE_URL > X-Forwarded-* headers > request Host heuristic.
func (cc *CallControl) BuildAbsoluteURL(r *http.Request, path string) string {
	baseURL := cc.baseURL
	if baseURL == "" {
		proto := r.Header.Get("X-Forwarded-Proto")
		host := r.Header.Get("X-Forwarded-Host")
		if proto != "" && host != "" {
			baseURL = fmt.Sprintf("%s://%s", proto, host)
		}
	}
	if baseURL == "" {
		host := r.Host
		proto := "https"
		if strings.HasPrefix(host, "localhost:") || strings.HasPrefix(host, "127.0.0.1:") {
			proto = "http"
		}
		baseURL = fmt.Sprintf("%s://%s", proto, host)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return baseURL + path
}

// StreamURL is the media-stream socket address handed to Twilio for callSID.
func (cc *CallControl) StreamURL(r *http.Request, callSID string) string {
	u := cc.BuildAbsoluteURL(r, "/twilio/stream")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if callSID == "" {
		return u
	}
	return u + "?" + url.Values{"call_sid": {callSID}}.Encode()
}

// Hangup completes an in-progress call.
func (cc *CallControl) Hangup(ctx context.Context, callSID string) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	return cc.update(ctx, callSID, params)
}

// SayAndHangup replaces the running media stream with TwiML that speaks text
// and hangs up. It is used when our own speech synthesis is unavailable.
func (cc *CallControl) SayAndHangup(ctx context.Context, callSID, text string) error {
	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: text, Voice: SayVoice, Language: SayLanguage},
		&twiml.VoiceHangup{},
	})
	if err != nil {
		return fmt.Errorf("build farewell TwiML: %w", err)
	}
	params := &openapi.UpdateCallParams{}
	params.SetTwiml(doc)
	return cc.update(ctx, callSID, params)
}

func (cc *CallControl) update(ctx context.Context, callSID string, params *openapi.UpdateCallParams) error {
	if cc.api == nil {
		return &stream.ConfigError{Field: "TWILIO_ACCOUNT_SID", Reason: "credentials required to end calls"}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := cc.api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("hang up %s: %w", callSID, err)
	}
	return nil
}
