package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/twiml"

	"github.com/chadiek/companion-gateway/internal/metrics"
	"github.com/chadiek/companion-gateway/internal/middleware"
	"github.com/chadiek/companion-gateway/internal/store"
	"github.com/chadiek/companion-gateway/internal/telephony"
	svc "github.com/chadiek/companion-gateway/internal/usecase"
)

const unknownCallerMessage = "Entschuldigung, diese Nummer ist nicht für den Dienst registriert. " +
	"Bitte wenden Sie sich an Ihren Ansprechpartner. Auf Wiederhören."

// URLBuilder derives public URLs from an incoming request; *usecase.CallControl satisfies it.
type URLBuilder interface {
	BuildAbsoluteURL(r *http.Request, path string) string
	StreamURL(r *http.Request, callSID string) string
}

type Handlers struct {
	Store    store.Store
	URLs     URLBuilder
	Bridge   *telephony.Bridge
	Sessions telephony.Factory
	Metrics  *metrics.Collector
	Logger   *slog.Logger

	upgrader websocket.Upgrader
}

func NewHandlers(st store.Store, urls URLBuilder, bridge *telephony.Bridge, sessions telephony.Factory, m *metrics.Collector, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		Store:    st,
		URLs:     urls,
		Bridge:   bridge,
		Sessions: sessions,
		Metrics:  m,
		Logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  65536,
			WriteBufferSize: 65536,
			// Twilio connects from its own media servers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the routes; twilioAuth guards the webhooks.
func (h *Handlers) Register(e *echo.Echo, twilioAuth echo.MiddlewareFunc) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(h.Metrics.Handler()))

	tw := e.Group("/twilio")
	tw.POST("/voice", h.voice, twilioAuth)
	tw.POST("/status", h.status, twilioAuth)
	tw.GET("/stream", h.stream)
}

func twimlResponse(c echo.Context, elements ...twiml.Element) error {
	response, err := twiml.Voice(elements)
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, response)
}

func (h *Handlers) voice(c echo.Context) error {
	params, ok := c.Get(middleware.ParamsKey).(map[string]string)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	callSID := params["CallSid"]
	from := params["From"]
	to := params["To"]
	log := h.Logger.With("call_sid", callSID)
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	person, err := h.Store.FindPersonByPhone(ctx, from)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("caller lookup failed", "error", err)
		}
		log.Info("rejecting unregistered caller")
		say := &twiml.VoiceSay{Message: unknownCallerMessage, Voice: svc.SayVoice, Language: svc.SayLanguage}
		return twimlResponse(c, say, &twiml.VoiceHangup{})
	}

	call := store.Call{
		ID:        uuid.New(),
		SID:       callSID,
		PersonID:  person.ID,
		Direction: store.Inbound,
		From:      from,
		To:        to,
		StartedAt: time.Now().UTC(),
		Status:    store.StatusInProgress,
	}
	if err := h.Store.CreateCall(ctx, call); err != nil {
		log.Warn("could not record call", "error", err)
	}
	log.Info("connecting caller", "person_id", person.ID)

	streamEl := &twiml.VoiceStream{
		Url: h.URLs.StreamURL(c.Request(), callSID),
		InnerElements: []twiml.Element{
			&twiml.VoiceParameter{Name: svc.ParamCallSID, Value: callSID},
			&twiml.VoiceParameter{Name: svc.ParamPersonID, Value: person.ID.String()},
			&twiml.VoiceParameter{Name: svc.ParamFrom, Value: from},
			&twiml.VoiceParameter{Name: svc.ParamTo, Value: to},
		},
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{streamEl}}
	return twimlResponse(c, connect)
}

func (h *Handlers) status(c echo.Context) error {
	params, ok := c.Get(middleware.ParamsKey).(map[string]string)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	callSID := params["CallSid"]
	log := h.Logger.With("call_sid", callSID)
	status, known := store.ParseStatus(params["CallStatus"])
	if !known {
		log.Debug("ignoring call status", "status", params["CallStatus"])
		return c.String(http.StatusOK, "OK")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	switch status {
	case store.StatusCompleted, store.StatusFailed, store.StatusNoAnswer:
		duration, _ := strconv.Atoi(params["CallDuration"])
		err := h.Store.UpdateCall(ctx, callSID, store.CallUpdate{
			Status:      status,
			EndedAt:     time.Now().UTC(),
			DurationSec: duration,
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Error("could not finish call", "status", status, "error", err)
		}
	default:
		if err := h.Store.UpdateCallStatus(ctx, callSID, status); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Error("could not update call status", "status", status, "error", err)
		}
	}
	log.Info("call status", "status", status)
	return c.String(http.StatusOK, "OK")
}

func (h *Handlers) stream(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.Logger.Warn("media stream upgrade failed", "error", err)
		return nil
	}
	if err := h.Bridge.Serve(c.Request().Context(), conn, h.Sessions); err != nil {
		h.Logger.Error("media stream ended with error", "call_sid", c.QueryParam(svc.ParamCallSID), "error", err)
	}
	return nil
}
