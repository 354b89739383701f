package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chadiek/companion-gateway/internal/agent"
	"github.com/chadiek/companion-gateway/internal/store"
	"github.com/chadiek/companion-gateway/internal/telephony"
)

// Stream parameters set on <Stream> by the voice webhook.
const (
	ParamCallSID  = "call_sid"
	ParamPersonID = "person_id"
	ParamFrom     = "from"
	ParamTo       = "to"
)

// Sessions creates call sessions for started media streams and keeps them in
// the arena until they end.
type Sessions struct {
	Deps   agent.Deps
	Store  store.Store
	Arena  *agent.Arena
	Logger *slog.Logger
}

// Open is a telephony.Factory.
func (s *Sessions) Open(ctx context.Context, info telephony.StartInfo) (telephony.Session, error) {
	callSID := info.CallSID
	if callSID == "" {
		callSID = info.Parameters[ParamCallSID]
	}
	if callSID == "" {
		return nil, errors.New("stream start without call sid")
	}

	params := agent.Params{
		CallSID: callSID,
		From:    info.Parameters[ParamFrom],
		To:      info.Parameters[ParamTo],
	}
	if s.Store != nil {
		if call, err := s.Store.GetCall(ctx, callSID); err == nil {
			params.StartedAt = call.StartedAt
			if params.From == "" {
				params.From = call.From
			}
		}
		if p, ok := s.person(ctx, info.Parameters[ParamPersonID]); ok {
			params.Person = &p
		}
	}

	sess, err := agent.NewSession(ctx, s.Deps, params)
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	if !s.Arena.Add(sess) {
		sess.End("duplicate")
		return nil, fmt.Errorf("call %s already has a session", callSID)
	}
	go func() {
		<-sess.Done()
		s.Arena.Remove(sess)
	}()
	s.logger().Info("session created", "call_sid", callSID, "known_caller", params.Person != nil, "active", s.Arena.Len())
	return sess, nil
}

func (s *Sessions) person(ctx context.Context, raw string) (store.Person, bool) {
	if raw == "" {
		return store.Person{}, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		s.logger().Warn("ignoring invalid person id", "person_id", raw)
		return store.Person{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	p, err := s.Store.GetPerson(ctx, id)
	if err != nil {
		s.logger().Warn("could not load caller", "person_id", raw, "error", err)
		return store.Person{}, false
	}
	return p, true
}

func (s *Sessions) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
