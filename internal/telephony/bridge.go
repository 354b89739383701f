// Package telephony terminates Twilio media streams and connects them to a
// call session.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/companion-gateway/internal/agent"
	"github.com/chadiek/companion-gateway/internal/audio"
	"github.com/chadiek/companion-gateway/internal/metrics"
	"github.com/chadiek/companion-gateway/internal/stream"
)

// State of one media stream.
type State int

const (
	Connected State = iota
	Started
	Streaming
	Stopped
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Started:
		return "started"
	case Streaming:
		return "streaming"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Session is the duplex audio surface of a call; *agent.Session satisfies it.
type Session interface {
	Start(ctx context.Context) error
	PushInboundAudio(ulaw []byte)
	PullOutboundAudio() (agent.Frame, bool)
	Outbound() <-chan struct{}
	OnClear(fn func())
	MarkPlayed(name string)
	End(reason string)
	Done() <-chan struct{}
}

// StartInfo is what the start message tells about the stream.
type StartInfo struct {
	StreamSID  string
	CallSID    string
	Parameters map[string]string
	Format     MediaFormat
}

// Factory creates the session for a started stream.
type Factory func(ctx context.Context, info StartInfo) (Session, error)

// Conn is the websocket connection to the provider; *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Bridge moves audio between a media stream and its session.
type Bridge struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	// FrameInterval paces outbound audio; 20 ms matches the frame size.
	FrameInterval time.Duration
	WriteTimeout  time.Duration
}

// ValidateFormat accepts only 8 kHz mono μ-law.
func ValidateFormat(f MediaFormat) error {
	if f.Encoding != audio.Encoding || f.SampleRate != audio.SampleRate || f.Channels != audio.Channels {
		return &stream.ConfigError{
			Field:  "mediaFormat",
			Reason: fmt.Sprintf("unsupported %s/%d/%d, want %s/%d/%d", f.Encoding, f.SampleRate, f.Channels, audio.Encoding, audio.SampleRate, audio.Channels),
		}
	}
	return nil
}

// call is the per-connection state of Serve.
type call struct {
	b    *Bridge
	conn Conn
	log  *slog.Logger

	writeMu   sync.Mutex
	streamSID string

	state   State
	lastSeq uint64
	sess    Session
	writer  sync.WaitGroup
	stop    chan struct{}
}

// Serve reads the stream until it stops or the socket closes. A media format
// other than 8 kHz mono μ-law is a configuration error and ends the stream.
func (b *Bridge) Serve(ctx context.Context, conn Conn, factory Factory) error {
	log := b.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &call{b: b, conn: conn, log: log, stop: make(chan struct{})}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	reason := "disconnect"
	err := c.safeRead(ctx, factory)
	switch {
	case err == nil:
		reason = "stop"
	case errors.Is(err, stream.ErrConfiguration):
		reason = "configuration"
	}
	c.finish(reason)
	if err != nil && !isClosed(err) {
		return err
	}
	return nil
}

// isClosed reports read errors that just mean the call went away.
func isClosed(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	) || errors.Is(err, errSessionDone) || errors.Is(err, net.ErrClosed)
}

var errSessionDone = errors.New("session ended")

func (c *call) safeRead(ctx context.Context, factory Factory) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("recovered from panic in media stream", "panic", r)
			err = fmt.Errorf("media stream panic: %v", r)
		}
	}()
	return c.read(ctx, factory)
}

func (c *call) read(ctx context.Context, factory Factory) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.sess != nil {
				select {
				case <-c.sess.Done():
					return errSessionDone
				default:
				}
			}
			return err
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.malformed(stream.Malformed("stream message", err))
			continue
		}

		switch msg.Event {
		case EventConnected:
			c.log.Debug("media stream connected", "protocol", msg.Protocol)

		case EventStart:
			if err := c.start(ctx, msg, factory); err != nil {
				return err
			}

		case EventMedia:
			c.media(msg)

		case EventMark:
			if msg.Mark != nil && c.sess != nil {
				c.log.Debug("playback acknowledged", "mark", msg.Mark.Name)
				c.sess.MarkPlayed(msg.Mark.Name)
			}

		case EventDTMF:
			if msg.DTMF != nil {
				c.log.Info("dtmf received", "digit", msg.DTMF.Digit)
			}

		case EventStop:
			c.state = Stopped
			c.log.Info("media stream stopped")
			return nil

		default:
			c.log.Debug("ignoring stream event", "event", msg.Event)
		}
	}
}

func (c *call) start(ctx context.Context, msg inbound, factory Factory) error {
	if c.state != Connected {
		c.log.Warn("duplicate start message ignored")
		return nil
	}
	if msg.Start == nil {
		c.malformed(stream.Malformed("start message", errors.New("missing start body")))
		return nil
	}
	info := StartInfo{
		StreamSID:  msg.Start.StreamSID,
		CallSID:    msg.Start.CallSID,
		Parameters: msg.Start.CustomParameters,
		Format:     msg.Start.MediaFormat,
	}
	if info.StreamSID == "" {
		info.StreamSID = msg.StreamSID
	}
	c.log = c.log.With("call_sid", info.CallSID, "stream_sid", info.StreamSID)
	if err := ValidateFormat(info.Format); err != nil {
		c.log.Error("rejecting media stream", "error", err)
		return err
	}

	sess, err := factory(ctx, info)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	c.writeMu.Lock()
	c.streamSID = info.StreamSID
	c.writeMu.Unlock()
	c.sess = sess
	c.state = Started
	sess.OnClear(c.clear)

	c.writer.Add(1)
	go c.writeLoop()

	if err := sess.Start(ctx); err != nil {
		// the session plays its closing message and hangs up
		c.log.Warn("session start failed", "error", err)
	}
	c.log.Info("media stream started", "format", info.Format.Encoding, "sample_rate", info.Format.SampleRate)
	return nil
}

func (c *call) media(msg inbound) {
	if c.sess == nil {
		c.log.Debug("media before start dropped")
		return
	}
	if msg.Media == nil {
		c.malformed(stream.Malformed("media message", errors.New("missing media body")))
		return
	}
	if msg.Media.Track != "" && msg.Media.Track != "inbound" {
		return
	}
	if msg.SequenceNumber != "" {
		seq, err := strconv.ParseUint(msg.SequenceNumber, 10, 64)
		if err != nil {
			c.malformed(stream.Malformed("sequence number", err))
			return
		}
		if seq <= c.lastSeq {
			c.b.Metrics.FramesDropped("inbound", "out_of_order", 1)
			return
		}
		c.lastSeq = seq
	}
	payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		c.malformed(stream.Malformed("media payload", err))
		return
	}
	c.state = Streaming
	c.sess.PushInboundAudio(payload)
}

func (c *call) malformed(err error) {
	c.b.Metrics.MalformedMessage()
	c.log.Warn("dropping stream message", "error", err)
}

// finish stops the writer and ends the session.
func (c *call) finish(reason string) {
	close(c.stop)
	c.writer.Wait()
	c.state = Stopped
	if c.sess != nil {
		c.sess.End(reason)
	}
}

// writeLoop sends queued agent audio, one frame per interval.
func (c *call) writeLoop() {
	defer c.writer.Done()
	interval := c.b.FrameInterval
	if interval <= 0 {
		interval = audio.FrameDurationMs * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		f, ok := c.sess.PullOutboundAudio()
		if !ok {
			select {
			case <-c.stop:
				return
			case <-c.sess.Done():
				// the session hung up; closing the socket ends the read loop
				_ = c.conn.Close()
				return
			case <-c.sess.Outbound():
			}
			continue
		}
		if f.Mark != "" {
			c.send(outboundMark{Event: EventMark, StreamSID: c.sid(), Mark: markBody{Name: f.Mark}})
			continue
		}
		c.send(outboundMedia{
			Event:     EventMedia,
			StreamSID: c.sid(),
			Media:     outboundBody{Payload: base64.StdEncoding.EncodeToString(f.Payload)},
		})
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
	}
}

func (c *call) clear() {
	c.send(outboundClear{Event: EventClear, StreamSID: c.sid()})
}

func (c *call) sid() string {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.streamSID
}

func (c *call) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("encode stream message", "error", err)
		return
	}
	timeout := c.b.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Debug("stream write failed", "error", err)
	}
}
