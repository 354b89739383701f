// Package metrics records per-turn latency breakdowns. It never sees transcript
// text, only timestamps.
package metrics

import (
	"sync"
	"time"
)

// TurnMetric is the latency breakdown of one conversational turn. Zero
// durations mean the stage was not reached.
type TurnMetric struct {
	Turn         int
	STTLatency   time.Duration // speech end to final transcript
	LLMTTFB      time.Duration
	LLMTotal     time.Duration
	TTSTTFB      time.Duration
	TotalLatency time.Duration // speech end to first agent audio
	BargeIn      bool
}

// TurnTimer collects the timestamps of one turn. The first mark of each
// "first" stage wins. A TurnTimer is used by one goroutine.
type TurnTimer struct {
	speechEnd time.Time
	sttFinal  time.Time
	llmStart  time.Time
	llmFirst  time.Time
	llmDone   time.Time
	ttsStart  time.Time
	ttsFirst  time.Time
	ttsDone   time.Time
	bargeIn   bool
}

func setOnce(t *time.Time, ts time.Time) {
	if t.IsZero() {
		*t = ts
	}
}

func (t *TurnTimer) SpeechEnd(ts time.Time)     { setOnce(&t.speechEnd, ts) }
func (t *TurnTimer) STTFinal(ts time.Time)      { t.sttFinal = ts }
func (t *TurnTimer) LLMStart(ts time.Time)      { setOnce(&t.llmStart, ts) }
func (t *TurnTimer) LLMFirstToken(ts time.Time) { setOnce(&t.llmFirst, ts) }
func (t *TurnTimer) LLMDone(ts time.Time)       { t.llmDone = ts }
func (t *TurnTimer) TTSStart(ts time.Time)      { setOnce(&t.ttsStart, ts) }
func (t *TurnTimer) TTSFirstAudio(ts time.Time) { setOnce(&t.ttsFirst, ts) }
func (t *TurnTimer) TTSDone(ts time.Time)       { t.ttsDone = ts }
func (t *TurnTimer) BargeIn()                   { t.bargeIn = true }

func span(from, to time.Time) time.Duration {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return 0
	}
	return to.Sub(from)
}

// Metric computes the breakdown.
func (t *TurnTimer) Metric(turn int) TurnMetric {
	return TurnMetric{
		Turn:         turn,
		STTLatency:   span(t.speechEnd, t.sttFinal),
		LLMTTFB:      span(t.llmStart, t.llmFirst),
		LLMTotal:     span(t.llmStart, t.llmDone),
		TTSTTFB:      span(t.ttsStart, t.ttsFirst),
		TotalLatency: span(t.speechEnd, t.ttsFirst),
		BargeIn:      t.bargeIn,
	}
}

// Sink receives every recorded turn, e.g. a prometheus Collector.
type Sink interface {
	ObserveTurn(m TurnMetric)
	ObserveBargeIn()
}

// Recorder keeps the turns of one call. Recorded metrics are never modified.
type Recorder struct {
	sink  Sink
	start time.Time

	mu       sync.Mutex
	turns    []TurnMetric
	bargeIns int
}

// NewRecorder starts recording a call at start. sink may be nil.
func NewRecorder(start time.Time, sink Sink) *Recorder {
	return &Recorder{start: start, sink: sink}
}

// Record appends the metric of a finished turn and returns it.
func (r *Recorder) Record(t *TurnTimer) TurnMetric {
	r.mu.Lock()
	m := t.Metric(len(r.turns) + 1)
	r.turns = append(r.turns, m)
	r.mu.Unlock()
	if r.sink != nil {
		r.sink.ObserveTurn(m)
	}
	return m
}

// RecordBargeIn counts one interruption of the agent.
func (r *Recorder) RecordBargeIn() {
	r.mu.Lock()
	r.bargeIns++
	r.mu.Unlock()
	if r.sink != nil {
		r.sink.ObserveBargeIn()
	}
}

// Turns returns a copy of the recorded metrics.
func (r *Recorder) Turns() []TurnMetric {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TurnMetric(nil), r.turns...)
}

// Summary aggregates a call. Averages skip turns where a stage was not reached.
type Summary struct {
	Duration       time.Duration
	Turns          int
	BargeIns       int
	AvgSTTLatency  time.Duration
	AvgLLMTTFB     time.Duration
	AvgTTSTTFB     time.Duration
	AvgTurnLatency time.Duration
}

// Summary computes the aggregate at end.
func (r *Recorder) Summary(end time.Time) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	pick := func(f func(TurnMetric) time.Duration) time.Duration {
		var sum time.Duration
		var n int
		for _, m := range r.turns {
			if d := f(m); d > 0 {
				sum += d
				n++
			}
		}
		if n == 0 {
			return 0
		}
		return sum / time.Duration(n)
	}
	return Summary{
		Duration:       span(r.start, end),
		Turns:          len(r.turns),
		BargeIns:       r.bargeIns,
		AvgSTTLatency:  pick(func(m TurnMetric) time.Duration { return m.STTLatency }),
		AvgLLMTTFB:     pick(func(m TurnMetric) time.Duration { return m.LLMTTFB }),
		AvgTTSTTFB:     pick(func(m TurnMetric) time.Duration { return m.TTSTTFB }),
		AvgTurnLatency: pick(func(m TurnMetric) time.Duration { return m.TotalLatency }),
	}
}

// LogAttrs renders the summary as slog key/value pairs.
func (s Summary) LogAttrs() []any {
	return []any{
		"duration_sec", s.Duration.Seconds(),
		"total_turns", s.Turns,
		"barge_in_count", s.BargeIns,
		"avg_stt_ms", s.AvgSTTLatency.Milliseconds(),
		"avg_llm_ttfb_ms", s.AvgLLMTTFB.Milliseconds(),
		"avg_tts_ttfb_ms", s.AvgTTSTTFB.Milliseconds(),
		"avg_turn_latency_ms", s.AvgTurnLatency.Milliseconds(),
	}
}
