package turn

import (
	"strings"
	"time"
	"unicode"
)

// Config holds the turn-taking heuristics. None of the values are known to be
// optimal; they are loaded from configuration so they can be tuned per line.
type Config struct {
	// SpeechFinalSilence is the recognizer endpointing window that produces speech_final.
	SpeechFinalSilence time.Duration
	// UtteranceEnd forces completion of a buffered utterance that ended on a marker.
	UtteranceEnd time.Duration
	// BargeInConfidence is the minimum confidence of a partial transcript that
	// interrupts the agent. Final transcripts always interrupt.
	BargeInConfidence float64
	// VoiceBargeIn lets local voice activity interrupt the agent before any transcript arrives.
	VoiceBargeIn bool

	markers map[string]struct{}
	fillers map[string]struct{}
}

// DefaultMarkers are German words after which a speaker usually continues.
var DefaultMarkers = []string{
	"und", "aber", "oder", "denn", "weil", "wenn", "dass", "ob", "obwohl", "während",
	"sondern", "also", "damit", "bevor", "nachdem", "falls", "sodass", "bis", "als",
	"mit", "für", "von", "zu", "zum", "zur", "auf", "über", "bei", "nach",
	"ein", "eine", "einen", "einem", "einer", "mein", "meine", "meinen",
	"äh", "ähm", "öhm", "hmm",
}

// DefaultFillers never form a complete utterance on their own.
var DefaultFillers = []string{"und", "aber", "also", "naja", "hmm", "ähm", "öhm", "na", "so", "äh"}

// NewConfig builds a Config from word lists and thresholds.
func NewConfig(speechFinal, utteranceEnd time.Duration, bargeInConfidence float64, markers, fillers []string) Config {
	return Config{
		SpeechFinalSilence: speechFinal,
		UtteranceEnd:       utteranceEnd,
		BargeInConfidence:  bargeInConfidence,
		VoiceBargeIn:       true,
		markers:            wordSet(markers),
		fillers:            wordSet(fillers),
	}
}

// DefaultConfig uses 400 ms speech-final silence, 1500 ms forced completion
// and the German word lists.
func DefaultConfig() Config {
	return NewConfig(400*time.Millisecond, 1500*time.Millisecond, 0.8, DefaultMarkers, DefaultFillers)
}

func wordSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

// Words splits text on anything that is not a letter.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool { return !unicode.IsLetter(r) })
}

// LastWord returns the final word of text, lower-cased.
func LastWord(text string) string {
	w := Words(text)
	if len(w) == 0 {
		return ""
	}
	return w[len(w)-1]
}

// EndsWithMarker reports whether the last word suggests the speaker will continue.
func (c Config) EndsWithMarker(text string) bool {
	_, ok := c.markers[LastWord(text)]
	return ok
}

// OnlyFiller reports whether text consists of a single filler word.
func (c Config) OnlyFiller(text string) bool {
	w := Words(text)
	if len(w) != 1 {
		return false
	}
	_, ok := c.fillers[w[0]]
	return ok
}

// Complete reports whether a speech_final utterance can be answered now.
func (c Config) Complete(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	return !c.OnlyFiller(text) && !c.EndsWithMarker(text)
}
