package postcall

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/chadiek/companion-gateway/internal/llm"
	"github.com/chadiek/companion-gateway/internal/memory"
	"github.com/chadiek/companion-gateway/internal/store"
)

const (
	MaxSummaryBullets = 8
	MaxReasonRunes    = 200
	bullet            = "• "
)

const analystSystem = "Du bist ein sorgfältiger Analyst für Telefongespräche eines Begleitdienstes für ältere Menschen. Antworte immer auf Deutsch."

const sentimentPrompt = `Analysiere die Stimmung dieses Gesprächs und antworte NUR mit JSON.

Gespräch:
%s

Antworte mit diesem exakten JSON-Format:
{
    "sentiment_label": "positiv" oder "neutral" oder "negativ",
    "sentiment_score": Zahl zwischen -1.0 (sehr negativ) und 1.0 (sehr positiv),
    "confidence": Zahl zwischen 0.0 und 1.0 (wie sicher bist du),
    "reason_short_de": "Kurze Begründung auf Deutsch (max 20 Wörter)"
}

Basiere die Analyse auf dem emotionalen Ton der Aussagen, den Themen und ihrem Kontext sowie sprachlichen Hinweisen auf Wohlbefinden.

NUR JSON, keine andere Ausgabe:`

const summaryPrompt = `Erstelle eine kurze Zusammenfassung dieses Gesprächs auf Deutsch.

Gespräch:
%s

Regeln:
- Maximal 8 Stichpunkte
- Jeder Punkt beginnt mit "• "
- Fokus auf: Hauptthemen, emotionale Momente, wichtige Informationen
- Keine sensiblen medizinischen Details
- Kurz und prägnant

Zusammenfassung:`

const memoryPrompt = `Extrahiere wichtige Fakten aus diesem Gespräch für das Langzeitgedächtnis.

Gespräch:
%s

Antworte NUR mit JSON in diesem Format:
{
    "facts": ["Fakt 1", "Fakt 2"],
    "preferences": ["Vorliebe 1"],
    "important_people": ["Name: Beziehung"],
    "recent_topics": ["Thema 1", "Thema 2"],
    "health_notes": ["Allgemeine Notiz ohne Details"],
    "mood_indicator": "gut|mittel|schlecht"
}

Regeln:
- Nur klare, verifizierte Fakten
- Keine Spekulationen
- Keine sensiblen medizinischen Details
- Leer lassen wenn nichts Relevantes

NUR JSON:`

var (
	sentimentOpts = llm.CompleteOptions{Temperature: 0.3, MaxTokens: 200, JSON: true}
	summaryOpts   = llm.CompleteOptions{Temperature: 0.5, MaxTokens: 400}
	memoryOpts    = llm.CompleteOptions{Temperature: 0.3, MaxTokens: 300, JSON: true}
)

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// stripFences removes a ```json ... ``` wrapper.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

type sentimentReply struct {
	Label      string  `json:"sentiment_label"`
	Score      float64 `json:"sentiment_score"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason_short_de"`
}

// ParseSentiment decodes and normalises a classifier answer.
func ParseSentiment(raw string) (store.Sentiment, error) {
	var r sentimentReply
	if err := json.Unmarshal([]byte(stripFences(raw)), &r); err != nil {
		return store.Sentiment{}, fmt.Errorf("decode sentiment: %w", err)
	}
	return store.Sentiment{
		Label:      normalizeLabel(r.Label),
		Score:      clamp(r.Score, -1, 1),
		Confidence: clamp(r.Confidence, 0, 1),
		Reason:     truncate(strings.TrimSpace(r.Reason), MaxReasonRunes),
	}, nil
}

func normalizeLabel(label string) string {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "positiv", "positive":
		return "positiv"
	case "negativ", "negative":
		return "negativ"
	}
	return "neutral"
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NormalizeSummary keeps at most eight bullet lines, each starting with "• ".
func NormalizeSummary(raw string) (string, error) {
	var lines []string
	for _, line := range strings.Split(stripFences(raw), "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "•-*· \t")
		line = strings.TrimSpace(line)
		// a leading "Zusammenfassung:" style header is not a bullet
		if line == "" || (len(lines) == 0 && strings.HasSuffix(line, ":")) {
			continue
		}
		lines = append(lines, bullet+line)
		if len(lines) == MaxSummaryBullets {
			break
		}
	}
	if len(lines) == 0 {
		return "", errors.New("empty summary")
	}
	return strings.Join(lines, "\n"), nil
}

// ParseMemory decodes an extraction answer into a delta.
func ParseMemory(raw string) (memory.Delta, error) {
	var d memory.Delta
	if err := json.Unmarshal([]byte(stripFences(raw)), &d); err != nil {
		return memory.Delta{}, fmt.Errorf("decode memory update: %w", err)
	}
	d.Mood = strings.TrimSpace(d.Mood)
	return d, nil
}
