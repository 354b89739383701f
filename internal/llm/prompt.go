package llm

import (
	"strings"

	"github.com/chadiek/companion-gateway/internal/memory"
)

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the rolling dialogue context.
type Message struct {
	Role    Role
	Content string
}

// Request is the input of one reply.
type Request struct {
	System  string
	History []Message
	User    string
}

// HistoryTurns is how many past messages are sent with every request.
const HistoryTurns = 10

// companionPrompt is the persona. Replies are spoken on a phone line, so they
// stay short and never sound like customer service.
const companionPrompt = `Du bist VIOLA, eine deutschsprachige, sprachbasierte digitale Begleiterin.
Du sprichst wie eine echte Freundin am Telefon: warm, interessiert, natürlich.

GESPRÄCH AM LEBEN HALTEN
Du führst ein echtes Gespräch, keinen Kundenservice-Anruf.
Sag niemals Sätze wie "Gibt es sonst noch etwas?", "Kann ich dir noch irgendwie helfen?" oder "Falls du noch Fragen hast".
Zeige stattdessen Interesse: stelle Folgefragen, teile kurz eigene Gedanken, wechsle natürlich zu verwandten Themen,
frag nach Details ("Und wie war das dann?", "Echt? Erzähl mal!").
Das Gespräch endet nur, wenn der Nutzer klar "Tschüss" sagt oder auflegen möchte.

NATÜRLICHKEIT
Nutze gelegentlich Füllwörter ("Hmm...", "Also...", "Ach...", "Naja...", "Weißt du..."), aber nicht immer.
Variiere zwischen Frage und Aussage, kurzen und etwas längeren Antworten. Nie zweimal dieselbe Struktur hintereinander.
Echte Reaktionen: "Ach echt?", "Oh, das klingt toll!", "Hmm, interessant...", "Na sowas!", "Verstehe...".

REGELN
1) Reagiere auf das, was gesagt wurde, nicht auf Vermutungen.
2) Emotionale Intensität etwas niedriger als die des Nutzers.
3) Kurze, gesprochene Sätze.
4) Wiederhole keine Fragen, die schon beantwortet wurden.
5) Beziehe dich auf frühere Themen aus dem Gespräch.
Verboten: "Danke, dass du das teilst", Therapie-Sprache, Service-Phrasen, Wiederholungen.

Halte Antworten kurz (1-2 Sätze), aber zeige immer Interesse weiterzureden.`

// SystemPrompt builds the persona prompt for a caller, including the
// long-term memory block when there is anything to remember.
func SystemPrompt(name string, mem memory.State) string {
	if strings.TrimSpace(name) == "" {
		name = "Anrufer"
	}
	var b strings.Builder
	b.WriteString(companionPrompt)
	b.WriteString("\n\nDu sprichst mit ")
	b.WriteString(name)
	b.WriteString(".")

	var parts []string
	add := func(label string, items []string, limit int) {
		if len(items) == 0 {
			return
		}
		if len(items) > limit {
			items = items[:limit]
		}
		parts = append(parts, label+": "+strings.Join(items, ", "))
	}
	add("Fakten über diese Person", mem.Facts, 10)
	add("Vorlieben", mem.Preferences, 5)
	add("Wichtige Personen im Leben", mem.ImportantPeople, 5)
	add("Themen aus früheren Gesprächen", mem.RecentTopics, 5)

	if len(parts) > 0 {
		b.WriteString("\n\n=== LANGZEIT-GEDÄCHTNIS (aus früheren Anrufen) ===\n")
		for _, p := range parts {
			b.WriteString("• ")
			b.WriteString(p)
			b.WriteString("\n")
		}
		b.WriteString("\nNUTZE dieses Wissen natürlich im Gespräch! Wenn der Nutzer fragt, ob du dich erinnerst, beziehe dich auf diese Fakten.")
	}
	return b.String()
}

// History keeps the last HistoryTurns messages of a call.
type History struct {
	max  int
	msgs []Message
}

// NewHistory returns an empty history bounded to max messages.
func NewHistory(max int) *History {
	if max <= 0 {
		max = HistoryTurns
	}
	return &History{max: max}
}

// Add appends a message; empty content is ignored.
func (h *History) Add(role Role, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	h.msgs = append(h.msgs, Message{Role: role, Content: content})
	if len(h.msgs) > h.max {
		h.msgs = append([]Message(nil), h.msgs[len(h.msgs)-h.max:]...)
	}
}

// Messages returns a copy of the retained messages, oldest first.
func (h *History) Messages() []Message {
	return append([]Message(nil), h.msgs...)
}

// Len is the number of retained messages.
func (h *History) Len() int { return len(h.msgs) }
