package agent

import (
	"fmt"
	"strings"
)

const (
	apologyText = "Entschuldige, da ist gerade etwas schiefgelaufen. Kannst du das bitte noch einmal sagen?"
	closingText = "Es tut mir leid, ich habe gerade technische Probleme. Ich melde mich später wieder. Auf Wiederhören!"
)

var namedGreetings = []string{
	"Hallo %s! Hier ist Viola. Schön, dass du anrufst. Wie geht's dir?",
	"Hey %s! Viola hier. Na, wie läuft's bei dir?",
	"Hallo %s! Schön von dir zu hören. Was macht das Leben?",
	"Hi %s! Hier ist Viola. Wie geht es dir heute?",
	"Hallo %s! Freut mich, von dir zu hören. Alles gut bei dir?",
	"Na %s! Viola am Apparat. Wie geht's, wie steht's?",
}

var anonymousGreetings = []string{
	"Hallo! Hier ist Viola. Schön, dass du anrufst. Wie geht's dir?",
	"Hey! Viola hier. Na, wie läuft's bei dir?",
	"Hallo! Schön von dir zu hören. Was macht das Leben?",
	"Hi! Hier ist Viola. Wie geht es dir heute?",
}

// firstName is the first word of a display name; the generic "Anrufer" yields "".
func firstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 || fields[0] == "Anrufer" {
		return ""
	}
	return fields[0]
}

// Greeting picks a greeting, addressing the caller by first name when known.
// pick returns an index in [0, n).
func Greeting(name string, pick func(n int) int) string {
	first := firstName(name)
	if first == "" {
		return anonymousGreetings[pick(len(anonymousGreetings))]
	}
	return fmt.Sprintf(namedGreetings[pick(len(namedGreetings))], first)
}
