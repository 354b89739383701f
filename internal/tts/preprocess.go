package tts

import (
	"regexp"
	"strings"
)

// MaxWordsPerSentence is the length after which a sentence gets breathing pauses.
const MaxWordsPerSentence = 20

var (
	stageDirections = regexp.MustCompile(`\[.*?\]`)
	nonSpeech       = regexp.MustCompile(`[^\p{L}\p{N}_\s.,!?\-]`)
	sentenceEnd     = regexp.MustCompile(`([.!?])\s+`)
	missingSpace    = regexp.MustCompile(`([.,!?])([A-ZÄÖÜa-zäöü])`)
	spaces          = regexp.MustCompile(`\s+`)

	pauseWords = map[string]struct{}{
		"und": {}, "aber": {}, "oder": {}, "denn": {}, "weil": {},
		"dass": {}, "wenn": {}, "obwohl": {}, "während": {},
	}
)

// Preprocess prepares model output for a German voice: it removes stage
// directions and emoji, adds a comma pause before conjunctions in long
// sentences, and normalises spacing.
func Preprocess(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = stageDirections.ReplaceAllString(text, "")
	text = nonSpeech.ReplaceAllString(text, "")
	if len(strings.Fields(text)) > MaxWordsPerSentence {
		text = addPauses(text)
	}
	text = missingSpace.ReplaceAllString(text, "$1 $2")
	return strings.TrimSpace(spaces.ReplaceAllString(text, " "))
}

func addPauses(text string) string {
	sentences := strings.Split(sentenceEnd.ReplaceAllString(text, "$1\n"), "\n")
	for i, sentence := range sentences {
		words := strings.Fields(sentence)
		if len(words) <= MaxWordsPerSentence {
			continue
		}
		for j := 1; j < len(words); j++ {
			if _, ok := pauseWords[strings.ToLower(words[j])]; !ok {
				continue
			}
			if j+1 <= MaxWordsPerSentence/2 {
				continue
			}
			if !strings.ContainsAny(words[j-1][len(words[j-1])-1:], ".,!?") {
				words[j-1] += ","
			}
		}
		sentences[i] = strings.Join(words, " ")
	}
	return strings.Join(sentences, " ")
}
