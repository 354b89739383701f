package llm

import (
	"strings"
	"unicode"
)

// Splitter cuts a token stream into sentence-like chunks so synthesis can
// start before the reply is complete. A chunk ends at '.', '!' or '?' followed
// by whitespace, or at a line break, so "3.50" stays in one piece.
type Splitter struct {
	buf      strings.Builder
	boundary bool
}

// Feed adds streamed text and returns the chunks it completed.
func (s *Splitter) Feed(text string) []string {
	var out []string
	for _, r := range text {
		switch {
		case r == '\n' || r == '\r':
			s.boundary = false
			if c := s.take(); c != "" {
				out = append(out, c)
			}
		case s.boundary && unicode.IsSpace(r):
			s.boundary = false
			if c := s.take(); c != "" {
				out = append(out, c)
			}
		default:
			s.buf.WriteRune(r)
			s.boundary = r == '.' || r == '!' || r == '?'
		}
	}
	return out
}

// Flush returns whatever is buffered, possibly an unterminated sentence.
func (s *Splitter) Flush() string {
	s.boundary = false
	return s.take()
}

func (s *Splitter) take() string {
	c := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return c
}

// SplitSentences splits a complete reply.
func SplitSentences(reply string) []string {
	var s Splitter
	out := s.Feed(reply)
	if tail := s.Flush(); tail != "" {
		out = append(out, tail)
	}
	return out
}
