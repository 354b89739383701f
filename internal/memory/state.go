// Package memory holds the bounded long-term context kept per caller and the
// merge applied after every call.
package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is bumped whenever State changes shape.
const SchemaVersion = 1

// Caps bound every list in State.
type Caps struct {
	Facts int
	Other int
}

// DefaultCaps keeps prompts small: 20 facts, 10 entries for every other list.
var DefaultCaps = Caps{Facts: 20, Other: 10}

// State is the long-term context about one caller.
type State struct {
	SchemaVersion   int       `json:"schema_version"`
	Facts           []string  `json:"facts"`
	Preferences     []string  `json:"preferences"`
	ImportantPeople []string  `json:"important_people"`
	RecentTopics    []string  `json:"recent_topics"`
	HealthNotes     []string  `json:"health_notes"`
	Mood            string    `json:"mood_indicator,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// Delta is what one call's extraction step produced.
type Delta struct {
	Facts           []string `json:"facts"`
	Preferences     []string `json:"preferences"`
	ImportantPeople []string `json:"important_people"`
	RecentTopics    []string `json:"recent_topics"`
	HealthNotes     []string `json:"health_notes"`
	Mood            string   `json:"mood_indicator"`
}

// Empty reports whether the delta carries nothing to merge.
func (d Delta) Empty() bool {
	return len(d.Facts) == 0 && len(d.Preferences) == 0 && len(d.ImportantPeople) == 0 &&
		len(d.RecentTopics) == 0 && len(d.HealthNotes) == 0 && strings.TrimSpace(d.Mood) == ""
}

// Empty reports whether nothing is known about the caller yet.
func (s State) Empty() bool {
	return len(s.Facts) == 0 && len(s.Preferences) == 0 && len(s.ImportantPeople) == 0 &&
		len(s.RecentTopics) == 0 && len(s.HealthNotes) == 0 && s.Mood == ""
}

// Merge folds d into s. Entries are deduplicated case-insensitively, new
// entries go to the end, and the oldest entries are evicted first once a list
// exceeds its cap. Mood is replaced when d carries one. Merging an empty delta
// returns s unchanged.
func Merge(s State, d Delta, caps Caps, now time.Time) State {
	if d.Empty() {
		return s
	}
	out := State{
		SchemaVersion:   SchemaVersion,
		Facts:           mergeList(s.Facts, d.Facts, caps.Facts),
		Preferences:     mergeList(s.Preferences, d.Preferences, caps.Other),
		ImportantPeople: mergeList(s.ImportantPeople, d.ImportantPeople, caps.Other),
		RecentTopics:    mergeList(s.RecentTopics, d.RecentTopics, caps.Other),
		HealthNotes:     mergeList(s.HealthNotes, d.HealthNotes, caps.Other),
		Mood:            s.Mood,
		UpdatedAt:       now,
	}
	if m := strings.TrimSpace(d.Mood); m != "" {
		out.Mood = m
	}
	return out
}

func mergeList(existing, added []string, limit int) []string {
	seen := make(map[string]int, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	push := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		key := strings.ToLower(v)
		if idx, ok := seen[key]; ok {
			// re-mentioned entries move to the newest position
			out = append(out[:idx], out[idx+1:]...)
			for k, i := range seen {
				if i > idx {
					seen[k] = i - 1
				}
			}
		}
		seen[key] = len(out)
		out = append(out, v)
	}
	for _, v := range existing {
		push(v)
	}
	for _, v := range added {
		push(v)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Marshal encodes the state for storage.
func Marshal(s State) ([]byte, error) {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = SchemaVersion
	}
	return json.Marshal(s)
}

// Unmarshal decodes a stored state. Empty input yields an empty state.
func Unmarshal(data []byte) (State, error) {
	var s State
	if len(data) == 0 {
		s.SchemaVersion = SchemaVersion
		return s, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("decode memory state: %w", err)
	}
	if s.SchemaVersion > SchemaVersion {
		return State{}, fmt.Errorf("memory state schema %d is newer than supported %d", s.SchemaVersion, SchemaVersion)
	}
	s.SchemaVersion = SchemaVersion
	return s, nil
}
