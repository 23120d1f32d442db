// SPDX-License-Identifier: MIT

package state

import (
	"strings"

	"golang.org/x/text/language"
)

// Track describes one audio stream as reported by the probe adapter.
type Track struct {
	Language string // ISO tag from the stream metadata, may be empty
	Channels int
	Default  bool
	Title    string // stream title tag, may be empty
	Codec    string
}

var englishMatcher = language.NewMatcher([]language.Tag{language.English})

// isEnglish matches the stream language tag against English, falling back to
// a title scan for streams whose metadata is prose instead of a tag.
func isEnglish(t Track) bool {
	if lang := strings.TrimSpace(t.Language); lang != "" {
		if tag, err := language.Parse(lang); err == nil {
			if _, _, conf := englishMatcher.Match(tag); conf >= language.High {
				return true
			}
		}
	}
	title := strings.ToLower(t.Title)
	return strings.Contains(title, "english") || strings.Contains(title, "eng")
}

// HasEnglishStereo reports whether any track is an English 2.0 stream, which
// makes conversion unnecessary.
func HasEnglishStereo(tracks []Track) bool {
	for _, t := range tracks {
		if t.Channels == 2 && isEnglish(t) {
			return true
		}
	}
	return false
}

// HasSurround reports whether any track has more than two channels.
func HasSurround(tracks []Track) bool {
	for _, t := range tracks {
		if t.Channels > 2 {
			return true
		}
	}
	return false
}

// PickSurroundTrack returns the stream index (position in tracks) of the
// track a converter should downmix: an English surround track if present,
// the default surround track otherwise, else the first surround track.
// Returns -1 when nothing qualifies.
func PickSurroundTrack(tracks []Track) int {
	first, def := -1, -1
	for i, t := range tracks {
		if t.Channels <= 2 {
			continue
		}
		if isEnglish(t) {
			return i
		}
		if t.Default && def == -1 {
			def = i
		}
		if first == -1 {
			first = i
		}
	}
	if def != -1 {
		return def
	}
	return first
}
