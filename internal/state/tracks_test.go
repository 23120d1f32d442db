// SPDX-License-Identifier: MIT

package state

import "testing"

func TestHasEnglishStereo(t *testing.T) {
	cases := []struct {
		name   string
		tracks []Track
		want   bool
	}{
		{"iso639-2 tag", []Track{{Language: "eng", Channels: 2}}, true},
		{"iso639-1 tag", []Track{{Language: "en", Channels: 2}}, true},
		{"regional tag", []Track{{Language: "en-US", Channels: 2}}, true},
		{"prose title only", []Track{{Title: "English Stereo", Channels: 2}}, true},
		{"surround english is not stereo", []Track{{Language: "eng", Channels: 6}}, false},
		{"german stereo", []Track{{Language: "deu", Channels: 2}}, false},
		{"no tracks", nil, false},
		{"mixed, english stereo present", []Track{
			{Language: "deu", Channels: 6},
			{Language: "eng", Channels: 2},
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HasEnglishStereo(tc.tracks); got != tc.want {
				t.Fatalf("HasEnglishStereo = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestHasSurround(t *testing.T) {
	if HasSurround([]Track{{Channels: 2}, {Channels: 1}}) {
		t.Fatal("stereo/mono must not count as surround")
	}
	if !HasSurround([]Track{{Channels: 2}, {Channels: 6}}) {
		t.Fatal("5.1 track must count as surround")
	}
}

func TestPickSurroundTrackPrefersEnglish(t *testing.T) {
	tracks := []Track{
		{Language: "deu", Channels: 6, Default: true},
		{Language: "eng", Channels: 6},
		{Language: "eng", Channels: 2},
	}
	if got := PickSurroundTrack(tracks); got != 1 {
		t.Fatalf("PickSurroundTrack = %d, want 1 (english surround)", got)
	}
}

func TestPickSurroundTrackFallsBackToDefault(t *testing.T) {
	tracks := []Track{
		{Language: "fra", Channels: 6},
		{Language: "deu", Channels: 8, Default: true},
	}
	if got := PickSurroundTrack(tracks); got != 1 {
		t.Fatalf("PickSurroundTrack = %d, want 1 (default surround)", got)
	}
}

func TestPickSurroundTrackNoCandidate(t *testing.T) {
	if got := PickSurroundTrack([]Track{{Language: "eng", Channels: 2}}); got != -1 {
		t.Fatalf("PickSurroundTrack = %d, want -1", got)
	}
}
