// SPDX-License-Identifier: MIT

package state

import (
	"strings"
	"testing"
)

func TestDeriveGroupIDPairsOriginalAndCompanion(t *testing.T) {
	orig := DeriveGroupID("/media/show/film.mkv")
	comp := DeriveGroupID("/media/show/film.stereo.mkv")
	if orig != comp {
		t.Fatalf("original group %q != companion group %q", orig, comp)
	}
	if !strings.HasSuffix(orig, "/film") {
		t.Errorf("group id %q should end with the stem", orig)
	}
	parts := strings.SplitN(orig, "/", 2)
	if len(parts[0]) != 8 {
		t.Errorf("directory hash prefix %q should be 8 hex chars", parts[0])
	}
}

func TestDeriveGroupIDSeparatesDirectories(t *testing.T) {
	a := DeriveGroupID("/media/a/film.mkv")
	b := DeriveGroupID("/media/b/film.mkv")
	if a == b {
		t.Fatalf("same stem in different directories must not collide: %q", a)
	}
}

func TestIsCompanionPath(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/media/film.stereo.mkv", true},
		{"/media/film.mkv", false},
		{"/media/film.stereo.sample.mkv", false},
		{"/media/stereo.mkv", false}, // stem is exactly "stereo", not a marker
	}
	for _, tc := range cases {
		if got := IsCompanionPath(tc.path); got != tc.want {
			t.Errorf("IsCompanionPath(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestCompanionPathFor(t *testing.T) {
	got := CompanionPathFor("/media/show/film.mkv")
	want := "/media/show/film.stereo.mkv"
	if got != want {
		t.Fatalf("CompanionPathFor = %q, want %q", got, want)
	}
}

func TestNewFileEntryDetectsRole(t *testing.T) {
	e := NewFileEntry("/media/film.stereo.mkv", t0)
	if e.Role != RoleStereoCompanion {
		t.Errorf("role = %v, want companion", e.Role)
	}
	e = NewFileEntry("/media/film.mkv", t0)
	if e.Role != RoleOriginal {
		t.Errorf("role = %v, want original", e.Role)
	}
	if !e.NextCheckAt.Equal(t0) {
		t.Errorf("fresh entries must be due immediately")
	}
}

func TestTerminalSentinel(t *testing.T) {
	e := NewFileEntry("/media/film.mkv", t0)
	if e.Terminal() {
		t.Fatal("fresh entry must not be terminal")
	}
	e.NextCheckAt = SentinelNever
	if !e.Terminal() {
		t.Fatal("sentinel entry must be terminal")
	}
}
