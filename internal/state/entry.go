// SPDX-License-Identifier: MIT

package state

import (
	"crypto/md5" // #nosec G501 -- group ids need locality, not collision resistance
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"
)

// FileEntry is the durable record of one tracked file. Zero time values map
// to NULL columns in the store.
type FileEntry struct {
	Path              string
	Size              int64
	SizeObservedAt    time.Time
	StableSince       time.Time // zero while the size keeps changing
	Integrity         IntegrityStatus
	IntegrityAttempts int
	Processed         ProcessedStatus
	GroupID           string
	Role              Role
	NextCheckAt       time.Time
	BackoffSec        int
	DiscoveredAt      time.Time
	UpdatedAt         time.Time // maintained by the store; retention GC cutoff
	LastError         string

	// Lease columns; owned by the store, never set by the machine.
	LeaseOwner    string
	LeaseDeadline time.Time
}

// Terminal reports whether the record is scheduled never to wake again.
func (e *FileEntry) Terminal() bool {
	return e.NextCheckAt.Equal(SentinelNever)
}

// NewFileEntry returns the record discovery creates for a fresh path.
func NewFileEntry(path string, now time.Time) FileEntry {
	role := RoleOriginal
	if IsCompanionPath(path) {
		role = RoleStereoCompanion
	}
	return FileEntry{
		Path:         path,
		Integrity:    IntegrityUnknown,
		Processed:    ProcessedNew,
		Role:         role,
		NextCheckAt:  now,
		DiscoveredAt: now,
	}
}

// GroupEntry is the durable record of one original/companion pair.
type GroupEntry struct {
	GroupID        string
	OriginalPath   string
	CompanionPath  string
	State          GroupState
	DeleteOriginal bool
	CreatedAt      time.Time
	FinishedAt     time.Time
}

// Done reports whether the group reached a final state.
func (g *GroupEntry) Done() bool {
	return g.State == GroupProcessed || g.State == GroupFailed
}

const companionMarker = ".stereo"

// DeriveGroupID computes the group identity for a path: the first 8 hex
// characters of the MD5 of the parent directory, a slash, and the file stem
// with any trailing companion marker removed. Original and companion thus
// map to the same id.
func DeriveGroupID(path string) string {
	dir := filepath.Dir(path)
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	stem = strings.TrimSuffix(stem, companionMarker)
	sum := md5.Sum([]byte(dir)) // #nosec G401
	return hex.EncodeToString(sum[:])[:8] + "/" + stem
}

// IsCompanionPath reports whether the path names a stereo companion file.
func IsCompanionPath(path string) bool {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.HasSuffix(stem, companionMarker)
}

// CompanionPathFor returns the companion path next to the original,
// e.g. /m/film.mkv -> /m/film.stereo.mkv.
func CompanionPathFor(original string) string {
	ext := filepath.Ext(original)
	return strings.TrimSuffix(original, ext) + companionMarker + ext
}
