// SPDX-License-Identifier: MIT

package store

import (
	"fmt"
	"strings"
)

// Open selects a backend from a URL or plain path:
//
//	memory://            in-process map store
//	sqlite:///var/x.db   SQLite file store
//	/var/x.db            SQLite file store (bare path)
func Open(url string) (Store, error) {
	url = strings.TrimSpace(url)
	switch {
	case url == "":
		return nil, fmt.Errorf("store: empty database URL")
	case url == "memory://" || url == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("store: sqlite URL %q has no path", url)
		}
		return OpenSQLite(path)
	case strings.Contains(url, "://"):
		return nil, fmt.Errorf("store: unsupported database URL %q", url)
	default:
		return OpenSQLite(url)
	}
}
