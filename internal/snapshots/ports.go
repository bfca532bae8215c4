package snapshots

import (
	"context"
	"errors"
	"fmt"

	"statguard/internal/core"
)

// Target selects a snapshot by how many steps it sits behind the newest one.
type Target int

const (
	Latest   Target = 0
	Previous Target = 1
)

// String implements fmt.Stringer
func (t Target) String() string {
	switch t {
	case Latest:
		return "latest"
	case Previous:
		return "previous"
	default:
		return fmt.Sprintf("latest-%d", int(t))
	}
}

// ErrNotFound is returned when no snapshot exists at the requested target.
var ErrNotFound = errors.New("snapshot not found")

// ErrConflict is returned by Replace when the base version is no longer the
// latest one: another writer appended or replaced a snapshot since it was
// read.
var ErrConflict = errors.New("snapshot changed since it was read")

// Version is a stored snapshot together with the row it came from. ID
// identifies the position in the history; Revision counts replacements of
// that position.
type Version struct {
	ID       int64
	Revision int64
	Snapshot core.Snapshot
}

// Ports for snapshot stores.
type (
	Fetcher interface {
		Get(ctx context.Context, target Target) (core.Snapshot, error)
	}

	// VersionFetcher reads a snapshot together with its version, for callers
	// that intend to replace it.
	VersionFetcher interface {
		GetVersion(ctx context.Context, target Target) (Version, error)
	}

	// Replacer swaps the whole document of base in one step, provided base
	// is still the latest version. It returns ErrConflict otherwise.
	Replacer interface {
		Replace(ctx context.Context, base Version, s core.Snapshot) (Version, error)
	}

	// Appender records a new accepted state, which becomes Latest.
	Appender interface {
		Append(ctx context.Context, s core.Snapshot) (id int64, err error)
	}

	// DerivationRecorder keeps an audit trail of engine passes. Stores may
	// leave it out.
	DerivationRecorder interface {
		RecordDerivation(ctx context.Context, rec core.DerivationRecord) error
	}

	Store interface {
		Fetcher
		VersionFetcher
		Replacer
		Appender
	}
)
