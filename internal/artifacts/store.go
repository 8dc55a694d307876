package artifacts

import (
	"context"
	"errors"
)

// Store errors.
var (
	ErrNotFound      = errors.New("artifact not found")
	ErrQuotaExceeded = errors.New("artifact storage quota exceeded")
	ErrCorrupted     = errors.New("artifact file corrupted")
)

// Metadata is the sidecar document stored alongside each artifact version.
type Metadata struct {
	Filename    string         `json:"filename"`
	MimeType    string         `json:"mime_type,omitempty"`
	Description string         `json:"description,omitempty"`
	SizeBytes   int64          `json:"size_bytes"`
	CreatedAt   string         `json:"created_at"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Info describes one stored artifact version.
type Info struct {
	URI      URI
	Metadata Metadata
}

// Key identifies an artifact scope (all versions of one filename).
type Key struct {
	App      string
	User     string
	Session  string
	Filename string
}

// Store is the narrow save/load/list/delete interface over the artifact
// object store.
type Store interface {
	// Save persists bytes as the next version of the keyed artifact and
	// writes the metadata sidecar. Returns the resulting URI.
	Save(ctx context.Context, key Key, data []byte, meta Metadata) (URI, error)

	// Load returns the bytes of one artifact version.
	Load(ctx context.Context, uri URI) ([]byte, error)

	// LoadMetadata returns the metadata sidecar of one artifact version.
	LoadMetadata(ctx context.Context, uri URI) (Metadata, error)

	// List returns the latest version of every artifact in a session scope.
	List(ctx context.Context, app, user, session string) ([]Info, error)

	// Versions returns every stored version number of a keyed artifact,
	// ascending.
	Versions(ctx context.Context, key Key) ([]int, error)

	// Delete removes every version of a keyed artifact and its sidecars.
	Delete(ctx context.Context, key Key) error
}
