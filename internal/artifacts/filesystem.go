package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// FilesystemStore stores artifacts under
// {base}/{app}/{user}/{session}/{filename}/{version} with a sidecar
// {version}.metadata next to each payload.
type FilesystemStore struct {
	base   string
	logger *logger.Logger

	// Serializes version assignment per process. Concurrent writers on the
	// same key would otherwise race on the next-version scan.
	mu sync.Mutex
}

// NewFilesystemStore creates the store rooted at base, creating it if needed.
func NewFilesystemStore(base string, log *logger.Logger) (*FilesystemStore, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact base path: %w", err)
	}
	return &FilesystemStore{base: base, logger: log}, nil
}

func (s *FilesystemStore) keyDir(key Key) string {
	return filepath.Join(s.base,
		sanitizeSegment(key.App),
		sanitizeSegment(key.User),
		sanitizeSegment(key.Session),
		sanitizeSegment(key.Filename),
	)
}

// sanitizeSegment keeps path segments from escaping the store root.
func sanitizeSegment(segment string) string {
	segment = strings.ReplaceAll(segment, string(os.PathSeparator), "_")
	segment = strings.ReplaceAll(segment, "..", "_")
	if segment == "" {
		return "_"
	}
	return segment
}

// Save persists data as the next version of the keyed artifact.
func (s *FilesystemStore) Save(ctx context.Context, key Key, data []byte, meta Metadata) (URI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.keyDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return URI{}, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	versions, err := s.scanVersions(dir)
	if err != nil {
		return URI{}, err
	}
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}

	payloadPath := filepath.Join(dir, strconv.Itoa(next))
	if err := os.WriteFile(payloadPath, data, 0o644); err != nil {
		return URI{}, fmt.Errorf("failed to write artifact: %w", err)
	}

	meta.Filename = key.Filename
	meta.SizeBytes = int64(len(data))
	if meta.CreatedAt == "" {
		meta.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return URI{}, fmt.Errorf("failed to marshal artifact metadata: %w", err)
	}
	if err := os.WriteFile(payloadPath+MetadataSuffix, metaBytes, 0o644); err != nil {
		return URI{}, fmt.Errorf("failed to write artifact metadata: %w", err)
	}

	uri := URI{
		App:      key.App,
		User:     key.User,
		Session:  key.Session,
		Filename: key.Filename,
		Version:  next,
	}

	s.logger.Debug("Artifact saved",
		zap.String("uri", uri.String()),
		zap.Int64("bytes", meta.SizeBytes))

	return uri, nil
}

// Load returns the bytes of one artifact version.
func (s *FilesystemStore) Load(ctx context.Context, uri URI) ([]byte, error) {
	path := filepath.Join(s.keyDir(Key{
		App: uri.App, User: uri.User, Session: uri.Session, Filename: uri.Filename,
	}), strconv.Itoa(uri.Version))

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// LoadMetadata returns the metadata sidecar of one artifact version.
func (s *FilesystemStore) LoadMetadata(ctx context.Context, uri URI) (Metadata, error) {
	path := filepath.Join(s.keyDir(Key{
		App: uri.App, User: uri.User, Session: uri.Session, Filename: uri.Filename,
	}), strconv.Itoa(uri.Version)+MetadataSuffix)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, fmt.Errorf("failed to read artifact metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return meta, nil
}

// List returns the latest version of every artifact in a session scope.
func (s *FilesystemStore) List(ctx context.Context, app, user, session string) ([]Info, error) {
	sessionDir := filepath.Join(s.base,
		sanitizeSegment(app), sanitizeSegment(user), sanitizeSegment(session))

	entries, err := os.ReadDir(sessionDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	var out []Info
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		filename := entry.Name()
		versions, err := s.scanVersions(filepath.Join(sessionDir, filename))
		if err != nil || len(versions) == 0 {
			continue
		}
		latest := versions[len(versions)-1]
		uri := URI{App: app, User: user, Session: session, Filename: filename, Version: latest}
		meta, err := s.LoadMetadata(ctx, uri)
		if err != nil {
			s.logger.Warn("Skipping artifact with unreadable metadata",
				zap.String("uri", uri.String()),
				zap.Error(err))
			continue
		}
		out = append(out, Info{URI: uri, Metadata: meta})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].URI.Filename < out[j].URI.Filename
	})
	return out, nil
}

// Versions returns every stored version number of a keyed artifact.
func (s *FilesystemStore) Versions(ctx context.Context, key Key) ([]int, error) {
	versions, err := s.scanVersions(s.keyDir(key))
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return versions, nil
}

// Delete removes every version of a keyed artifact and its sidecars.
func (s *FilesystemStore) Delete(ctx context.Context, key Key) error {
	dir := s.keyDir(key)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ErrNotFound
	}
	return os.RemoveAll(dir)
}

// scanVersions returns the stored version numbers in a key directory, ascending.
func (s *FilesystemStore) scanVersions(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan artifact versions: %w", err)
	}

	var versions []int
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), MetadataSuffix) {
			continue
		}
		v, err := strconv.Atoi(entry.Name())
		if err != nil || v < 1 {
			continue
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}
