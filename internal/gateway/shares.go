package gateway

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/db"
)

// Share access modes.
const (
	ShareAccessPublic        = "public"
	ShareAccessAuthenticated = "authenticated"
	ShareAccessDomain        = "domain"
)

// Share access decision reasons.
const (
	ShareReasonPublic         = "public"
	ShareReasonAuthenticated  = "authenticated"
	ShareReasonDomainMatch    = "domain_match"
	ShareReasonAuthRequired   = "authentication_required"
	ShareReasonDomainMismatch = "domain_mismatch"
	ShareReasonInvalidEmail   = "invalid_email"
)

const maxShareDomains = 10

// ErrShareNotFound is returned when a share id has no record.
var ErrShareNotFound = errors.New("share link not found")

// ShareLink is a read-only shared view of a session.
type ShareLink struct {
	ID         string    `db:"id" json:"id"`
	SessionID  string    `db:"session_id" json:"session_id"`
	CreatedBy  string    `db:"created_by" json:"created_by"`
	AccessMode string    `db:"access_mode" json:"access_mode"`
	DomainsRaw string    `db:"domains" json:"-"`
	Domains    []string  `db:"-" json:"domains,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// NormalizeDomains lowercases and trims the domain list, dropping empties.
// At most ten domains are allowed.
func NormalizeDomains(domains []string) ([]string, error) {
	out := make([]string, 0, len(domains))
	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		out = append(out, domain)
	}
	if len(out) > maxShareDomains {
		return nil, fmt.Errorf("at most %d domains per share link", maxShareDomains)
	}
	return out, nil
}

// CheckShareAccess decides whether a user may open a share link. The
// decision is deterministic in (share, userID, userEmail).
func CheckShareAccess(share ShareLink, userID, userEmail string) (bool, string) {
	switch share.AccessMode {
	case ShareAccessPublic:
		return true, ShareReasonPublic
	case ShareAccessAuthenticated:
		if userID == "" {
			return false, ShareReasonAuthRequired
		}
		return true, ShareReasonAuthenticated
	case ShareAccessDomain:
		if userID == "" {
			return false, ShareReasonAuthRequired
		}
		_, domain, found := strings.Cut(userEmail, "@")
		if !found || domain == "" {
			return false, ShareReasonInvalidEmail
		}
		domain = strings.ToLower(strings.TrimSpace(domain))
		for _, allowed := range share.Domains {
			if domain == allowed {
				return true, ShareReasonDomainMatch
			}
		}
		return false, ShareReasonDomainMismatch
	default:
		return false, ShareReasonAuthRequired
	}
}

// AnonymizeID maps an identifier to a stable short hash so shared views
// never leak user or session ids.
func AnonymizeID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:12]
}

// ShareStore persists share links through the shared pool.
type ShareStore struct {
	pool *db.Pool
}

// NewShareStore creates a store over the pool.
func NewShareStore(pool *db.Pool) *ShareStore {
	return &ShareStore{pool: pool}
}

const shareSchema = `
CREATE TABLE IF NOT EXISTS share_links (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	created_by TEXT NOT NULL,
	access_mode TEXT NOT NULL,
	domains TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_share_links_session ON share_links(session_id);
`

// EnsureSchema creates the share table if it does not exist.
func (s *ShareStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Writer().ExecContext(ctx, shareSchema); err != nil {
		return fmt.Errorf("failed to initialize share schema: %w", err)
	}
	return nil
}

// Create persists a new share link for a session.
func (s *ShareStore) Create(ctx context.Context, sessionID, createdBy, accessMode string, domains []string) (ShareLink, error) {
	switch accessMode {
	case ShareAccessPublic, ShareAccessAuthenticated, ShareAccessDomain:
	default:
		return ShareLink{}, fmt.Errorf("invalid access mode %q", accessMode)
	}
	normalized, err := NormalizeDomains(domains)
	if err != nil {
		return ShareLink{}, err
	}
	if accessMode == ShareAccessDomain && len(normalized) == 0 {
		return ShareLink{}, fmt.Errorf("domain-restricted share needs at least one domain")
	}

	raw, err := json.Marshal(normalized)
	if err != nil {
		return ShareLink{}, fmt.Errorf("failed to marshal domains: %w", err)
	}
	share := ShareLink{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		CreatedBy:  createdBy,
		AccessMode: accessMode,
		DomainsRaw: string(raw),
		Domains:    normalized,
		CreatedAt:  time.Now().UTC(),
	}

	w := s.pool.Writer()
	query := w.Rebind(`
		INSERT INTO share_links (id, session_id, created_by, access_mode, domains, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := w.ExecContext(ctx, query,
		share.ID, share.SessionID, share.CreatedBy, share.AccessMode, share.DomainsRaw, share.CreatedAt); err != nil {
		return ShareLink{}, fmt.Errorf("failed to create share link: %w", err)
	}
	return share, nil
}

// Get loads one share link.
func (s *ShareStore) Get(ctx context.Context, shareID string) (ShareLink, error) {
	r := s.pool.Reader()
	var share ShareLink
	query := r.Rebind(`
		SELECT id, session_id, created_by, access_mode, domains, created_at
		FROM share_links WHERE id = ?`)
	err := r.GetContext(ctx, &share, query, shareID)
	if errors.Is(err, sql.ErrNoRows) {
		return ShareLink{}, ErrShareNotFound
	}
	if err != nil {
		return ShareLink{}, fmt.Errorf("failed to load share link: %w", err)
	}
	if err := json.Unmarshal([]byte(share.DomainsRaw), &share.Domains); err != nil {
		return ShareLink{}, fmt.Errorf("corrupt domains on share %s: %w", shareID, err)
	}
	return share, nil
}

// Update changes a share's access mode and domain list.
func (s *ShareStore) Update(ctx context.Context, shareID, accessMode string, domains []string) (ShareLink, error) {
	share, err := s.Get(ctx, shareID)
	if err != nil {
		return ShareLink{}, err
	}
	switch accessMode {
	case ShareAccessPublic, ShareAccessAuthenticated, ShareAccessDomain:
	default:
		return ShareLink{}, fmt.Errorf("invalid access mode %q", accessMode)
	}
	normalized, err := NormalizeDomains(domains)
	if err != nil {
		return ShareLink{}, err
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return ShareLink{}, fmt.Errorf("failed to marshal domains: %w", err)
	}

	w := s.pool.Writer()
	query := w.Rebind(`UPDATE share_links SET access_mode = ?, domains = ? WHERE id = ?`)
	if _, err := w.ExecContext(ctx, query, accessMode, string(raw), shareID); err != nil {
		return ShareLink{}, fmt.Errorf("failed to update share link: %w", err)
	}
	share.AccessMode = accessMode
	share.DomainsRaw = string(raw)
	share.Domains = normalized
	return share, nil
}

// Delete removes a share link.
func (s *ShareStore) Delete(ctx context.Context, shareID string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM share_links WHERE id = ?`), shareID)
	if err != nil {
		return fmt.Errorf("failed to delete share link: %w", err)
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return ErrShareNotFound
	}
	return nil
}
