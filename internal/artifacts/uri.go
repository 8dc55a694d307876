// Package artifacts provides the artifact store adapter: versioned, named
// blobs with metadata sidecars, addressed by artifact:// URIs.
package artifacts

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Scheme is the artifact URI scheme.
const Scheme = "artifact"

// MetadataSuffix is appended to an artifact filename for its metadata sidecar.
const MetadataSuffix = ".metadata"

// URI identifies one version of an artifact.
type URI struct {
	App      string
	User     string
	Session  string
	Filename string
	Version  int
}

// String renders the URI as artifact://{app}/{user}/{session}/{filename}?version={N}.
func (u URI) String() string {
	return fmt.Sprintf("%s://%s/%s/%s/%s?version=%d",
		Scheme,
		url.PathEscape(u.App),
		url.PathEscape(u.User),
		url.PathEscape(u.Session),
		url.PathEscape(u.Filename),
		u.Version,
	)
}

// ParseURI parses an artifact:// URI.
func ParseURI(raw string) (URI, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return URI{}, fmt.Errorf("invalid artifact URI: %w", err)
	}
	if parsed.Scheme != Scheme {
		return URI{}, fmt.Errorf("invalid artifact URI scheme %q", parsed.Scheme)
	}

	// Host is the app segment; the path carries user/session/filename.
	segments := strings.Split(strings.TrimPrefix(parsed.Path, "/"), "/")
	if parsed.Host == "" || len(segments) != 3 {
		return URI{}, fmt.Errorf("artifact URI must have app/user/session/filename segments: %s", raw)
	}

	version := 1
	if v := parsed.Query().Get("version"); v != "" {
		version, err = strconv.Atoi(v)
		if err != nil || version < 1 {
			return URI{}, fmt.Errorf("invalid artifact version %q", v)
		}
	}

	user, err := url.PathUnescape(segments[0])
	if err != nil {
		return URI{}, fmt.Errorf("invalid artifact URI segment: %w", err)
	}
	session, err := url.PathUnescape(segments[1])
	if err != nil {
		return URI{}, fmt.Errorf("invalid artifact URI segment: %w", err)
	}
	filename, err := url.PathUnescape(segments[2])
	if err != nil {
		return URI{}, fmt.Errorf("invalid artifact URI segment: %w", err)
	}

	return URI{
		App:      parsed.Host,
		User:     user,
		Session:  session,
		Filename: filename,
		Version:  version,
	}, nil
}
