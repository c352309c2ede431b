// Package cachepath maps remote file identities to paths under the local
// cache root and back.
//
// The layout is {root}/{scheme}/{host}_{port}/{relative}. It is stable
// across restarts so the reloader recovers the same identities, and it is
// injective over (scheme, host, port, relative) tuples: schemes come from a
// fixed registry, hostnames cannot contain "_" or path separators, and the
// port is the digits after the last "_" of the origin directory name.
package cachepath

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edgecache/dfscache/internal/status"
)

// Identity names one file on one remote file system.
type Identity struct {
	Scheme   string
	Host     string
	Port     int
	Relative string
}

// Remote renders the identity as a URL-style network path,
// e.g. hdfs://namenode:8020/warehouse/t1/f1.parquet.
func (id Identity) Remote() string {
	return fmt.Sprintf("%s://%s:%d/%s", id.Scheme, id.Host, id.Port, id.Relative)
}

// Origin renders just the file system part, e.g. hdfs://namenode:8020.
func (id Identity) Origin() string {
	return fmt.Sprintf("%s://%s:%d", id.Scheme, id.Host, id.Port)
}

var schemes = map[string]struct{}{
	"hdfs":  {},
	"s3":    {},
	"http":  {},
	"https": {},
}

// RegisterScheme adds a scheme to the set the codec accepts.
func RegisterScheme(name string) {
	schemes[name] = struct{}{}
}

// SchemeSupported reports whether the codec accepts the scheme.
func SchemeSupported(name string) bool {
	_, ok := schemes[name]
	return ok
}

// Codec translates between remote identities and local paths under one root.
type Codec struct {
	root string
}

// New creates a codec rooted at dir. The root must be non-empty.
func New(dir string) (*Codec, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty cache root", status.ErrInvalidPath)
	}
	return &Codec{root: filepath.Clean(dir)}, nil
}

// Root returns the cache root directory.
func (c *Codec) Root() string {
	return c.root
}

// LocalPath encodes the identity as a path under the cache root.
func (c *Codec) LocalPath(id Identity) (string, error) {
	if !SchemeSupported(id.Scheme) {
		return "", fmt.Errorf("%w: unsupported scheme %q", status.ErrInvalidPath, id.Scheme)
	}
	if id.Host == "" || strings.ContainsAny(id.Host, "_/\\") {
		return "", fmt.Errorf("%w: bad host %q", status.ErrInvalidPath, id.Host)
	}
	if id.Port <= 0 {
		return "", fmt.Errorf("%w: bad port %d", status.ErrInvalidPath, id.Port)
	}
	rel := strings.Trim(filepath.ToSlash(id.Relative), "/")
	if rel == "" || rel == "." || strings.HasPrefix(rel, "../") || strings.Contains(rel, "/../") || strings.HasSuffix(rel, "/..") || rel == ".." {
		return "", fmt.Errorf("%w: bad relative name %q", status.ErrInvalidPath, id.Relative)
	}
	origin := fmt.Sprintf("%s_%d", id.Host, id.Port)
	return filepath.Join(c.root, id.Scheme, origin, filepath.FromSlash(rel)), nil
}

// Decode recovers the remote identity from a path under the cache root.
// The boolean is false when the path lies outside a recognized layout.
func (c *Codec) Decode(local string) (Identity, bool) {
	rel, err := filepath.Rel(c.root, filepath.Clean(local))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return Identity{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return Identity{}, false
	}
	scheme := parts[0]
	if !SchemeSupported(scheme) {
		return Identity{}, false
	}
	origin := parts[1]
	sep := strings.LastIndex(origin, "_")
	if sep <= 0 || sep == len(origin)-1 {
		return Identity{}, false
	}
	host := origin[:sep]
	port, err := strconv.Atoi(origin[sep+1:])
	if err != nil || port <= 0 {
		return Identity{}, false
	}
	return Identity{
		Scheme:   scheme,
		Host:     host,
		Port:     port,
		Relative: strings.Join(parts[2:], "/"),
	}, true
}

// ParseRemote parses a URL-style network path into an Identity. Default
// ports are filled in for schemes that have one.
func ParseRemote(remote string) (Identity, error) {
	scheme, rest, ok := strings.Cut(remote, "://")
	if !ok {
		return Identity{}, fmt.Errorf("%w: missing scheme in %q", status.ErrInvalidPath, remote)
	}
	if !SchemeSupported(scheme) {
		return Identity{}, fmt.Errorf("%w: unsupported scheme %q", status.ErrInvalidPath, scheme)
	}
	authority, relative, _ := strings.Cut(rest, "/")
	host, portStr, hasPort := strings.Cut(authority, ":")
	if host == "" {
		return Identity{}, fmt.Errorf("%w: missing host in %q", status.ErrInvalidPath, remote)
	}
	port := defaultPort(scheme)
	if hasPort {
		p, err := strconv.Atoi(portStr)
		if err != nil || p <= 0 {
			return Identity{}, fmt.Errorf("%w: bad port %q", status.ErrInvalidPath, portStr)
		}
		port = p
	}
	if port == 0 {
		return Identity{}, fmt.Errorf("%w: missing port in %q", status.ErrInvalidPath, remote)
	}
	if relative == "" {
		return Identity{}, fmt.Errorf("%w: missing file path in %q", status.ErrInvalidPath, remote)
	}
	return Identity{Scheme: scheme, Host: host, Port: port, Relative: relative}, nil
}

func defaultPort(scheme string) int {
	switch scheme {
	case "hdfs":
		return 8020
	case "http":
		return 80
	case "https", "s3":
		return 443
	}
	return 0
}
