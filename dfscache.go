// Package dfscache is a local-disk cache of files fetched from remote
// distributed file systems.
//
// It sits between query-engine workers and one or more remote namenodes,
// materializing remote files into a bounded local directory so subsequent
// reads hit local disk. Disk usage is bounded by least-recently-used
// eviction, concurrent misses for one path coalesce into a single download,
// and the cache reconstructs its state from the on-disk root after a
// restart.
package dfscache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shogo82148/go-sfv"

	"github.com/edgecache/dfscache/internal/cachepath"
	"github.com/edgecache/dfscache/internal/db"
	"github.com/edgecache/dfscache/internal/errutil"
	"github.com/edgecache/dfscache/internal/eviction"
	"github.com/edgecache/dfscache/internal/fetch"
	"github.com/edgecache/dfscache/internal/managed"
	"github.com/edgecache/dfscache/internal/nodes"
	"github.com/edgecache/dfscache/internal/status"
	"github.com/edgecache/dfscache/internal/store"
	"github.com/edgecache/dfscache/internal/transfer"
)

// Error values surfaced by cache operations.
var (
	ErrNotFound              = status.ErrNotFound
	ErrInvalidPath           = status.ErrInvalidPath
	ErrForbidden             = status.ErrForbidden
	ErrRequestFailed         = status.ErrRequestFailed
	ErrNamenodeNotConfigured = status.ErrNamenodeNotConfigured
	ErrNamenodeUnreachable   = status.ErrNamenodeUnreachable
	ErrNotImplemented        = status.ErrNotImplemented
)

// Config configures a Cache.
type Config struct {
	// Root is the local directory holding cached file content.
	Root string

	// CapacityBytes is the target upper bound on accounted cache weight.
	CapacityBytes int64

	// MinFreeBytes, when positive, replaces CapacityBytes with a policy
	// that keeps at least this much space free on the root's volume.
	MinFreeBytes int64

	// Autoload makes misses construct and fetch the file. When false a
	// miss returns ErrNotFound.
	Autoload bool

	// RetryInterval is the minimum gap between resync attempts of a
	// forbidden file.
	RetryInterval time.Duration

	// TransferWorkers and TransferQueue bound the download pool.
	TransferWorkers int
	TransferQueue   int

	// NodeDB is the path of the namenode registry database. Empty keeps
	// the registry in memory only.
	NodeDB string

	// EvictionInterval is the cadence of background capacity re-checks.
	EvictionInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.CapacityBytes <= 0 {
		c.CapacityBytes = 10 << 30
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = managed.DefaultRetryInterval
	}
	if c.TransferWorkers <= 0 {
		c.TransferWorkers = 4
	}
	if c.TransferQueue <= 0 {
		c.TransferQueue = 64
	}
	if c.EvictionInterval <= 0 {
		c.EvictionInterval = time.Minute
	}
}

// Cache is the file system cache. Construct with New.
type Cache struct {
	cfg      Config
	codec    *cachepath.Codec
	engine   *eviction.Engine
	registry *nodes.Registry
	pool     *transfer.Pool
	coord    *fetch.Coordinator
	database *db.DB

	// reloadMu makes Reload single-writer against concurrent lookups'
	// store access windows.
	reloadMu sync.RWMutex

	startMu   sync.Mutex
	startTime time.Time
}

// New assembles a cache from the configuration. Namenodes listed in the
// DFSCACHE_NAMENODES environment variable (an RFC 8941 list of origin URLs)
// are seeded into the registry on top of the persistent rows.
func New(cfg Config) (*Cache, error) {
	cfg.withDefaults()

	codec, err := cachepath.New(cfg.Root)
	if err != nil {
		return nil, err
	}

	var monitor eviction.CapacityMonitor
	if cfg.MinFreeBytes > 0 {
		monitor = &eviction.MinFreeSpaceMonitor{Path: cfg.Root, MinFreeBytes: cfg.MinFreeBytes}
	} else {
		monitor = &eviction.MaxCacheSizeMonitor{MaxBytes: cfg.CapacityBytes}
	}

	var database *db.DB
	if cfg.NodeDB != "" {
		database, err = db.New(cfg.NodeDB)
		if err != nil {
			return nil, err
		}
	}

	registry := nodes.New(database)
	for _, origin := range seedOriginsFromEnv() {
		if err := registry.Seed(origin); err != nil {
			errutil.LogMsg(err, "Failed to seed namenode from environment",
				"origin", fmt.Sprintf("%s://%s:%d", origin.Scheme, origin.Host, origin.Port))
		}
	}

	pool := transfer.NewPool(registry, cfg.TransferWorkers, cfg.TransferQueue)

	c := &Cache{
		cfg:      cfg,
		codec:    codec,
		engine:   eviction.New(store.New(), monitor, true),
		registry: registry,
		pool:     pool,
		coord:    fetch.New(pool),
		database: database,
	}
	return c, nil
}

// seedOriginsFromEnv parses DFSCACHE_NAMENODES.
func seedOriginsFromEnv() []db.Namenode {
	raw := os.Getenv("DFSCACHE_NAMENODES")
	if raw == "" {
		return nil
	}
	list, err := sfv.DecodeList([]string{raw})
	if err != nil {
		errutil.LogMsg(err, "Failed to parse DFSCACHE_NAMENODES")
		return nil
	}
	var out []db.Namenode
	for _, item := range list {
		s, ok := item.Value.(string)
		if !ok {
			continue
		}
		n, err := parseOrigin(s)
		if err != nil {
			errutil.LogMsg(err, "Skipping malformed namenode origin", "origin", s)
			continue
		}
		out = append(out, n)
	}
	return out
}

// parseOrigin parses scheme://host[:port] into a namenode row.
func parseOrigin(s string) (db.Namenode, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok || !cachepath.SchemeSupported(scheme) {
		return db.Namenode{}, fmt.Errorf("%w: bad origin %q", status.ErrInvalidPath, s)
	}
	rest = strings.TrimSuffix(rest, "/")
	host, portStr, hasPort := strings.Cut(rest, ":")
	if host == "" {
		return db.Namenode{}, fmt.Errorf("%w: missing host in %q", status.ErrInvalidPath, s)
	}
	port := defaultOriginPort(scheme)
	if hasPort {
		p, err := strconv.Atoi(portStr)
		if err != nil || p <= 0 {
			return db.Namenode{}, fmt.Errorf("%w: bad port in %q", status.ErrInvalidPath, s)
		}
		port = p
	}
	if port == 0 {
		return db.Namenode{}, fmt.Errorf("%w: missing port in %q", status.ErrInvalidPath, s)
	}
	return db.Namenode{Scheme: scheme, Host: host, Port: port}, nil
}

func defaultOriginPort(scheme string) int {
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

// Close shuts down the download pool and the registry database.
func (c *Cache) Close() error {
	c.pool.Close()
	if c.database != nil {
		return c.database.Close()
	}
	return nil
}

// Registry exposes the namenode registry for administration.
func (c *Cache) Registry() *nodes.Registry {
	return c.registry
}

// CurrentWeight returns the accounted disk weight.
func (c *Cache) CurrentWeight() int64 {
	return c.engine.CurrentWeight()
}

// Len returns the number of admitted files.
func (c *Cache) Len() int {
	return c.engine.Len()
}

// StartTime returns the oldest mtime observed by the last reload, zero if
// no reload ran.
func (c *Cache) StartTime() time.Time {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	return c.startTime
}

// Run re-checks the capacity policy on a timer until ctx is done. Only
// meaningful with a min-free-space policy, where pressure builds without
// admissions, but harmless otherwise.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.engine.CheckCapacity()
		}
	}
}

// Find returns the admitted file for the local path, or nil.
func (c *Cache) Find(path string) *managed.File {
	c.reloadMu.RLock()
	defer c.reloadMu.RUnlock()
	return c.engine.Find(path)
}

// Add admits a file already present on disk without fetching it. Adding a
// present path is a no-op that returns the existing file.
func (c *Cache) Add(path string) (*managed.File, error) {
	c.reloadMu.RLock()
	defer c.reloadMu.RUnlock()

	if f := c.engine.Find(path); f != nil {
		return f, nil
	}
	cand := managed.New(path, c.codec, c.cfg.RetryInterval)
	if cand.State() == managed.StateForbidden {
		return nil, fmt.Errorf("%w: %s", status.ErrInvalidPath, path)
	}
	got, added := c.engine.Admit(cand, cand.Size())
	if added && got.Size() > 0 {
		got.SetState(managed.StateIdle)
	}
	return got, nil
}

// Remove force-deletes the file from the store and from disk, ignoring its
// usage statistics.
func (c *Cache) Remove(path string) {
	c.reloadMu.RLock()
	defer c.reloadMu.RUnlock()
	c.engine.Remove(path)
}

// Reset drops all cache metadata. Disk content is left in place; a
// subsequent Reload rebuilds the metadata from it.
func (c *Cache) Reset() {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()
	c.engine.Reset()
}

// ValidateLocalCache does not cross-check metadata against the on-disk root;
// it always returns ErrNotImplemented.
func (c *Cache) ValidateLocalCache() error {
	return status.ErrNotImplemented
}

// Reload rebuilds the cache state from the root directory. Files are
// admitted in ascending mtime order so the recency list matches the on-disk
// history; paths that do not decode are skipped. Reload is single-writer:
// concurrent lookups block until it finishes.
func (c *Cache) Reload(root string) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	if root == "" {
		return fmt.Errorf("%w: empty reload root", status.ErrInvalidPath)
	}
	codec, err := cachepath.New(root)
	if err != nil {
		return err
	}

	type diskFile struct {
		path  string
		size  int64
		mtime time.Time
	}
	var found []diskFile
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			errutil.LogMsg(err, "Skipping unreadable entry during reload", "path", path)
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".part-") {
			// Leftover of an interrupted download.
			errutil.LogMsg(os.Remove(path), "Failed to remove stale temp file", "path", path)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			errutil.LogMsg(err, "Skipping file with unreadable metadata", "path", path)
			return nil
		}
		found = append(found, diskFile{path: path, size: info.Size(), mtime: info.ModTime()})
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("failed to walk cache root: %w", walkErr)
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].mtime.Before(found[j].mtime)
	})

	c.codec = codec
	c.cfg.Root = root
	c.engine.Reset()

	if len(found) > 0 {
		c.startMu.Lock()
		c.startTime = found[0].mtime
		c.startMu.Unlock()
	}

	var loaded int
	for _, df := range found {
		if _, ok := codec.Decode(df.path); !ok {
			slog.Warn("Skipping file outside the cache layout", "path", df.path)
			continue
		}
		f := managed.New(df.path, codec, c.cfg.RetryInterval)
		if f.State() == managed.StateForbidden {
			continue
		}
		got, added := c.engine.Admit(f, df.size)
		if !added {
			continue
		}
		got.SetState(managed.StateIdle)
		loaded++
	}
	slog.Info("Cache root reloaded", "root", root, "files", loaded, "weight", c.engine.CurrentWeight())
	return nil
}

// Fetch materializes the remote file named by a URL-style path and returns
// its managed entry.
func (c *Cache) Fetch(ctx context.Context, remote string) (*managed.File, error) {
	id, err := cachepath.ParseRemote(remote)
	if err != nil {
		return nil, err
	}
	c.reloadMu.RLock()
	local, err := c.codec.LocalPath(id)
	c.reloadMu.RUnlock()
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, local)
}

// Get returns the managed file for the local path, constructing and
// fetching it on a miss when autoload is enabled.
//
// Concurrent calls for one cold path coalesce: the caller whose candidate
// wins admission runs the download, everyone else subscribes to the entry's
// state signal and adopts its terminal state. A caller landing on a
// forbidden entry redispatches the download only after the retry interval
// has elapsed.
func (c *Cache) Get(ctx context.Context, path string) (*managed.File, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c.reloadMu.RLock()
		f := c.engine.Find(path)
		if f == nil {
			if !c.cfg.Autoload {
				c.reloadMu.RUnlock()
				return nil, fmt.Errorf("%w: %s", status.ErrNotFound, path)
			}
			cand := managed.New(path, c.codec, c.cfg.RetryInterval)
			if cand.State() == managed.StateForbidden {
				c.reloadMu.RUnlock()
				return nil, fmt.Errorf("%w: %s", status.ErrInvalidPath, path)
			}
			got, added := c.engine.Admit(cand, cand.Size())
			c.reloadMu.RUnlock()
			if !added {
				f = got
			} else {
				if err := c.coord.Prepare(ctx, got); err != nil {
					return nil, err
				}
				c.engine.Touch(path, time.Now())
				return got, nil
			}
		} else {
			c.reloadMu.RUnlock()
		}

		switch f.State() {
		case managed.StateIdle, managed.StateHasClients, managed.StateUnderWrite:
			c.engine.Touch(path, time.Now())
			return f, nil

		case managed.StateAmorphous, managed.StateInUseBySync:
			err := c.coord.Await(ctx, f)
			if errors.Is(err, status.ErrDeleted) {
				runtime.Gosched()
				continue
			}
			if err != nil {
				return nil, err
			}
			c.engine.Touch(path, time.Now())
			return f, nil

		case managed.StateForbidden:
			if !f.TryResync() {
				return nil, fmt.Errorf("%w: %s", status.ErrForbidden, path)
			}
			if err := c.coord.Prepare(ctx, f); err != nil {
				return nil, err
			}
			c.engine.Touch(path, time.Now())
			return f, nil

		default: // StateMarkedForDeletion: entry is being destroyed.
			runtime.Gosched()
			continue
		}
	}
}
