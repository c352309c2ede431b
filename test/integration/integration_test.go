package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/edgecache/dfscache"
	_ "github.com/edgecache/dfscache/internal/adaptor/httpfs"
	"github.com/edgecache/dfscache/internal/db"
	"github.com/edgecache/dfscache/internal/managed"
)

// TestCacheAgainstHTTPOrigin runs the cache against a real HTTP file server
// in a container: cold miss, warm hit, restart recovery.
func TestCacheAgainstHTTPOrigin(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}
	ctx := context.Background()

	// 1. Remote content served by nginx.
	payload := make([]byte, 1<<20)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(t.TempDir(), "f1.bin")
	if err := os.WriteFile(src, payload, 0644); err != nil {
		t.Fatal(err)
	}

	req := testcontainers.ContainerRequest{
		Image:        "nginx:1.27-alpine",
		ExposedPorts: []string{"80/tcp"},
		Files: []testcontainers.ContainerFile{
			{
				HostFilePath:      src,
				ContainerFilePath: "/usr/share/nginx/html/warehouse/f1.bin",
				FileMode:          0o644,
			},
		},
		WaitingFor: wait.ForListeningPort("80/tcp").WithStartupTimeout(time.Minute),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start container: %v", err)
	}
	defer func() { _ = container.Terminate(ctx) }()

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, "80")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	port, err := strconv.Atoi(mapped.Port())
	if err != nil {
		t.Fatal(err)
	}

	// 2. Cache wired to the container as its namenode.
	root := t.TempDir()
	cache, err := dfscache.New(dfscache.Config{
		Root:          root,
		CapacityBytes: 64 << 20,
		Autoload:      true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = cache.Close() }()

	if err := cache.Registry().Seed(db.Namenode{
		Scheme: "http", Host: host, Port: port, Capacity: 2,
	}); err != nil {
		t.Fatal(err)
	}

	remote := "http://" + host + ":" + mapped.Port() + "/warehouse/f1.bin"

	// 3. Cold miss materializes the file.
	f, err := cache.Fetch(ctx, remote)
	if err != nil {
		t.Fatalf("cold fetch failed: %v", err)
	}
	if got := f.State(); got != managed.StateIdle {
		t.Errorf("state = %s, want IDLE", got)
	}
	local, err := os.ReadFile(f.LocalPath())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(local, payload) {
		t.Error("cached content differs from remote content")
	}
	if got := cache.CurrentWeight(); got != int64(len(payload)) {
		t.Errorf("weight = %d, want %d", got, len(payload))
	}

	// 4. Warm hit works with the origin gone.
	if err := container.Stop(ctx, nil); err != nil {
		t.Fatalf("Failed to stop container: %v", err)
	}
	f2, err := cache.Fetch(ctx, remote)
	if err != nil {
		t.Fatalf("warm fetch failed: %v", err)
	}
	if f2.LocalPath() != f.LocalPath() {
		t.Error("warm hit resolved a different local path")
	}

	// 5. A fresh cache over the same root recovers the entry from disk.
	restarted, err := dfscache.New(dfscache.Config{
		Root:          root,
		CapacityBytes: 64 << 20,
		Autoload:      true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = restarted.Close() }()

	if err := restarted.Reload(root); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := restarted.Len(); got != 1 {
		t.Fatalf("%d entries after reload, want 1", got)
	}
	recovered := restarted.Find(f.LocalPath())
	if recovered == nil {
		t.Fatal("reloaded cache did not recover the file")
	}
	if got := recovered.State(); got != managed.StateIdle {
		t.Errorf("recovered state = %s, want IDLE", got)
	}
	if got := recovered.Remote(); got != remote {
		t.Errorf("recovered remote = %q, want %q", got, remote)
	}
}
