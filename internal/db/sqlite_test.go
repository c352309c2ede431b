package db

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "nodes.db"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		if err := d.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return d
}

func TestNamenodeRoundTrip(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	n := Namenode{Scheme: "hdfs", Host: "nn1", Port: 8020, Capacity: 8}
	if err := d.UpsertNamenode(ctx, n); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, found, err := d.GetNamenode(ctx, "hdfs", "nn1", 8020)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found {
		t.Fatal("inserted namenode not found")
	}
	if got != n {
		t.Errorf("got %+v, want %+v", got, n)
	}
}

func TestGetMissingNamenode(t *testing.T) {
	d := openTestDB(t)

	_, found, err := d.GetNamenode(context.Background(), "hdfs", "ghost", 8020)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Error("missing namenode reported as found")
	}
}

func TestUpsertReplaces(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	if err := d.UpsertNamenode(ctx, Namenode{Scheme: "hdfs", Host: "nn1", Port: 8020, Capacity: 4}); err != nil {
		t.Fatal(err)
	}
	if err := d.UpsertNamenode(ctx, Namenode{Scheme: "hdfs", Host: "nn1", Port: 8020, Capacity: 16}); err != nil {
		t.Fatal(err)
	}

	got, _, err := d.GetNamenode(ctx, "hdfs", "nn1", 8020)
	if err != nil {
		t.Fatal(err)
	}
	if got.Capacity != 16 {
		t.Errorf("capacity = %d, want 16", got.Capacity)
	}
}

func TestListAndDelete(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	for _, n := range []Namenode{
		{Scheme: "s3", Host: "bucket", Port: 443, Capacity: 4},
		{Scheme: "hdfs", Host: "nn1", Port: 8020, Capacity: 4},
		{Scheme: "hdfs", Host: "nn2", Port: 8020, Capacity: 4},
	} {
		if err := d.UpsertNamenode(ctx, n); err != nil {
			t.Fatal(err)
		}
	}

	list, err := d.ListNamenodes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list has %d rows, want 3", len(list))
	}
	// Ordered by scheme, host, port.
	if list[0].Host != "nn1" || list[1].Host != "nn2" || list[2].Host != "bucket" {
		t.Errorf("unexpected order: %+v", list)
	}

	if err := d.DeleteNamenode(ctx, "hdfs", "nn1", 8020); err != nil {
		t.Fatal(err)
	}
	list, err = d.ListNamenodes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("list has %d rows after delete, want 2", len(list))
	}
}
