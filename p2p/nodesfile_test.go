package p2p

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestNodesFileExportImportRoundTrip(t *testing.T) {
	clk := newTestClock()
	src := newTestBook(t, clk, 0)
	ctx := context.Background()

	if err := src.UpsertPeer(ctx, "peer-a", []string{"10.0.0.1:1", "10.0.0.2:1"}, false); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := src.UpsertPeer(ctx, "peer-b", []string{"10.0.0.3:1"}, false); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Address-less records are not exportable seeds.
	if err := src.UpsertPeer(ctx, "peer-empty", nil, false); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	path := filepath.Join(t.TempDir(), "nodes.json")
	if err := src.ExportNodesFile(ctx, path); err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := newTestBook(t, clk, 0)
	imported, err := dst.ImportNodesFile(ctx, path)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported != 2 {
		t.Fatalf("imported %d peers, want 2", imported)
	}
	rec := mustGet(t, dst, "peer-a")
	if len(rec.Addresses) != 2 {
		t.Fatalf("peer-a addresses = %v, want 2", rec.Addresses)
	}
	if _, found, _ := dst.GetPeer(ctx, "peer-empty"); found {
		t.Fatal("address-less peer crossed the export")
	}
}

func TestImportNodesFileMissingIsNoop(t *testing.T) {
	book := newTestBook(t, newTestClock(), 0)
	imported, err := book.ImportNodesFile(context.Background(), filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("import missing file: %v", err)
	}
	if imported != 0 {
		t.Fatalf("imported %d from missing file", imported)
	}
}

func TestImportNodesFileRejectsGarbage(t *testing.T) {
	book := newTestBook(t, newTestClock(), 0)
	path := filepath.Join(t.TempDir(), "nodes.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := book.ImportNodesFile(context.Background(), path); err == nil {
		t.Fatal("expected decode error")
	}
}
