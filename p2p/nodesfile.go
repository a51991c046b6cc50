package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// nodesFileEntry is the JSON shape of one seed record. The nodes file is a
// bootstrap import/export vehicle only; the SQLite store stays the live
// source of truth.
type nodesFileEntry struct {
	PeerID    string   `json:"peer_id"`
	Addresses []string `json:"addresses"`
}

// ImportNodesFile merges the seed file at path into the book. A missing file
// is not an error; the node simply starts with an empty book.
func (b *AddressBook) ImportNodesFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read nodes file: %w", err)
	}
	var entries []nodesFileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("decode nodes file: %w", err)
	}
	imported := 0
	for _, entry := range entries {
		if entry.PeerID == "" || len(entry.Addresses) == 0 {
			continue
		}
		if err := b.UpsertPeer(ctx, entry.PeerID, entry.Addresses, false); err != nil {
			return imported, fmt.Errorf("import %s: %w", logPeerID(entry.PeerID), err)
		}
		imported++
	}
	return imported, nil
}

// ExportNodesFile writes the current book to path atomically (temp file plus
// rename) so a crash mid-export never truncates the previous seed file.
func (b *AddressBook) ExportNodesFile(ctx context.Context, path string) error {
	records, err := b.Snapshot(ctx)
	if err != nil {
		return err
	}
	entries := make([]nodesFileEntry, 0, len(records))
	for _, rec := range records {
		if len(rec.Addresses) == 0 {
			continue
		}
		entry := nodesFileEntry{PeerID: rec.PeerID}
		for _, addr := range rec.Addresses {
			entry.Addresses = append(entry.Addresses, addr.Addr)
		}
		entries = append(entries, entry)
	}
	payload, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode nodes file: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prepare nodes directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".nodes-*")
	if err != nil {
		return fmt.Errorf("create temp nodes file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write nodes file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close nodes file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace nodes file: %w", err)
	}
	return nil
}
