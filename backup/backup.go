// Package backup writes point-in-time snapshots of the orchestrator's tables
// to local disk as zstd-compressed JSON. Snapshots are tagged by trigger
// (stream-start, scheduled, shutdown) so operators can tell a routine snapshot
// from a teardown one.
package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Tables included in every snapshot, in dump order.
var snapshotTables = []string{"streams", "viewing_sessions", "chat_messages", "redemptions"}

// Service dumps the store into Dir. Dir is created on first use.
type Service struct {
	DB  *sql.DB
	Dir string
}

type snapshot struct {
	CreatedAt time.Time                           `json:"created_at"`
	Tag       string                              `json:"tag"`
	Tables    map[string][]map[string]interface{} `json:"tables"`
}

// CreateBackup writes one snapshot file named
// backup-<timestamp>-<tag>.json.zst and returns the first error encountered.
// A partial file is removed on failure.
func (s *Service) CreateBackup(ctx context.Context, tag string) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	snap := snapshot{
		CreatedAt: time.Now().UTC(),
		Tag:       tag,
		Tables:    make(map[string][]map[string]interface{}, len(snapshotTables)),
	}
	for _, table := range snapshotTables {
		rows, err := s.dumpTable(ctx, table)
		if err != nil {
			return fmt.Errorf("dump %s: %w", table, err)
		}
		snap.Tables[table] = rows
	}

	name := fmt.Sprintf("backup-%s-%s.json.zst", snap.CreatedAt.Format("20060102-150405"), tag)
	path := filepath.Join(s.Dir, name)
	if err := writeSnapshot(path, &snap); err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("failed to remove partial backup", slog.Any("err", rmErr))
		}
		return err
	}

	slog.Info("backup created", slog.String("path", path), slog.String("tag", tag))
	return nil
}

func (s *Service) dumpTable(ctx context.Context, table string) ([]map[string]interface{}, error) {
	// table comes from the fixed snapshotTables list, never from input.
	rows, err := s.DB.QueryContext(ctx, "SELECT * FROM "+table+" ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0)
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			switch v := vals[i].(type) {
			case []byte:
				rec[c] = string(v)
			default:
				rec[c] = v
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func writeSnapshot(path string, snap *snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create backup file: %w", err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(snap); err != nil {
		zw.Close()
		f.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("flush snapshot: %w", err)
	}
	return f.Close()
}

// ReadSnapshot loads a snapshot file, mainly for verification and tooling.
func ReadSnapshot(path string) (map[string][]map[string]interface{}, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close backup file", slog.Any("err", err))
		}
	}()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, "", fmt.Errorf("open zstd reader: %w", err)
	}
	defer zr.Close()
	var snap snapshot
	if err := json.NewDecoder(zr).Decode(&snap); err != nil {
		return nil, "", fmt.Errorf("decode snapshot: %w", err)
	}
	return snap.Tables, snap.Tag, nil
}
