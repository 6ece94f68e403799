package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/orderdesk/posgate/pkg/models"
)

// LocalFileArchiver writes purged review records as JSONL files under a
// local directory:
//
//	{basePath}/review/2026-02-20T15-04-05Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
	now      func() time.Time
}

// NewLocalFileArchiver creates a file-based archiver rooted at basePath.
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	return &LocalFileArchiver{basePath: basePath, compress: compress, now: time.Now}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

// ArchiveRecords writes one batch to a timestamped file and returns its path.
func (a *LocalFileArchiver) ArchiveRecords(_ context.Context, records []models.ReviewRecord) (string, error) {
	dir := filepath.Join(a.basePath, "review")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := a.now().UTC().Format("2006-01-02T15-04-05Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	path := filepath.Join(dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if a.compress {
		gw := gzip.NewWriter(f)
		defer gw.Close()
		enc = json.NewEncoder(gw)
	}

	for _, record := range records {
		if err := enc.Encode(record); err != nil {
			return "", fmt.Errorf("encode record %s: %w", record.OrderID, err)
		}
	}

	log.Debug().Str("path", path).Int("count", len(records)).Msg("archived review records")
	return path, nil
}
