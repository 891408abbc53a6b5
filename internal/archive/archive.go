// Package archive writes harvested batches to blob storage so a run can be
// inspected or replayed without touching the upstream API again.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/marmelspade/internal/crawler"
)

// BlobStore persists named objects and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error)
}

// Hasher digests archived payloads for the manifest.
type Hasher interface {
	Digest(data []byte) string
}

// Clock supplies the manifest timestamp.
type Clock interface {
	Now() time.Time
}

// ManifestName is the object written last for each run.
const ManifestName = "manifest.json"

const maxSlugLen = 64

// Config controls object naming.
type Config struct {
	// Prefix is prepended to every object name. Empty writes at the store root.
	Prefix string
}

// Entry describes one archived batch.
type Entry struct {
	Seq     int    `json:"seq"`
	Root    string `json:"root"`
	Path    string `json:"path"`
	Records int    `json:"records"`
	Object  string `json:"object"`
	URI     string `json:"uri"`
	Digest  string `json:"digest"`
}

// Manifest lists every batch archived for a run.
type Manifest struct {
	RunID     uuid.UUID `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	Batches   int       `json:"batches"`
	Records   int       `json:"records"`
	Entries   []Entry   `json:"entries"`
	// URI is where the manifest itself was written.
	URI string `json:"-"`
}

// Archiver writes batches and their manifest through a BlobStore.
type Archiver struct {
	store  BlobStore
	hasher Hasher
	clock  Clock
	prefix string
	logger *zap.Logger
}

// New builds an Archiver.
func New(store BlobStore, hasher Hasher, clock Clock, cfg Config, logger *zap.Logger) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if hasher == nil {
		return nil, errors.New("hasher is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		store:  store,
		hasher: hasher,
		clock:  clock,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.Named("archive"),
	}, nil
}

// Write stores each batch as <prefix>/<runID>/<seq>-<slug>.json followed by
// manifest.json. It stops at the first failed write.
func (a *Archiver) Write(ctx context.Context, runID uuid.UUID, batches []crawler.Batch) (Manifest, error) {
	manifest := Manifest{
		RunID:     runID,
		CreatedAt: a.clock.Now(),
		Batches:   len(batches),
		Entries:   make([]Entry, 0, len(batches)),
	}
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return Manifest{}, fmt.Errorf("archive canceled: %w", err)
		}
		seq := i + 1
		name := a.objectName(runID, fmt.Sprintf("%04d-%s.json", seq, Slug(batch.Path)))
		uri, digest, err := a.put(ctx, name, batch)
		if err != nil {
			return Manifest{}, fmt.Errorf("archive batch %d (%s): %w", seq, batch.Path, err)
		}
		manifest.Records += len(batch.Records)
		manifest.Entries = append(manifest.Entries, Entry{
			Seq:     seq,
			Root:    batch.Root.String(),
			Path:    batch.Path,
			Records: len(batch.Records),
			Object:  name,
			URI:     uri,
			Digest:  digest,
		})
	}

	uri, _, err := a.put(ctx, a.objectName(runID, ManifestName), manifest)
	if err != nil {
		return Manifest{}, fmt.Errorf("archive manifest: %w", err)
	}
	manifest.URI = uri
	a.logger.Info("run archived",
		zap.String("run_id", runID.String()),
		zap.Int("batches", manifest.Batches),
		zap.Int("records", manifest.Records),
		zap.String("manifest", uri),
	)
	return manifest, nil
}

func (a *Archiver) put(ctx context.Context, name string, v any) (string, string, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode %s: %w", name, err)
	}
	uri, err := a.store.PutObject(ctx, name, "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", "", fmt.Errorf("put %s: %w", name, err)
	}
	return uri, a.hasher.Digest(payload), nil
}

func (a *Archiver) objectName(runID uuid.UUID, name string) string {
	if a.prefix == "" {
		return path.Join(runID.String(), name)
	}
	return path.Join(a.prefix, runID.String(), name)
}

// Slug turns a directory path into a lowercase file-name fragment. Runs of
// anything outside [a-z0-9] collapse to a single dash.
func Slug(p string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(p) {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			dash = b.Len() > 0
			continue
		}
		if dash {
			b.WriteByte('-')
			dash = false
		}
		b.WriteRune(r)
	}
	slug := b.String()
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		return "root"
	}
	return slug
}
