package datalake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var recordIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidRecordID reports whether id is safe to use as a file name stem.
func ValidRecordID(id string) bool {
	return recordIDPattern.MatchString(id)
}

// Store pairs the artifact tree with its index.
type Store struct {
	root  string
	index *Index
}

func Open(root, dbPath string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create datalake root: %w", err)
	}
	ix, err := OpenIndex(dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{root: root, index: ix}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) Index() *Index { return s.index }

func (s *Store) Close() error { return s.index.Close() }

func (s *Store) abs(rel string) string {
	return filepath.Join(s.root, rel)
}

func (s *Store) Exists(ctx context.Context, recordID string) (bool, error) {
	return s.index.Exists(ctx, recordID)
}

func (s *Store) Get(ctx context.Context, recordID string) (*Capture, error) {
	return s.index.Get(ctx, recordID)
}

func (s *Store) List(ctx context.Context, f Filter) ([]Capture, error) {
	return s.index.List(ctx, f)
}

func (s *Store) AgedImages(ctx context.Context, cutoff time.Time, states []string) ([]Capture, error) {
	return s.index.AgedImages(ctx, cutoff, states)
}

func (s *Store) Timeline(ctx context.Context) ([]Capture, error) {
	return s.index.Timeline(ctx)
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	return s.index.Stats(ctx)
}

type stagedFile struct {
	tmp   string
	final string
}

// Write persists the image, thumbnail, metadata and index row for c as one
// unit. Files are staged under temporary names, the row is inserted, and the
// files are renamed into place before the insert commits; any failure
// removes everything this call wrote. c's path fields are filled in.
func (s *Store) Write(ctx context.Context, c *Capture, image, thumbnail []byte) error {
	if !ValidRecordID(c.RecordID) {
		return fmt.Errorf("%w: invalid record id %q", ErrStorage, c.RecordID)
	}
	if len(image) == 0 || len(thumbnail) == 0 {
		return fmt.Errorf("%w: image and thumbnail are required", ErrStorage)
	}

	day := c.CapturedAt.UTC().Format("2006-01-02")
	dir := s.abs(day)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create partition: %w", ErrStorage, err)
	}

	c.ImagePath = filepath.Join(day, c.RecordID+imageExt(image))
	c.ThumbnailPath = filepath.Join(day, c.RecordID+"_thumb.jpg")
	c.ImageBytes = int64(len(image))
	metaPath := filepath.Join(day, c.RecordID+".json")

	meta, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %w", ErrStorage, err)
	}

	var staged []stagedFile
	removeStaged := func() {
		for _, f := range staged {
			_ = os.Remove(f.tmp)
		}
	}
	for _, f := range []struct {
		final string
		data  []byte
	}{
		{c.ImagePath, image},
		{c.ThumbnailPath, thumbnail},
		{metaPath, meta},
	} {
		tmp, err := writeTemp(dir, filepath.Base(f.final), f.data)
		if err != nil {
			removeStaged()
			return fmt.Errorf("%w: stage %s: %w", ErrStorage, filepath.Base(f.final), err)
		}
		staged = append(staged, stagedFile{tmp: tmp, final: s.abs(f.final)})
	}

	tx, err := s.index.db.BeginTx(ctx, nil)
	if err != nil {
		removeStaged()
		return fmt.Errorf("%w: begin: %w", ErrStorage, err)
	}
	if err := s.index.insertTx(ctx, tx, c); err != nil {
		_ = tx.Rollback()
		removeStaged()
		if errors.Is(err, ErrDuplicate) {
			return ErrDuplicate
		}
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}

	var placed []string
	for _, f := range staged {
		if err := os.Rename(f.tmp, f.final); err != nil {
			_ = tx.Rollback()
			for _, p := range placed {
				_ = os.Remove(p)
			}
			removeStaged()
			return fmt.Errorf("%w: place %s: %w", ErrStorage, filepath.Base(f.final), err)
		}
		placed = append(placed, f.final)
	}

	if err := tx.Commit(); err != nil {
		for _, p := range placed {
			_ = os.Remove(p)
		}
		return fmt.Errorf("%w: commit: %w", ErrStorage, err)
	}
	return nil
}

func writeTemp(dir, base string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func imageExt(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".img"
	}
}

// Read loads a capture with its files. A missing full image is reported as a
// nil Image, not an error.
func (s *Store) Read(ctx context.Context, recordID string) (*Artifact, error) {
	c, err := s.index.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}

	art := &Artifact{Capture: *c, Metadata: c.Metadata}
	if art.Thumbnail, err = os.ReadFile(s.abs(c.ThumbnailPath)); err != nil {
		return nil, fmt.Errorf("%w: read thumbnail: %w", ErrStorage, err)
	}
	if c.HasImage() {
		if art.Image, err = os.ReadFile(s.abs(c.ImagePath)); err != nil {
			return nil, fmt.Errorf("%w: read image: %w", ErrStorage, err)
		}
	}

	if data, err := os.ReadFile(s.abs(metadataPath(c))); err == nil {
		var doc Capture
		if err := json.Unmarshal(data, &doc); err == nil && doc.Metadata != nil {
			art.Metadata = doc.Metadata
		}
	} else {
		log.Printf("[datalake] metadata file for %s unreadable: %v", recordID, err)
	}
	return art, nil
}

// DeleteFullImage removes the full-size image of a capture, keeping its
// thumbnail and metadata. It refuses abnormal captures and captures whose
// thumbnail is missing. It returns the bytes freed.
func (s *Store) DeleteFullImage(ctx context.Context, recordID string) (int64, error) {
	c, err := s.index.Get(ctx, recordID)
	if err != nil {
		return 0, err
	}
	if c.State == "abnormal" {
		return 0, ErrProtected
	}
	if !c.HasImage() {
		return 0, ErrNoImage
	}
	if _, err := os.Stat(s.abs(c.ThumbnailPath)); err != nil {
		return 0, fmt.Errorf("thumbnail check for %s: %w", recordID, err)
	}

	freed := c.ImageBytes
	if info, err := os.Stat(s.abs(c.ImagePath)); err == nil {
		freed = info.Size()
	}
	if err := os.Remove(s.abs(c.ImagePath)); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("remove image %s: %w", c.ImagePath, err)
	}
	if err := s.index.clearImage(ctx, recordID); err != nil {
		return 0, err
	}

	// the index is authoritative; a stale metadata file is only logged
	c.ImagePath = ""
	if err := s.rewriteMetadata(c); err != nil {
		log.Printf("[datalake] %s: rewrite metadata after prune: %v", recordID, err)
	}
	return freed, nil
}

func metadataPath(c *Capture) string {
	return filepath.Join(filepath.Dir(c.ThumbnailPath), c.RecordID+".json")
}

// rewriteMetadata replaces a capture's metadata file through a temp file.
func (s *Store) rewriteMetadata(c *Capture) error {
	meta, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	final := s.abs(metadataPath(c))
	tmp, err := writeTemp(filepath.Dir(final), filepath.Base(final), meta)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
