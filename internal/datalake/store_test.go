package datalake

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "lake"), filepath.Join(dir, "db", "captures.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testCapture(id, device, state string, at time.Time) *Capture {
	return &Capture{
		RecordID:   id,
		OrgID:      "acme",
		DeviceID:   device,
		CapturedAt: at,
		IngestedAt: at.Add(time.Second),
		State:      state,
		Score:      0.8,
		Reason:     "reason for " + id,
		Metadata:   map[string]any{"trigger": "schedule"},
	}
}

func TestStore_WriteRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	img := testJPEG(t, 64, 48)
	at := time.Date(2026, 5, 4, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))

	c := testCapture("rec-1", "cam-1", "normal", at)
	if err := s.Write(ctx, c, img, []byte("thumb")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// partition uses the UTC date
	if c.ImagePath != filepath.Join("2026-05-05", "rec-1.jpg") {
		t.Errorf("image path = %q", c.ImagePath)
	}
	for _, rel := range []string{c.ImagePath, c.ThumbnailPath, filepath.Join("2026-05-05", "rec-1.json")} {
		if _, err := os.Stat(filepath.Join(s.Root(), rel)); err != nil {
			t.Errorf("artifact %s missing: %v", rel, err)
		}
	}

	art, err := s.Read(ctx, "rec-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(art.Image, img) {
		t.Error("image bytes differ")
	}
	if string(art.Thumbnail) != "thumb" {
		t.Errorf("thumbnail = %q", art.Thumbnail)
	}
	if art.Capture.State != "normal" || art.Capture.Reason != "reason for rec-1" {
		t.Errorf("capture = %+v", art.Capture)
	}
	if !art.Capture.CapturedAt.Equal(at) || art.Capture.CapturedAt.Location() != time.UTC {
		t.Errorf("captured_at = %v, want %v in UTC", art.Capture.CapturedAt, at)
	}
	if art.Metadata["trigger"] != "schedule" {
		t.Errorf("metadata = %v", art.Metadata)
	}
}

func TestStore_WriteDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	if err := s.Write(ctx, testCapture("dup", "cam-1", "normal", at), []byte("first"), []byte("t")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	err := s.Write(ctx, testCapture("dup", "cam-1", "abnormal", at), []byte("second"), []byte("t"))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}

	art, err := s.Read(ctx, "dup")
	if err != nil {
		t.Fatal(err)
	}
	if string(art.Image) != "first" || art.Capture.State != "normal" {
		t.Errorf("duplicate write must not touch the original: %q %s", art.Image, art.Capture.State)
	}
	assertNoTempFiles(t, filepath.Join(s.Root(), "2026-05-04"))
}

func TestStore_WriteConcurrentSameID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Write(ctx, testCapture("race", "cam-1", "normal", at), []byte("img"), []byte("t"))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ErrDuplicate) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if succeeded != 1 {
		t.Errorf("successful writes = %d, want exactly 1", succeeded)
	}
}

func TestStore_WriteFailureLeavesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	// a directory squatting on the final image path makes the rename fail
	blocker := filepath.Join(s.Root(), "2026-05-04", "boom.img", "x")
	if err := os.MkdirAll(blocker, 0755); err != nil {
		t.Fatal(err)
	}

	err := s.Write(ctx, testCapture("boom", "cam-1", "normal", at), []byte("raw bytes"), []byte("t"))
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
	if ok, _ := s.Exists(ctx, "boom"); ok {
		t.Error("row must not exist after a failed write")
	}
	for _, name := range []string{"boom_thumb.jpg", "boom.json"} {
		if _, err := os.Stat(filepath.Join(s.Root(), "2026-05-04", name)); !os.IsNotExist(err) {
			t.Errorf("%s should not exist, stat err = %v", name, err)
		}
	}
	assertNoTempFiles(t, filepath.Join(s.Root(), "2026-05-04"))
}

func TestStore_WriteRejectsUnsafeID(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"", "../etc", "a/b", "-lead"} {
		err := s.Write(context.Background(), testCapture(id, "cam", "normal", time.Now()), []byte("i"), []byte("t"))
		if !errors.Is(err, ErrStorage) {
			t.Errorf("Write(%q) err = %v, want ErrStorage", id, err)
		}
	}
}

func TestStore_DeleteFullImage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	c := testCapture("n1", "cam-1", "normal", at)
	if err := s.Write(ctx, c, []byte("0123456789"), []byte("thumb")); err != nil {
		t.Fatal(err)
	}

	freed, err := s.DeleteFullImage(ctx, "n1")
	if err != nil {
		t.Fatalf("DeleteFullImage: %v", err)
	}
	if freed != 10 {
		t.Errorf("freed = %d, want 10", freed)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), c.ImagePath)); !os.IsNotExist(err) {
		t.Error("image file should be gone")
	}

	art, err := s.Read(ctx, "n1")
	if err != nil {
		t.Fatalf("Read after prune: %v", err)
	}
	if art.Image != nil || art.Capture.HasImage() {
		t.Error("image should be cleared")
	}
	if string(art.Thumbnail) != "thumb" {
		t.Error("thumbnail must be kept")
	}

	data, err := os.ReadFile(filepath.Join(s.Root(), metadataPath(c)))
	if err != nil {
		t.Fatalf("metadata file: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc["image_path"]; ok || doc["record_id"] != "n1" {
		t.Errorf("metadata after prune = %s", data)
	}

	if _, err := s.DeleteFullImage(ctx, "n1"); !errors.Is(err, ErrNoImage) {
		t.Errorf("second delete err = %v, want ErrNoImage", err)
	}
	if _, err := s.DeleteFullImage(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v, want ErrNotFound", err)
	}
}

func TestStore_DeleteFullImage_Protected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := testCapture("a1", "cam-1", "abnormal", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	if err := s.Write(ctx, c, []byte("img"), []byte("thumb")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.DeleteFullImage(ctx, "a1"); !errors.Is(err, ErrProtected) {
		t.Errorf("err = %v, want ErrProtected", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), c.ImagePath)); err != nil {
		t.Errorf("abnormal image must remain: %v", err)
	}
}

func TestStore_DeleteFullImage_MissingThumbnail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := testCapture("nt", "cam-1", "uncertain", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	if err := s.Write(ctx, c, []byte("img"), []byte("thumb")); err != nil {
		t.Fatal(err)
	}
	os.Remove(filepath.Join(s.Root(), c.ThumbnailPath))

	if _, err := s.DeleteFullImage(ctx, "nt"); err == nil {
		t.Fatal("expected error when the thumbnail is missing")
	}
	got, _ := s.Get(ctx, "nt")
	if !got.HasImage() {
		t.Error("image_path must stay set when the thumbnail is missing")
	}
	if _, err := os.Stat(filepath.Join(s.Root(), c.ImagePath)); err != nil {
		t.Errorf("image must remain: %v", err)
	}
}

func TestMakeThumbnail(t *testing.T) {
	thumb, err := MakeThumbnail(testJPEG(t, 200, 100), 50)
	if err != nil {
		t.Fatalf("MakeThumbnail: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(thumb))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 50 || b.Dy() != 25 {
		t.Errorf("thumbnail size = %dx%d, want 50x25", b.Dx(), b.Dy())
	}

	small, err := MakeThumbnail(testJPEG(t, 20, 10), 50)
	if err != nil {
		t.Fatal(err)
	}
	img, _ = jpeg.Decode(bytes.NewReader(small))
	if img.Bounds().Dx() != 20 {
		t.Errorf("small image should not be upscaled, width = %d", img.Bounds().Dx())
	}

	if _, err := MakeThumbnail([]byte("garbage"), 50); err == nil {
		t.Error("expected decode error")
	}
}

// 1x1 lossless WebP
const webpPixel = "UklGRhoAAABXRUJQVlA4TA0AAAAvAAAAEAcQERGIiP4HAA=="

func TestMakeThumbnail_WebP(t *testing.T) {
	data, err := base64.StdEncoding.DecodeString(webpPixel)
	if err != nil {
		t.Fatal(err)
	}
	if ext := imageExt(data); ext != ".webp" {
		t.Errorf("ext = %s", ext)
	}
	thumb, err := MakeThumbnail(data, 50)
	if err != nil {
		t.Fatalf("MakeThumbnail(webp): %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(thumb)); err != nil {
		t.Errorf("thumbnail is not a JPEG: %v", err)
	}
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	matches, _ := filepath.Glob(filepath.Join(dir, ".*.tmp"))
	if len(matches) > 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}
