package workers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"estate_ingest/models"
	"estate_ingest/storage"
)

const maxMirrorAttempts = 3

// Uploader puts an object into S3-compatible storage.
type Uploader interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string) error
}

// existenceChecker is implemented by uploaders that can skip objects already present.
type existenceChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// MirrorStore is the slice of the canonical store the mirror needs.
type MirrorStore interface {
	PendingImageMirrors(ctx context.Context, limit int) ([]models.PropertyImage, error)
	MarkImageMirrored(ctx context.Context, imageID int64, key string) error
}

// ImageMirror copies stored listing photos to object storage under a
// content-addressed key and records the key on the image row.
type ImageMirror struct {
	store    MirrorStore
	uploader Uploader
	logFn    LogFunc
	trigger  chan struct{}
	pause    time.Duration

	mu       sync.Mutex
	failures map[int64]int
}

func NewImageMirror(store MirrorStore, uploader Uploader) *ImageMirror {
	return &ImageMirror{
		store:    store,
		uploader: uploader,
		logFn:    NoOpLogger,
		trigger:  make(chan struct{}, 1),
		pause:    200 * time.Millisecond,
		failures: make(map[int64]int),
	}
}

func (w *ImageMirror) SetLogger(fn LogFunc) {
	if fn != nil {
		w.logFn = fn
	}
}

// MirrorResult is the outcome of mirroring one image.
type MirrorResult struct {
	ImageID  int64
	Key      string
	Size     int
	Uploaded bool // false when the object already existed
	Error    error
}

// Process uploads one image unless an object with the same key exists.
func (w *ImageMirror) Process(ctx context.Context, img *models.PropertyImage) MirrorResult {
	result := MirrorResult{ImageID: img.ID, Size: len(img.Data)}
	if len(img.Data) == 0 {
		result.Error = fmt.Errorf("image %d has no data", img.ID)
		return result
	}
	if img.ContentHash == "" {
		result.Error = fmt.Errorf("image %d has no content hash", img.ID)
		return result
	}

	result.Key = storage.MirrorKey(img.ContentHash, img.Filename)

	if checker, ok := w.uploader.(existenceChecker); ok {
		exists, err := checker.Exists(ctx, result.Key)
		if err != nil {
			log.Printf("Warning: mirror: exists check for %s failed: %v", result.Key, err)
		} else if exists {
			return result
		}
	}

	contentType := img.MimeType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	if err := w.uploader.Upload(ctx, result.Key, bytes.NewReader(img.Data), contentType); err != nil {
		result.Error = fmt.Errorf("upload: %w", err)
		return result
	}
	result.Uploaded = true
	return result
}

// Trigger asks a running loop for an immediate pass.
func (w *ImageMirror) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run starts the mirror loop
func (w *ImageMirror) Run(ctx context.Context, batchSize int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Image mirror stopping")
			return
		case <-ticker.C:
			w.ProcessBatch(ctx, batchSize)
		case <-w.trigger:
			w.ProcessBatch(ctx, batchSize)
		}
	}
}

// ProcessBatch mirrors up to batchSize pending images. Images that failed
// maxMirrorAttempts times are left alone until the process restarts.
func (w *ImageMirror) ProcessBatch(ctx context.Context, batchSize int) (processed, failed int) {
	w.mu.Lock()
	given := 0
	for _, n := range w.failures {
		if n >= maxMirrorAttempts {
			given++
		}
	}
	w.mu.Unlock()

	images, err := w.store.PendingImageMirrors(ctx, batchSize+given)
	if err != nil {
		log.Printf("Image mirror: query error: %v", err)
		return 0, 0
	}

	for i := range images {
		if ctx.Err() != nil {
			break
		}
		img := &images[i]
		if w.gaveUp(img.ID) {
			continue
		}
		if processed+failed == batchSize {
			break
		}

		result := w.Process(ctx, img)
		if result.Error == nil {
			if err := w.store.MarkImageMirrored(ctx, img.ID, result.Key); err != nil {
				result.Error = fmt.Errorf("record key: %w", err)
			}
		}
		if result.Error != nil {
			failed++
			attempts := w.recordFailure(img.ID)
			log.Printf("Image mirror: failed image %d (attempt %d/%d): %v", img.ID, attempts, maxMirrorAttempts, result.Error)
			if attempts == maxMirrorAttempts {
				w.logFn(models.LogLevelError, "mirror", fmt.Sprintf("giving up on image %d: %v", img.ID, result.Error))
			}
			continue
		}

		processed++
		if result.Uploaded {
			log.Printf("Image mirror: uploaded %d -> %s (%d bytes)", img.ID, result.Key, result.Size)
		}
		if w.pause > 0 {
			time.Sleep(w.pause)
		}
	}

	if processed > 0 || failed > 0 {
		msg := fmt.Sprintf("Image mirror: processed %d, failed %d", processed, failed)
		log.Print(msg)
		w.logFn(models.LogLevelInfo, "mirror", msg)
	}
	return processed, failed
}

func (w *ImageMirror) gaveUp(id int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures[id] >= maxMirrorAttempts
}

func (w *ImageMirror) recordFailure(id int64) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures[id]++
	return w.failures[id]
}
