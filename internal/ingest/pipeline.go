// Package ingest turns a device upload into a classified, persisted capture.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/lookout/internal/auth"
	"github.com/stellarlinkco/lookout/internal/classifier"
	"github.com/stellarlinkco/lookout/internal/datalake"
	"github.com/stellarlinkco/lookout/internal/events"
	"github.com/stellarlinkco/lookout/internal/notify"
	"github.com/stellarlinkco/lookout/internal/phash"
)

const (
	DefaultMaxImageBytes  = 10 << 20
	DefaultThumbnailWidth = 320
)

var (
	ErrUnauthorized = errors.New("device not authorized")
	ErrInvalid      = errors.New("invalid capture")
	ErrDuplicate    = errors.New("record id already used")
	ErrStorage      = errors.New("capture could not be stored")
)

type DeviceVerifier interface {
	VerifyDevice(ctx context.Context, deviceID string) (auth.Binding, error)
}

type HashCache interface {
	Lookup(deviceID string, hash uint64) (phash.Verdict, bool)
	Store(deviceID string, hash uint64, v phash.Verdict, ttl time.Duration)
	TTL() time.Duration
}

type Classifier interface {
	Classify(ctx context.Context, img classifier.Image, normalDescription string) classifier.Decision
}

type Store interface {
	Exists(ctx context.Context, recordID string) (bool, error)
	Write(ctx context.Context, c *datalake.Capture, image, thumbnail []byte) error
	List(ctx context.Context, f datalake.Filter) ([]datalake.Capture, error)
}

type Notifier interface {
	Notify(a notify.Alert) bool
}

type Publisher interface {
	Publish(e events.Event)
}

type Request struct {
	// RecordID is optional; devices retrying an upload resend the same id.
	RecordID     string
	DeviceID     string
	CapturedAt   time.Time
	TriggerLabel string
	Image        []byte
}

type Result struct {
	RecordID   string    `json:"record_id"`
	DeviceID   string    `json:"device_id"`
	State      string    `json:"state"`
	Score      float64   `json:"score"`
	Reason     string    `json:"reason,omitempty"`
	CacheHit   bool      `json:"cache_hit"`
	CapturedAt time.Time `json:"captured_at"`
}

type Options struct {
	MaxImageBytes  int64
	ThumbnailWidth int
}

type Pipeline struct {
	verifier   DeviceVerifier
	cache      HashCache
	classifier Classifier
	store      Store
	notifier   Notifier
	publisher  Publisher
	opts       Options

	inflight sync.Map // record id -> struct{}
	now      func() time.Time
	newID    func() string
	hash     func([]byte) (uint64, error)
	thumb    func([]byte, int) ([]byte, error)
}

func New(verifier DeviceVerifier, cache HashCache, cls Classifier, store Store, notifier Notifier, publisher Publisher, opts Options) *Pipeline {
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = DefaultMaxImageBytes
	}
	if opts.ThumbnailWidth <= 0 {
		opts.ThumbnailWidth = DefaultThumbnailWidth
	}
	return &Pipeline{
		verifier:   verifier,
		cache:      cache,
		classifier: cls,
		store:      store,
		notifier:   notifier,
		publisher:  publisher,
		opts:       opts,
		now:        time.Now,
		newID:      uuid.NewString,
		hash:       phash.Compute,
		thumb:      datalake.MakeThumbnail,
	}
}

func (p *Pipeline) validate(req *Request) error {
	if req.DeviceID == "" {
		return fmt.Errorf("%w: device_id is required", ErrInvalid)
	}
	if req.CapturedAt.IsZero() {
		return fmt.Errorf("%w: captured_at is required", ErrInvalid)
	}
	if len(req.Image) == 0 {
		return fmt.Errorf("%w: image is empty", ErrInvalid)
	}
	if int64(len(req.Image)) > p.opts.MaxImageBytes {
		return fmt.Errorf("%w: image is %d bytes, limit %d", ErrInvalid, len(req.Image), p.opts.MaxImageBytes)
	}
	if req.RecordID != "" && !datalake.ValidRecordID(req.RecordID) {
		return fmt.Errorf("%w: malformed record_id %q", ErrInvalid, req.RecordID)
	}
	return nil
}

// Ingest validates, classifies and stores one capture, then fans out the
// alert and dashboard event. It returns once the capture has its terminal
// state. Nothing is persisted when an error is returned.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Result, error) {
	if err := p.validate(&req); err != nil {
		return nil, err
	}

	binding, err := p.verifier.VerifyDevice(ctx, req.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnauthorized, req.DeviceID, err)
	}
	if !binding.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, req.DeviceID)
	}

	recordID := req.RecordID
	if recordID == "" {
		recordID = p.newID()
	}
	if _, busy := p.inflight.LoadOrStore(recordID, struct{}{}); busy {
		return nil, fmt.Errorf("%w: %s is being ingested", ErrDuplicate, recordID)
	}
	defer p.inflight.Delete(recordID)

	exists, err := p.store.Exists(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, recordID)
	}

	// the thumbnail decode is the format check: an upload no decoder accepts
	// is rejected before the hash, so the hash can only fail on a frame that
	// did decode
	thumbnail, err := p.thumb(req.Image, p.opts.ThumbnailWidth)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	// a hash failure only costs the cache; classification still runs
	hash, hashErr := p.hash(req.Image)
	if hashErr != nil {
		log.Printf("[ingest] %s: perceptual hash failed, treating as miss: %v", recordID, hashErr)
	}

	var (
		verdict  phash.Verdict
		cacheHit bool
		decision classifier.Decision
	)
	if hashErr == nil {
		verdict, cacheHit = p.cache.Lookup(req.DeviceID, hash)
	}
	if !cacheHit {
		img := classifier.Image{Data: req.Image, MediaType: http.DetectContentType(req.Image)}
		decision = p.classifier.Classify(ctx, img, binding.NormalDescription)
		verdict = phash.Verdict{State: string(decision.State), Score: decision.Score, Reason: decision.Reason}
	}

	c := &datalake.Capture{
		RecordID:     recordID,
		OrgID:        binding.OrgID,
		DeviceID:     req.DeviceID,
		CapturedAt:   req.CapturedAt.UTC(),
		IngestedAt:   p.now().UTC(),
		State:        verdict.State,
		Score:        verdict.Score,
		Reason:       verdict.Reason,
		TriggerLabel: req.TriggerLabel,
		Metadata:     metadata(cacheHit, decision),
	}
	if hashErr == nil {
		c.Hash = fmt.Sprintf("%016x", hash)
	}

	if err := p.store.Write(ctx, c, req.Image, thumbnail); err != nil {
		if errors.Is(err, datalake.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, recordID)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	// a verdict no agent produced is not worth reusing
	if !cacheHit && hashErr == nil && len(decision.Verdicts) > 0 {
		p.cache.Store(req.DeviceID, hash, verdict, p.cache.TTL())
	}

	if c.State == string(classifier.StateAbnormal) && p.notifier != nil {
		p.notifier.Notify(notify.Alert{
			OrgID:      c.OrgID,
			DeviceID:   c.DeviceID,
			DeviceName: binding.Name,
			RecordID:   c.RecordID,
			State:      c.State,
			Score:      c.Score,
			Reason:     c.Reason,
			CapturedAt: c.CapturedAt,
			Thumbnail:  thumbnail,
		})
	}

	if p.publisher != nil {
		p.publisher.Publish(events.Event{
			Type:       events.TypeCaptureCreated,
			OrgID:      c.OrgID,
			DeviceID:   c.DeviceID,
			RecordID:   c.RecordID,
			State:      c.State,
			Score:      c.Score,
			Reason:     c.Reason,
			CacheHit:   cacheHit,
			CapturedAt: c.CapturedAt,
		})
	}

	log.Printf("[ingest] %s/%s %s -> %s (%.2f, cache_hit=%v)", c.OrgID, c.DeviceID, recordID, c.State, c.Score, cacheHit)
	return &Result{
		RecordID:   recordID,
		DeviceID:   c.DeviceID,
		State:      c.State,
		Score:      c.Score,
		Reason:     c.Reason,
		CacheHit:   cacheHit,
		CapturedAt: c.CapturedAt,
	}, nil
}

func metadata(cacheHit bool, d classifier.Decision) map[string]any {
	m := map[string]any{"cache_hit": cacheHit}
	if cacheHit {
		return m
	}
	agents := make([]map[string]any, 0, len(d.Verdicts))
	for _, v := range d.Verdicts {
		agents = append(agents, map[string]any{
			"agent":      v.Agent,
			"state":      string(v.State),
			"confidence": v.Confidence,
		})
	}
	m["agents"] = agents
	return m
}

// Recent lists captures for the dashboard, newest first.
func (p *Pipeline) Recent(ctx context.Context, orgID, deviceID string, limit int) ([]datalake.Capture, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return p.store.List(ctx, datalake.Filter{OrgID: orgID, DeviceID: deviceID, Limit: limit})
}
