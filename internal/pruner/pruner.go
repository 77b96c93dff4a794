// Package pruner bounds datalake disk usage by removing full-size images of
// old or repetitive captures. Thumbnails, metadata and index rows are kept.
package pruner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/stellarlinkco/lookout/internal/datalake"
)

const (
	ReasonAge    = "age"
	ReasonStreak = "streak"
)

// ErrBusy is returned when an execution is already running.
var ErrBusy = errors.New("prune already running")

// prunableStates are the states whose images age out. Abnormal is never listed.
var prunableStates = []string{"normal", "uncertain"}

// Lake is the part of the datalake the pruner works on.
type Lake interface {
	AgedImages(ctx context.Context, cutoff time.Time, states []string) ([]datalake.Capture, error)
	Timeline(ctx context.Context) ([]datalake.Capture, error)
	DeleteFullImage(ctx context.Context, recordID string) (int64, error)
}

type StreakOptions struct {
	Enabled   bool
	MinRun    int
	KeepEvery int
}

type Options struct {
	// RetentionDays overrides the configured window when positive.
	RetentionDays int
	// Before, when set, replaces the now-minus-retention cutoff.
	Before time.Time
	Now    time.Time
	Streak *StreakOptions
	// OnProgress is called after each deletion attempt during Execute.
	OnProgress func(done, total int)
}

type Candidate struct {
	RecordID   string    `json:"record_id"`
	DeviceID   string    `json:"device_id"`
	State      string    `json:"state"`
	CapturedAt time.Time `json:"captured_at"`
	Bytes      int64     `json:"bytes"`
	Reason     string    `json:"reason"`
}

type Report struct {
	DryRun     bool           `json:"dry_run"`
	Cutoff     time.Time      `json:"cutoff"`
	Records    int            `json:"records"`
	Bytes      int64          `json:"bytes"`
	Deleted    int            `json:"deleted"`
	Freed      int64          `json:"freed"`
	Failed     int            `json:"failed"`
	ByReason   map[string]int `json:"by_reason"`
	Candidates []Candidate    `json:"candidates,omitempty"`
}

func (r *Report) Summary() string {
	if r.DryRun {
		return fmt.Sprintf("%d images selected, %s reclaimable (cutoff %s)",
			r.Records, humanize.Bytes(uint64(r.Bytes)), r.Cutoff.Format(time.RFC3339))
	}
	return fmt.Sprintf("deleted %d of %d images, freed %s, %d failed",
		r.Deleted, r.Records, humanize.Bytes(uint64(r.Freed)), r.Failed)
}

type Pruner struct {
	lake          Lake
	retentionDays int
	streak        StreakOptions
	running       atomic.Bool
}

func New(lake Lake, retentionDays int, streak StreakOptions) *Pruner {
	return &Pruner{lake: lake, retentionDays: retentionDays, streak: streak}
}

// Preview reports what Execute would delete given the same options and
// datalake state, without deleting anything.
func (p *Pruner) Preview(ctx context.Context, opts Options) (*Report, error) {
	cutoff, cands, err := p.selectRecords(ctx, opts)
	if err != nil {
		return nil, err
	}
	return newReport(true, cutoff, cands), nil
}

// Execute deletes the full image of every selected capture. A failed
// deletion is logged and counted; the batch continues.
func (p *Pruner) Execute(ctx context.Context, opts Options) (*Report, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer p.running.Store(false)

	cutoff, cands, err := p.selectRecords(ctx, opts)
	if err != nil {
		return nil, err
	}
	rep := newReport(false, cutoff, cands)

	for i, c := range cands {
		if err := ctx.Err(); err != nil {
			log.Printf("[pruner] interrupted after %d of %d: %v", i, len(cands), err)
			return rep, err
		}
		freed, err := p.lake.DeleteFullImage(ctx, c.RecordID)
		if err != nil {
			rep.Failed++
			log.Printf("[pruner] %s (%s): %v", c.RecordID, c.Reason, err)
		} else {
			rep.Deleted++
			rep.Freed += freed
		}
		if opts.OnProgress != nil {
			opts.OnProgress(i+1, len(cands))
		}
	}

	log.Printf("[pruner] %s", rep.Summary())
	return rep, nil
}

func newReport(dryRun bool, cutoff time.Time, cands []Candidate) *Report {
	rep := &Report{
		DryRun:     dryRun,
		Cutoff:     cutoff,
		Records:    len(cands),
		ByReason:   make(map[string]int),
		Candidates: cands,
	}
	for _, c := range cands {
		rep.Bytes += c.Bytes
		rep.ByReason[c.Reason]++
	}
	return rep
}

func (p *Pruner) cutoff(opts Options) (time.Time, error) {
	if !opts.Before.IsZero() {
		return opts.Before.UTC(), nil
	}
	days := p.retentionDays
	if opts.RetentionDays != 0 {
		days = opts.RetentionDays
	}
	if days <= 0 {
		return time.Time{}, fmt.Errorf("retention days must be positive, got %d", days)
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	return now.UTC().AddDate(0, 0, -days), nil
}

// selectRecords is the single selection path shared by Preview and Execute.
func (p *Pruner) selectRecords(ctx context.Context, opts Options) (time.Time, []Candidate, error) {
	cutoff, err := p.cutoff(opts)
	if err != nil {
		return time.Time{}, nil, err
	}

	aged, err := p.lake.AgedImages(ctx, cutoff, prunableStates)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("select aged images: %w", err)
	}

	seen := make(map[string]bool, len(aged))
	var cands []Candidate
	add := func(c datalake.Capture, reason string) {
		if seen[c.RecordID] || c.State == "abnormal" || !c.HasImage() {
			return
		}
		seen[c.RecordID] = true
		cands = append(cands, Candidate{
			RecordID:   c.RecordID,
			DeviceID:   c.DeviceID,
			State:      c.State,
			CapturedAt: c.CapturedAt,
			Bytes:      c.ImageBytes,
			Reason:     reason,
		})
	}
	for _, c := range aged {
		add(c, ReasonAge)
	}

	streak := p.streak
	if opts.Streak != nil {
		streak = *opts.Streak
	}
	if streak.Enabled {
		timeline, err := p.lake.Timeline(ctx)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("load timeline: %w", err)
		}
		for _, c := range StreakSurplus(timeline, streak.MinRun, streak.KeepEvery) {
			add(c, ReasonStreak)
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if !cands[i].CapturedAt.Equal(cands[j].CapturedAt) {
			return cands[i].CapturedAt.Before(cands[j].CapturedAt)
		}
		return cands[i].RecordID < cands[j].RecordID
	})
	return cutoff, cands, nil
}

// StreakSurplus walks captures ordered by device then capture time and
// returns the members of identical-state runs past the first minRun whose
// position in the surplus is not a multiple of keepEvery. Abnormal runs and
// captures without a full image are never returned; captures without an image
// still count toward run length.
func StreakSurplus(timeline []datalake.Capture, minRun, keepEvery int) []datalake.Capture {
	if minRun < 1 {
		minRun = 1
	}
	var out []datalake.Capture
	pos := 0
	for i, c := range timeline {
		if i > 0 && timeline[i-1].DeviceID == c.DeviceID && timeline[i-1].State == c.State {
			pos++
		} else {
			pos = 0
		}
		if pos < minRun || c.State == "abnormal" || !c.HasImage() {
			continue
		}
		if keepEvery > 0 && (pos-minRun)%keepEvery == 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}
