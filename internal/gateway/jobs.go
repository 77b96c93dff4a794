package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/lookout/internal/cron"
	"github.com/stellarlinkco/lookout/internal/pruner"
)

// minEvery keeps interval jobs at or above the scheduler's tick.
const minEvery = time.Second

// jobRequest adds a scheduled job. Exactly one of Cron, Every and At is set.
type jobRequest struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	DeviceID      string `json:"device_id"`
	RetentionDays int    `json:"retention_days"`
	Cron          string `json:"cron"`
	Every         string `json:"every"`
	At            string `json:"at"`
}

func (req jobRequest) schedule() (cron.Schedule, error) {
	set := 0
	for _, v := range []string{req.Cron, req.Every, req.At} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return cron.Schedule{}, badRequest("exactly one of cron, every or at is required")
	}

	var s cron.Schedule
	switch {
	case req.Cron != "":
		s = cron.Schedule{Kind: cron.ScheduleCron, Expr: req.Cron}
	case req.Every != "":
		d, err := time.ParseDuration(req.Every)
		if err != nil {
			return s, badRequest("every: %v", err)
		}
		if d < minEvery {
			return s, badRequest("every must be at least %s", minEvery)
		}
		s = cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: d.Milliseconds()}
	default:
		at, err := pruner.ParseCutoff(req.At)
		if err != nil {
			return s, badRequest("at: %v", err)
		}
		s = cron.Schedule{Kind: cron.ScheduleAt, AtMs: at.UnixMilli()}
	}
	if err := s.Validate(); err != nil {
		return s, badRequest("%v", err)
	}
	return s, nil
}

func (g *Gateway) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": g.cron.ListJobs()})
}

func (g *Gateway) handleAddJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, badRequest("decode job: %v", err))
		return
	}
	sched, err := req.schedule()
	if err != nil {
		writeError(w, err)
		return
	}

	payload := cron.Payload{Kind: req.Kind, DeviceID: strings.TrimSpace(req.DeviceID), RetentionDays: req.RetentionDays}
	if payload.Kind == "" {
		payload.Kind = cron.PayloadTrigger
	}
	if err := payload.Validate(); err != nil {
		writeError(w, badRequest("%v", err))
		return
	}
	if payload.Kind == cron.PayloadTrigger {
		if err := g.allowed(r, payload.DeviceID); err != nil {
			writeError(w, err)
			return
		}
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = payload.Kind
		if payload.DeviceID != "" {
			name = fmt.Sprintf("%s %s", payload.Kind, payload.DeviceID)
		}
	}
	job, err := g.cron.AddJob(name, sched, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (g *Gateway) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&body); err != nil {
		writeError(w, badRequest("decode job update: %v", err))
		return
	}
	if body.Enabled == nil {
		writeError(w, badRequest("enabled is required"))
		return
	}
	job, err := g.cron.EnableJob(r.PathValue("id"), *body.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (g *Gateway) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if err := g.cron.RemoveJob(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
