package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/stellarlinkco/lookout/internal/cron"
	"github.com/stellarlinkco/lookout/internal/datalake"
	"github.com/stellarlinkco/lookout/internal/ingest"
	"github.com/stellarlinkco/lookout/internal/pruner"
	"github.com/stellarlinkco/lookout/internal/trigger"
)

// multipartSlack covers the form fields around the image part.
const multipartSlack = 1 << 20

var errBadRequest = errors.New("bad request")

// Handler returns the gateway's HTTP API.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/captures", g.handleUpload)
	mux.HandleFunc("GET /v1/captures", g.handleList)
	mux.HandleFunc("GET /v1/captures/{id}/thumbnail", g.handleThumbnail)
	mux.HandleFunc("POST /v1/devices/{id}/triggers", g.handleIssueTrigger)
	mux.HandleFunc("GET /v1/devices/{id}/triggers", g.handleTriggerStream)
	mux.HandleFunc("GET /v1/orgs/{org}/events", g.handleEventStream)
	mux.HandleFunc("GET /v1/prune/preview", g.handlePrune(false))
	mux.HandleFunc("POST /v1/prune/execute", g.handlePrune(true))
	mux.HandleFunc("GET /v1/jobs", g.handleListJobs)
	mux.HandleFunc("POST /v1/jobs", g.handleAddJob)
	mux.HandleFunc("PATCH /v1/jobs/{id}", g.handleUpdateJob)
	mux.HandleFunc("DELETE /v1/jobs/{id}", g.handleRemoveJob)
	mux.HandleFunc("GET /v1/status", g.handleStatus)
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[gateway] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.Printf("[gateway] %d: %v", code, err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, ingest.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ingest.ErrInvalid), errors.Is(err, errBadRequest),
		errors.Is(err, trigger.ErrInvalidDevice), errors.Is(err, trigger.ErrUnknownTrigger),
		errors.Is(err, trigger.ErrInvalidAck):
		return http.StatusBadRequest
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, datalake.ErrNotFound), errors.Is(err, cron.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrDuplicate), errors.Is(err, pruner.ErrBusy), errors.Is(err, cron.ErrManagedJob):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrStorage), errors.Is(err, trigger.ErrQueueFull),
		errors.Is(err, trigger.ErrExhausted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := g.cfg.Gateway.MaxImageBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartSlack)
	if err := r.ParseMultipartForm(multipartSlack); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, err)
			return
		}
		writeError(w, badRequest("parse form: %v", err))
		return
	}

	req := ingest.Request{
		RecordID:     r.FormValue("record_id"),
		DeviceID:     strings.TrimSpace(r.FormValue("device_id")),
		TriggerLabel: r.FormValue("trigger_label"),
	}
	if s := r.FormValue("captured_at"); s != "" {
		t, err := pruner.ParseCutoff(s)
		if err != nil {
			writeError(w, badRequest("captured_at: %v", err))
			return
		}
		req.CapturedAt = t
	}

	f, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, badRequest("image: %v", err))
		return
	}
	defer f.Close()
	if req.Image, err = io.ReadAll(io.LimitReader(f, limit+1)); err != nil {
		writeError(w, badRequest("read image: %v", err))
		return
	}

	res, err := g.pipeline.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (g *Gateway) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, badRequest("limit: %v", err))
			return
		}
		limit = n
	}
	captures, err := g.pipeline.Recent(r.Context(), q.Get("org"), q.Get("device"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"captures": captures})
}

func (g *Gateway) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !datalake.ValidRecordID(id) {
		writeError(w, badRequest("malformed record id %q", id))
		return
	}
	art, err := g.store.Read(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(art.Thumbnail))
	w.Header().Set("Cache-Control", "private, max-age=86400")
	_, _ = w.Write(art.Thumbnail)
}

// allowed resolves a device for the trigger and job endpoints.
func (g *Gateway) allowed(r *http.Request, deviceID string) error {
	b, err := g.devices.VerifyDevice(r.Context(), deviceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ingest.ErrUnauthorized, err)
	}
	if !b.Allowed {
		return fmt.Errorf("%w: %s", ingest.ErrUnauthorized, deviceID)
	}
	return nil
}

func (g *Gateway) handleIssueTrigger(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if err := g.allowed(r, deviceID); err != nil {
		writeError(w, err)
		return
	}
	source, err := trigger.ParseSource(r.URL.Query().Get("source"))
	if err != nil {
		writeError(w, badRequest("%v", err))
		return
	}
	ev, err := g.hub.Issue(deviceID, source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}

func (g *Gateway) handlePrune(execute bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var opts pruner.Options
		q := r.URL.Query()
		if s := q.Get("retention_days"); s != "" {
			days, err := strconv.Atoi(s)
			if err != nil || days <= 0 {
				writeError(w, badRequest("retention_days must be a positive integer"))
				return
			}
			opts.RetentionDays = days
		}
		if s := q.Get("before"); s != "" {
			t, err := pruner.ParseCutoff(s)
			if err != nil {
				writeError(w, badRequest("before: %v", err))
				return
			}
			opts.Before = t
		}

		var (
			rep *pruner.Report
			err error
		)
		if execute {
			rep, err = g.pruner.Execute(r.Context(), opts)
		} else {
			rep, err = g.pruner.Preview(r.Context(), opts)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := g.store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	listeners := make(map[string]int)
	for _, d := range g.cfg.Devices.Devices {
		listeners[d.OrgID] = g.events.Listeners(d.OrgID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"datalake":  stats,
		"triggers":  g.hub.Statuses(),
		"listeners": listeners,
		"jobs":      g.cron.ListJobs(),
	})
}
