package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/stellarlinkco/lookout/internal/classifier"
	"github.com/stellarlinkco/lookout/internal/config"
	"github.com/stellarlinkco/lookout/internal/cron"
	"github.com/stellarlinkco/lookout/internal/datalake"
	"github.com/stellarlinkco/lookout/internal/events"
	"github.com/stellarlinkco/lookout/internal/ingest"
	"github.com/stellarlinkco/lookout/internal/notify"
	"github.com/stellarlinkco/lookout/internal/pruner"
	"github.com/stellarlinkco/lookout/internal/trigger"
)

type fixedAgent struct {
	state classifier.State
}

func (a fixedAgent) Name() string { return "fixed" }

func (a fixedAgent) Classify(ctx context.Context, img classifier.Image, prompt string) (classifier.Verdict, error) {
	return classifier.Verdict{State: a.state, Confidence: 0.9, Reasoning: "looks " + string(a.state)}, nil
}

type recordingSender struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) Send(_ context.Context, a notify.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("LOOKOUT_HOME", dir)

	cfg := config.DefaultConfig()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	cfg.Gateway.Heartbeat = "1h"
	cfg.Datalake.Root = filepath.Join(dir, "lake")
	cfg.Datalake.DBPath = filepath.Join(dir, "data", "captures.db")
	cfg.Devices.Devices = []config.DeviceConfig{
		{ID: "cam-1", OrgID: "acme", Name: "Dock"},
		{ID: "cam-off", OrgID: "acme", Disabled: true},
	}
	return cfg
}

func newTestGateway(t *testing.T, opts Options) (*Gateway, *httptest.Server) {
	t.Helper()
	g, err := NewWithOptions(testConfig(t), opts)
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = g.Shutdown()
	})
	return g, srv
}

func frame(t *testing.T, vertical bool) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			v := x * 4
			if vertical {
				v = y * 4
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func upload(t *testing.T, srv *httptest.Server, fields map[string]string, img []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if img != nil {
		fw, err := mw.CreateFormFile("image", "frame.png")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(img)
	}
	mw.Close()

	resp, err := http.Post(srv.URL+"/v1/captures", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestUpload_ClassifiesAndLists(t *testing.T) {
	_, srv := newTestGateway(t, Options{})

	captured := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	resp := upload(t, srv, map[string]string{
		"device_id":     "cam-1",
		"captured_at":   captured.Format(time.RFC3339),
		"trigger_label": "manual",
		"record_id":     "rec-1",
	}, frame(t, false))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res ingest.Result
	decode(t, resp, &res)
	// no agents configured: the rule agent leaves it for review
	if res.RecordID != "rec-1" || res.State != string(classifier.StateUncertain) || !res.CapturedAt.Equal(captured) {
		t.Errorf("result = %+v", res)
	}

	list, err := http.Get(srv.URL + "/v1/captures?org=acme&device=cam-1&limit=10")
	if err != nil {
		t.Fatal(err)
	}
	defer list.Body.Close()
	var body struct {
		Captures []datalake.Capture `json:"captures"`
	}
	decode(t, list, &body)
	if len(body.Captures) != 1 || body.Captures[0].RecordID != "rec-1" || body.Captures[0].TriggerLabel != "manual" {
		t.Errorf("captures = %+v", body.Captures)
	}

	thumb, err := http.Get(srv.URL + "/v1/captures/rec-1/thumbnail")
	if err != nil {
		t.Fatal(err)
	}
	defer thumb.Body.Close()
	if thumb.StatusCode != http.StatusOK || thumb.Header.Get("Content-Type") != "image/jpeg" {
		t.Errorf("thumbnail: %d %s", thumb.StatusCode, thumb.Header.Get("Content-Type"))
	}
}

func TestUpload_ErrorMapping(t *testing.T) {
	_, srv := newTestGateway(t, Options{})
	now := time.Now().UTC().Format(time.RFC3339)

	first := upload(t, srv, map[string]string{"device_id": "cam-1", "captured_at": now, "record_id": "dup"}, frame(t, false))
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first upload = %d", first.StatusCode)
	}

	tests := []struct {
		name   string
		fields map[string]string
		img    []byte
		want   int
	}{
		{"disabled device", map[string]string{"device_id": "cam-off", "captured_at": now}, frame(t, false), http.StatusForbidden},
		{"unknown device", map[string]string{"device_id": "cam-9", "captured_at": now}, frame(t, false), http.StatusForbidden},
		{"no image", map[string]string{"device_id": "cam-1", "captured_at": now}, nil, http.StatusBadRequest},
		{"bad time", map[string]string{"device_id": "cam-1", "captured_at": "yesterday"}, frame(t, false), http.StatusBadRequest},
		{"no time", map[string]string{"device_id": "cam-1"}, frame(t, false), http.StatusBadRequest},
		{"not an image", map[string]string{"device_id": "cam-1", "captured_at": now}, []byte("hello"), http.StatusBadRequest},
		{"duplicate", map[string]string{"device_id": "cam-1", "captured_at": now, "record_id": "dup"}, frame(t, true), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := upload(t, srv, tt.fields, tt.img)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			var e map[string]string
			decode(t, resp, &e)
			if e["error"] == "" {
				t.Error("error body missing")
			}
		})
	}

	for _, path := range []string{"/v1/captures/missing/thumbnail", "/v1/captures/bad%20id/thumbnail"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s = %d", path, resp.StatusCode)
		}
	}
}

func TestUpload_AbnormalAlertsAndStreams(t *testing.T) {
	sender := &recordingSender{}
	g, srv := newTestGateway(t, Options{
		Agents: []classifier.Agent{fixedAgent{state: classifier.StateAbnormal}},
		Sender: sender,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/v1/orgs/acme/events"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	waitFor(t, "dashboard listener", func() bool { return g.events.Listeners("acme") == 1 })

	now := time.Now().UTC().Format(time.RFC3339)
	for i, vertical := range []bool{false, true} {
		resp := upload(t, srv, map[string]string{"device_id": "cam-1", "captured_at": now}, frame(t, vertical))
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("upload %d = %d", i, resp.StatusCode)
		}
	}

	for i := 0; i < 2; i++ {
		var e events.Event
		if err := wsjson.Read(ctx, conn, &e); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if e.Type != events.TypeCaptureCreated || e.State != "abnormal" || e.DeviceID != "cam-1" {
			t.Errorf("event = %+v", e)
		}
	}

	g.notifier.Wait()
	// second abnormal capture falls inside the cooldown
	if n := sender.count(); n != 1 {
		t.Errorf("alerts = %d, want 1", n)
	}
}

func TestTriggers_IssueStreamAndReplay(t *testing.T) {
	g, srv := newTestGateway(t, Options{})

	for want := uint64(1); want <= 2; want++ {
		resp, err := http.Post(srv.URL+"/v1/devices/cam-1/triggers", "", nil)
		if err != nil {
			t.Fatal(err)
		}
		var ev trigger.Event
		decode(t, resp, &ev)
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted || ev.ID != want || ev.Source != trigger.SourceManual {
			t.Fatalf("issue = %d %+v", resp.StatusCode, ev)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/v1/devices/cam-1/triggers?last_ack=0"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	for want := uint64(1); want <= 2; want++ {
		var f triggerFrame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			t.Fatal(err)
		}
		if f.Type != "trigger" || f.ID != want {
			t.Fatalf("frame = %+v, want #%d", f, want)
		}
	}
	if err := wsjson.Write(ctx, conn, ackFrame{Type: "ack", TriggerID: 1}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "ack 1", func() bool { return g.hub.Status("cam-1").LastAcked == 1 })

	conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "disconnect", func() bool { return g.hub.State("cam-1") == trigger.Disconnected })

	// #2 was delivered but never acked
	conn, _, err = websocket.Dial(ctx, wsURL(srv, "/v1/devices/cam-1/triggers?last_ack=1"), nil)
	if err != nil {
		t.Fatalf("redial: %v", err)
	}
	defer conn.CloseNow()
	var f triggerFrame
	if err := wsjson.Read(ctx, conn, &f); err != nil || f.ID != 2 {
		t.Fatalf("replay = %+v, %v", f, err)
	}
	if err := wsjson.Write(ctx, conn, ackFrame{Type: "ack", TriggerID: 2}); err != nil {
		t.Fatal(err)
	}

	if _, err := g.runJob(cron.CronJob{Payload: cron.Payload{Kind: cron.PayloadTrigger, DeviceID: "cam-1"}}); err != nil {
		t.Fatal(err)
	}
	if err := wsjson.Read(ctx, conn, &f); err != nil || f.ID != 3 || f.Source != trigger.SourceSchedule {
		t.Fatalf("scheduled = %+v, %v", f, err)
	}
	waitFor(t, "ack 2", func() bool { return g.hub.Status("cam-1").LastAcked == 2 })
}

func TestTriggers_RejectsUnknownDevice(t *testing.T) {
	g, srv := newTestGateway(t, Options{})

	resp, err := http.Post(srv.URL+"/v1/devices/cam-off/triggers", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("issue status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, dresp, err := websocket.Dial(ctx, wsURL(srv, "/v1/devices/cam-9/triggers"), nil)
	if err == nil {
		t.Fatal("dial for unknown device succeeded")
	}
	if dresp == nil || dresp.StatusCode != http.StatusForbidden {
		t.Errorf("dial response = %+v", dresp)
	}

	for _, ack := range []string{"x", "18446744073709551615", "9007199254740992"} {
		_, dresp, err = websocket.Dial(ctx, wsURL(srv, "/v1/devices/cam-1/triggers?last_ack="+ack), nil)
		if err == nil || dresp == nil || dresp.StatusCode != http.StatusBadRequest {
			t.Errorf("last_ack=%s: %v", ack, err)
		}
	}
	if st := g.hub.Status("cam-1"); st.LastIssued != 0 {
		t.Errorf("rejected ack moved the counter: %+v", st)
	}
}

func TestPrune_PreviewAndExecute(t *testing.T) {
	g, srv := newTestGateway(t, Options{})

	old := time.Now().AddDate(0, 0, -60).UTC().Format(time.RFC3339)
	recent := time.Now().UTC().Format(time.RFC3339)
	upload(t, srv, map[string]string{"device_id": "cam-1", "captured_at": old, "record_id": "old"}, frame(t, false))
	upload(t, srv, map[string]string{"device_id": "cam-1", "captured_at": recent, "record_id": "new"}, frame(t, true))

	for _, q := range []string{"retention_days=abc", "retention_days=0", "before=soon"} {
		resp, err := http.Get(srv.URL + "/v1/prune/preview?" + q)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s = %d", q, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/v1/prune/preview?retention_days=30")
	if err != nil {
		t.Fatal(err)
	}
	var preview pruner.Report
	decode(t, resp, &preview)
	resp.Body.Close()
	if !preview.DryRun || preview.Records != 1 || preview.Candidates[0].RecordID != "old" {
		t.Fatalf("preview = %+v", preview)
	}

	resp, err = http.Post(srv.URL+"/v1/prune/execute?retention_days=30", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	var rep pruner.Report
	decode(t, resp, &rep)
	resp.Body.Close()
	if rep.DryRun || rep.Deleted != 1 || rep.Failed != 0 {
		t.Fatalf("execute = %+v", rep)
	}

	art, err := g.store.Read(context.Background(), "old")
	if err != nil {
		t.Fatal(err)
	}
	if art.Image != nil || len(art.Thumbnail) == 0 {
		t.Error("pruned capture should keep only its thumbnail")
	}

	out, err := g.runJob(cron.CronJob{Payload: cron.Payload{Kind: cron.PayloadPrune, RetentionDays: 30}})
	if err != nil || !strings.Contains(out, "deleted 0 of 0") {
		t.Errorf("prune job = %q, %v", out, err)
	}
	if _, err := g.runJob(cron.CronJob{Payload: cron.Payload{Kind: "noop"}}); err == nil {
		t.Error("unknown payload should fail")
	}
}

func TestStatus(t *testing.T) {
	g, srv := newTestGateway(t, Options{})
	if _, err := g.hub.Issue("cam-1", trigger.SourceManual); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Datalake datalake.Stats `json:"datalake"`
		Triggers []struct {
			DeviceID string `json:"device_id"`
			State    string `json:"state"`
			Pending  int    `json:"pending"`
		} `json:"triggers"`
		Listeners map[string]int `json:"listeners"`
	}
	decode(t, resp, &body)
	if len(body.Triggers) != 1 || body.Triggers[0].State != "disconnected" || body.Triggers[0].Pending != 1 {
		t.Errorf("triggers = %+v", body.Triggers)
	}
	if n, ok := body.Listeners["acme"]; !ok || n != 0 {
		t.Errorf("listeners = %+v", body.Listeners)
	}
}

func TestManagedJobs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Triggers.Schedules = []config.TriggerSchedule{{DeviceID: "cam-1", Expr: "0 */5 * * * *"}}
	g := &Gateway{cfg: cfg}

	specs := g.managedJobs()
	if len(specs) != 2 {
		t.Fatalf("specs = %+v", specs)
	}
	if specs[0].Name != retentionJob || specs[0].Payload.Kind != cron.PayloadPrune || specs[0].Schedule.Expr != config.DefaultRetentionSchedule {
		t.Errorf("retention spec = %+v", specs[0])
	}
	if specs[1].Payload.DeviceID != "cam-1" || specs[1].Schedule.Expr != "0 */5 * * * *" {
		t.Errorf("trigger spec = %+v", specs[1])
	}
}

func TestTriggers_Source(t *testing.T) {
	_, srv := newTestGateway(t, Options{})

	resp, err := http.Post(srv.URL+"/v1/devices/cam-1/triggers?source=schedule", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var ev trigger.Event
	decode(t, resp, &ev)
	if resp.StatusCode != http.StatusAccepted || ev.Source != trigger.SourceSchedule {
		t.Errorf("status = %d, event = %+v", resp.StatusCode, ev)
	}

	resp, err = http.Post(srv.URL+"/v1/devices/cam-1/triggers?source=email", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown source status = %d", resp.StatusCode)
	}
}

func doJSON(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestJobs_AddUpdateRemove(t *testing.T) {
	g, srv := newTestGateway(t, Options{})

	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", `{"device_id":"cam-1","at":"`+at+`"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add at job = %d", resp.StatusCode)
	}
	var once cron.CronJob
	decode(t, resp, &once)
	if once.Schedule.Kind != cron.ScheduleAt || !once.DeleteAfterRun || once.Name != "trigger cam-1" {
		t.Errorf("at job = %+v", once)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", `{"name":"dock","device_id":"cam-1","every":"15m"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add every job = %d", resp.StatusCode)
	}
	var every cron.CronJob
	decode(t, resp, &every)
	if every.Schedule.EveryMs != (15 * time.Minute).Milliseconds() {
		t.Errorf("every job = %+v", every)
	}

	bad := map[string]int{
		`{"device_id":"cam-1"}`:                              http.StatusBadRequest,
		`{"device_id":"cam-1","every":"1m","cron":"@daily"}`: http.StatusBadRequest,
		`{"device_id":"cam-1","every":"10ms"}`:               http.StatusBadRequest,
		`{"device_id":"cam-1","cron":"0 * * * *"}`:           http.StatusBadRequest,
		`{"device_id":"cam-1","at":"tomorrow"}`:              http.StatusBadRequest,
		`{"kind":"reboot","cron":"@daily"}`:                  http.StatusBadRequest,
		`{"device_id":"cam-off","cron":"@daily"}`:            http.StatusForbidden,
		`not json`:                                           http.StatusBadRequest,
	}
	for body, want := range bad {
		if resp := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", body); resp.StatusCode != want {
			t.Errorf("POST %s = %d, want %d", body, resp.StatusCode, want)
		}
	}

	resp = doJSON(t, http.MethodPatch, srv.URL+"/v1/jobs/"+every.ID, `{"enabled":false}`)
	var updated cron.CronJob
	decode(t, resp, &updated)
	if resp.StatusCode != http.StatusOK || updated.Enabled {
		t.Errorf("disable = %d %+v", resp.StatusCode, updated)
	}
	if resp := doJSON(t, http.MethodPatch, srv.URL+"/v1/jobs/"+every.ID, `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("patch without enabled = %d", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodPatch, srv.URL+"/v1/jobs/nope", `{"enabled":true}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("patch missing = %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/jobs", "")
	var list struct {
		Jobs []cron.CronJob `json:"jobs"`
	}
	decode(t, resp, &list)
	if len(list.Jobs) != 2 {
		t.Errorf("jobs = %+v", list.Jobs)
	}

	if resp := doJSON(t, http.MethodDelete, srv.URL+"/v1/jobs/"+once.ID, ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete = %d", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodDelete, srv.URL+"/v1/jobs/"+once.ID, ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete = %d", resp.StatusCode)
	}
	if n := len(g.cron.ListJobs()); n != 1 {
		t.Errorf("jobs left = %d", n)
	}
}

func TestJobs_ManagedCannotBeRemoved(t *testing.T) {
	g, srv := newTestGateway(t, Options{})
	if err := g.cron.Sync(g.managedJobs()); err != nil {
		t.Fatal(err)
	}
	id := g.cron.ListJobs()[0].ID
	if resp := doJSON(t, http.MethodDelete, srv.URL+"/v1/jobs/"+id, ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("delete managed = %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", ingest.ErrUnauthorized), http.StatusForbidden},
		{ingest.ErrInvalid, http.StatusBadRequest},
		{badRequest("limit"), http.StatusBadRequest},
		{ingest.ErrDuplicate, http.StatusConflict},
		{pruner.ErrBusy, http.StatusConflict},
		{ingest.ErrStorage, http.StatusServiceUnavailable},
		{trigger.ErrQueueFull, http.StatusServiceUnavailable},
		{trigger.ErrExhausted, http.StatusServiceUnavailable},
		{trigger.ErrInvalidAck, http.StatusBadRequest},
		{datalake.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("x: %w", cron.ErrJobNotFound), http.StatusNotFound},
		{cron.ErrManagedJob, http.StatusConflict},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestGateway_RunWithSignalChan(t *testing.T) {
	cfg := testConfig(t)
	cfg.Triggers.Schedules = []config.TriggerSchedule{{DeviceID: "cam-1", Expr: "@hourly"}}
	sigCh := make(chan os.Signal, 1)
	g, err := NewWithOptions(cfg, Options{SignalChan: sigCh})
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- g.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr, err := g.Addr(ctx)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get("http://" + addr + "/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if n := len(g.cron.ListJobs()); n != 2 {
		t.Errorf("managed jobs = %d, want 2", n)
	}

	sigCh <- syscall.SIGTERM
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after signal")
	}
}
