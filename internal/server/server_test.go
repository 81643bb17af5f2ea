package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"geoseg/internal/config"
	"geoseg/internal/logging"
	"geoseg/internal/pipeline"
	"geoseg/internal/storage"
	"geoseg/internal/unet"

	"github.com/gorilla/websocket"
)

type echoProcessor struct{}

func (echoProcessor) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	return pipeline.Result{Job: job, Meta: map[string]any{"echo": job.InputPath}}
}

func newTestServer(t *testing.T) (*Server, *storage.Store, *httptest.Server) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "geoseg.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pipe := pipeline.NewWithProcessor(context.Background(), config.Processing{ParallelJobs: 1, QueueSize: 8}, logging.Discard(), store, echoProcessor{})
	t.Cleanup(pipe.Stop)

	s := New("", store, pipe, logging.Discard())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, store, ts
}

func post(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	_, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestBuildCreatesGraph(t *testing.T) {
	_, store, ts := newTestServer(t)
	resp := post(t, ts.URL+"/builds", `{"height":256,"width":256,"channels":12,"classes":7}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var sum unet.Summary
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Name != "U-Net" || sum.Output != (unet.Shape{H: 256, W: 256, C: 7}) {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if _, err := store.Graph(sum.Digest); err != nil {
		t.Fatalf("graph not recorded: %v", err)
	}

	resp = post(t, ts.URL+"/builds", `{"shape":[224,224,3],"classes":2,"variant":"transfer"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for transfer build, got %d", resp.StatusCode)
	}
}

func TestBuildRejections(t *testing.T) {
	_, _, ts := newTestServer(t)
	cases := []struct {
		body   string
		status int
		reason string
	}{
		{`{"height":256,"width":128,"channels":3,"classes":2}`, http.StatusUnprocessableEntity, "NonSquareInput"},
		{`{"shape":[256,256],"classes":2}`, http.StatusUnprocessableEntity, "InvalidArity"},
		{`{"shape":[100,100,3],"classes":2}`, http.StatusUnprocessableEntity, "UnsupportedResolution"},
		{`{"shape":[256,256,0],"classes":2}`, http.StatusUnprocessableEntity, "InvalidChannelCount"},
		{`{"shape":[256,256,12],"classes":2,"variant":"transfer"}`, http.StatusUnprocessableEntity, "IncompatibleChannelCount"},
		{`{"shape":[256,256,3],"classes":2,"variant":"vgg16"}`, http.StatusUnprocessableEntity, "UnknownVariant"},
	}
	for _, tc := range cases {
		resp := post(t, ts.URL+"/builds", tc.body)
		if resp.StatusCode != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.body, tc.status, resp.StatusCode)
		}
		var rej RejectionResponse
		if err := json.NewDecoder(resp.Body).Decode(&rej); err != nil {
			t.Fatalf("decode rejection: %v", err)
		}
		if rej.Reason != tc.reason {
			t.Fatalf("%s: expected %s, got %s", tc.body, tc.reason, rej.Reason)
		}
	}

	resp := post(t, ts.URL+"/builds", `{"height":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", resp.StatusCode)
	}
}

func TestValidate(t *testing.T) {
	_, store, ts := newTestServer(t)
	resp := post(t, ts.URL+"/validate", `{"shape":[64,64,4],"classes":3}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp = post(t, ts.URL+"/validate", `{"shape":[64,64,4],"classes":0}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	if graphs, _ := store.RecentGraphs(10); len(graphs) != 0 {
		t.Fatalf("validate should not record graphs")
	}
}

func TestJobLifecycle(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp := post(t, ts.URL+"/jobs", `{"type":"predict","input":"scene.tif"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var job pipeline.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.ID == "" {
		t.Fatalf("expected an assigned job ID")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		r, err := http.Get(ts.URL + "/jobs/" + job.ID)
		if err != nil {
			t.Fatalf("GET job: %v", err)
		}
		var body struct {
			Job  storage.JobRecord `json:"job"`
			Meta map[string]any    `json:"meta"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		r.Body.Close()
		if body.Job.Status == "completed" {
			if body.Meta["echo"] != "scene.tif" {
				t.Fatalf("unexpected meta %v", body.Meta)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not complete, last status %q", body.Job.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	r, err := http.Get(ts.URL + "/jobs/missing")
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", r.StatusCode)
	}

	resp = post(t, ts.URL+"/jobs", `{"type":"timelapse"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", resp.StatusCode)
	}
}

func TestWebSocketReceivesResults(t *testing.T) {
	s, _, ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.run(ctx)
	go s.relay(ctx)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Registration races with the first broadcast, so keep submitting until
	// an event arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				if resp, err := http.Post(ts.URL+"/jobs", "application/json", strings.NewReader(`{"type":"build"}`)); err == nil {
					resp.Body.Close()
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev pipeline.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Status != "completed" || ev.Job.Type != pipeline.JobBuild {
		t.Fatalf("unexpected event %+v", ev)
	}
}
