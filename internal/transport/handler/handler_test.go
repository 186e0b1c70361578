package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mirrorlabs/scanforge/internal/config"
	"github.com/mirrorlabs/scanforge/internal/entities"
	"github.com/mirrorlabs/scanforge/internal/gateway"
	"github.com/mirrorlabs/scanforge/internal/notify"
	"github.com/mirrorlabs/scanforge/internal/queue"
	"github.com/mirrorlabs/scanforge/internal/repository/artifacts"

	"github.com/go-chi/chi/v5"
)

type fakeGateway struct {
	retryJobID string
	retryErr   error
	submitErr  error
	submitted  []gateway.SubmitParams
}

func (f *fakeGateway) SubmitForTranscoding(_ context.Context, p gateway.SubmitParams) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, p)
	return "job-1", nil
}

func (f *fakeGateway) Retry(context.Context, string) (string, error) {
	return f.retryJobID, f.retryErr
}

type fakeRecords struct {
	records map[string]entities.ArtifactRecord
}

func (f *fakeRecords) Get(_ context.Context, id string) (entities.ArtifactRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return entities.ArtifactRecord{}, fmt.Errorf("%w: %s", artifacts.ErrNotFound, id)
	}
	return rec, nil
}

func (f *fakeRecords) Save(_ context.Context, rec entities.ArtifactRecord) error {
	f.records[rec.ID] = rec
	return nil
}

type fakeStorage struct{}

func (fakeStorage) Upload(_ context.Context, key string, _ string, _ []byte) (string, error) {
	return "https://cdn.example.com/" + key, nil
}

type fakeBroker struct{ stats queue.Stats }

func (f fakeBroker) Stats(context.Context) (queue.Stats, error) { return f.stats, nil }

type fakeSubscriber struct{}

func (fakeSubscriber) Subscribe(context.Context, ...string) (*notify.Subscription, error) {
	return nil, errors.New("not wired in tests")
}

func testRouter(gw Gateway, records Records) chi.Router {
	cfg := &config.Config{}
	cfg.Upload.MaxRequestBodyMB = 100
	cfg.Upload.MaxMultipartMemoryMB = 16

	h := New(gw, records, fakeStorage{}, fakeBroker{stats: queue.Stats{Waiting: 2, Active: 1}}, fakeSubscriber{}, cfg)

	r := chi.NewRouter()
	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/artifacts/{artifactID}", h.GetArtifact)
		r.Post("/artifacts/{artifactID}/transcode", h.Transcode)
		r.Post("/artifacts/{artifactID}/retry", h.RetryTranscoding)
		r.Get("/queue/stats", h.QueueStats)
	})
	return r
}

func TestHealth(t *testing.T) {
	r := testRouter(&fakeGateway{}, &fakeRecords{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}
}

func TestGetArtifact(t *testing.T) {
	zero := 0
	records := &fakeRecords{records: map[string]entities.ArtifactRecord{
		"a1": {ID: "a1", Status: entities.StatusProcessing, ProgressPercent: &zero},
	}}
	r := testRouter(&fakeGateway{}, records)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/artifacts/a1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", w.Code, w.Body)
	}

	var rec entities.ArtifactRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.ID != "a1" || rec.Status != entities.StatusProcessing {
		t.Fatalf("unexpected record: %+v", rec)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/artifacts/ghost", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", w.Code)
	}
}

func TestTranscodeEnqueues(t *testing.T) {
	gw := &fakeGateway{}
	records := &fakeRecords{records: map[string]entities.ArtifactRecord{}}
	r := testRouter(gw, records)

	body := `{"parent_id":"p1","source_url":"https://cdn.example.com/p1/raw.ply","file_name":"raw.ply","file_size_bytes":1024}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/artifacts/a1/transcode", strings.NewReader(body)))
	if w.Code != http.StatusAccepted {
		t.Fatalf("want 202, got %d: %s", w.Code, w.Body)
	}

	var resp submitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.JobID != "job-1" {
		t.Fatalf("unexpected body: %s", w.Body)
	}
	if len(gw.submitted) != 1 {
		t.Fatalf("want one submit, got %d", len(gw.submitted))
	}
	p := gw.submitted[0]
	if p.ArtifactID != "a1" || p.ParentID != "p1" || p.FileName != "raw.ply" || p.FileSize != 1024 {
		t.Fatalf("unexpected submit params: %+v", p)
	}
}

func TestTranscodeRejections(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		code int
	}{
		{"already processing", `{"parent_id":"p1","source_url":"https://cdn.example.com/p1/raw.ply","file_name":"raw.ply","file_size_bytes":1024}`, gateway.ErrAlreadyProcessing, http.StatusConflict},
		{"enqueue failure", `{"parent_id":"p1","source_url":"https://cdn.example.com/p1/raw.ply","file_name":"raw.ply","file_size_bytes":1024}`, errors.New("broker unreachable"), http.StatusBadGateway},
		{"missing fields", `{"file_name":"raw.ply"}`, nil, http.StatusBadRequest},
		{"malformed json", `{`, nil, http.StatusBadRequest},
		{"compact source", `{"parent_id":"p1","source_url":"https://cdn.example.com/p1/done.drc","file_name":"done.drc","file_size_bytes":1024}`, nil, http.StatusBadRequest},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			gw := &fakeGateway{submitErr: c.err}
			r := testRouter(gw, &fakeRecords{records: map[string]entities.ArtifactRecord{}})

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/artifacts/a1/transcode", strings.NewReader(c.body)))
			if w.Code != c.code {
				t.Fatalf("want %d, got %d: %s", c.code, w.Code, w.Body)
			}
		})
	}
}

func TestRetryStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"success", nil, http.StatusOK},
		{"not retryable", gateway.ErrNotRetryable, http.StatusConflict},
		{"already processing", gateway.ErrAlreadyProcessing, http.StatusConflict},
		{"unknown artifact", artifacts.ErrNotFound, http.StatusNotFound},
		{"infra failure", errors.New("broker unreachable"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := testRouter(&fakeGateway{retryJobID: "job-9", retryErr: c.err}, &fakeRecords{})

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/artifacts/a1/retry", nil))
			if w.Code != c.code {
				t.Fatalf("want %d, got %d: %s", c.code, w.Code, w.Body)
			}
			if c.err == nil {
				var resp retryResponse
				if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.JobID != "job-9" {
					t.Fatalf("unexpected body: %s", w.Body)
				}
			}
		})
	}
}

func TestQueueStats(t *testing.T) {
	r := testRouter(&fakeGateway{}, &fakeRecords{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/queue/stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}

	var st queue.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Waiting != 2 || st.Active != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestValidateScanFormat(t *testing.T) {
	for _, ok := range []string{"ply", "las", "e57", "drc"} {
		if err := validateScanFormat(ok); err != nil {
			t.Errorf("format %q should be accepted: %v", ok, err)
		}
	}
	for _, bad := range []string{"pdf", "exe", ""} {
		if err := validateScanFormat(bad); err == nil {
			t.Errorf("format %q should be rejected", bad)
		}
	}
}
