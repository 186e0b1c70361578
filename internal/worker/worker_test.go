package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mirrorlabs/scanforge/internal/codec"
	"github.com/mirrorlabs/scanforge/internal/config"
	"github.com/mirrorlabs/scanforge/internal/entities"
	"github.com/mirrorlabs/scanforge/internal/queue"
	"github.com/redis/go-redis/v9"
)

// fakeRecords journals every save so tests can assert write ordering.
type fakeRecords struct {
	mu      sync.Mutex
	records map[string]entities.ArtifactRecord
	journal []entities.ArtifactRecord
}

func newFakeRecords(recs ...entities.ArtifactRecord) *fakeRecords {
	f := &fakeRecords{records: map[string]entities.ArtifactRecord{}}
	for _, r := range recs {
		f.records[r.ID] = r
	}
	return f
}

func (f *fakeRecords) Get(_ context.Context, id string) (entities.ArtifactRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return entities.ArtifactRecord{}, fmt.Errorf("artifact not found: %s", id)
	}
	return rec, nil
}

func (f *fakeRecords) Save(_ context.Context, rec entities.ArtifactRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ID] = rec
	f.journal = append(f.journal, rec)
	return nil
}

func (f *fakeRecords) progressSeries() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, rec := range f.journal {
		if rec.ProgressPercent != nil {
			out = append(out, *rec.ProgressPercent)
		}
	}
	return out
}

type fakeStorage struct {
	baseURL string

	mu         sync.Mutex
	objects    map[string][]byte
	deleted    []string
	deleteErr  error
	uploadErr  error
	uploadedTo string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		baseURL: "https://cdn.example.com",
		objects: map[string][]byte{},
	}
}

func (f *fakeStorage) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

func (f *fakeStorage) Download(_ context.Context, key string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, "", fmt.Errorf("no such object: %s", key)
	}
	return data, "application/octet-stream", nil
}

func (f *fakeStorage) Upload(_ context.Context, key string, _ string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.objects[key] = payload
	f.uploadedTo = key
	return f.baseURL + "/" + key, nil
}

func (f *fakeStorage) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeStorage) KeyFromURL(url string) (string, error) {
	if !strings.HasPrefix(url, f.baseURL+"/") {
		return "", fmt.Errorf("url %q is outside the bucket namespace", url)
	}
	return strings.TrimPrefix(url, f.baseURL+"/"), nil
}

// fakeCodec replays a progress script and emits output of a fixed size.
type fakeCodec struct {
	ticks      []int
	outputSize int
	err        error
	failAt     int // emit ticks up to failAt, then fail (when err is set)
}

func (f *fakeCodec) Probe(context.Context) error { return nil }

func (f *fakeCodec) Transform(_ context.Context, input []byte, _ string, onProgress func(int)) (codec.Result, error) {
	for i, pct := range f.ticks {
		if f.err != nil && i == f.failAt {
			return codec.Result{}, f.err
		}
		if onProgress != nil {
			onProgress(pct)
		}
	}
	if f.err != nil {
		return codec.Result{}, f.err
	}
	out := make([]byte, f.outputSize)
	return codec.Result{Output: out, InputSize: int64(len(input)), OutputSize: int64(f.outputSize)}, nil
}

func processingRecord(id string, sourceKey string, size int64) entities.ArtifactRecord {
	rec := entities.ArtifactRecord{
		ID:           id,
		ParentID:     "p1",
		Name:         "scan.ply",
		SourceURL:    "https://cdn.example.com/" + sourceKey,
		SourceFormat: "ply",
	}
	if err := rec.BeginProcessing(size); err != nil {
		panic(err)
	}
	return rec
}

func testPool(records Records, storage Storage, cdc Codec) *Pool {
	return NewPool(nil, records, storage, cdc,
		config.WorkerConfig{Count: 1, ConsumerPrefix: "test"},
		config.QueueConfig{Stream: "test:jobs", Group: "g", LeaseTTL: 30 * time.Second})
}

func jobFor(rec entities.ArtifactRecord) entities.CompressionJob {
	return entities.CompressionJob{
		ID:         "job-1",
		ArtifactID: rec.ID,
		ParentID:   rec.ParentID,
		SourceURL:  rec.SourceURL,
		FileName:   rec.Name,
		FileSize:   rec.SourceSize,
	}
}

func TestTransformProgressBand(t *testing.T) {
	cases := map[int]int{0: 20, 25: 36, 50: 52, 75: 68, 100: 85, -5: 20, 150: 85}
	for engine, want := range cases {
		if got := transformProgress(engine); got != want {
			t.Errorf("transformProgress(%d) = %d, want %d", engine, got, want)
		}
	}
}

func TestPipelineSuccess(t *testing.T) {
	rec := processingRecord("a1", "p1/raw.ply", 10_000_000)
	records := newFakeRecords(rec)
	storage := newFakeStorage()
	storage.put("p1/raw.ply", make([]byte, 64))
	cdc := &fakeCodec{ticks: []int{0, 25, 50, 75, 100}, outputSize: 3_500_000}

	p := testPool(records, storage, cdc)
	if err := p.process(context.Background(), jobFor(rec)); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := records.Get(context.Background(), "a1")
	if got.Status != entities.StatusReady {
		t.Fatalf("want status=ready got=%s (%v)", got.Status, got.ErrorMessage)
	}
	if got.CompressedSize == nil || *got.CompressedSize != 3_500_000 {
		t.Fatalf("unexpected compressed size: %v", got.CompressedSize)
	}
	wantRatio := float64(10_000_000) / float64(3_500_000)
	if got.CompressionRatio == nil || *got.CompressionRatio != wantRatio {
		t.Fatalf("want ratio=%v got=%v", wantRatio, got.CompressionRatio)
	}
	if got.CompressedURL == nil || !strings.HasSuffix(*got.CompressedURL, ".drc") {
		t.Fatalf("unexpected compressed url: %v", got.CompressedURL)
	}

	// Stage writes: download band, transform band remapped, upload band.
	want := []int{20, 36, 52, 68, 85, 95}
	series := records.progressSeries()
	if len(series) != len(want) {
		t.Fatalf("want progress %v, got %v", want, series)
	}
	for i := range want {
		if series[i] != want[i] {
			t.Fatalf("want progress %v, got %v", want, series)
		}
	}

	if len(storage.deleted) != 1 || storage.deleted[0] != "p1/raw.ply" {
		t.Fatalf("source not cleaned up: %v", storage.deleted)
	}
}

func TestPipelineProgressMonotonic(t *testing.T) {
	rec := processingRecord("a1", "p1/raw.ply", 1000)
	records := newFakeRecords(rec)
	storage := newFakeStorage()
	storage.put("p1/raw.ply", []byte("data"))
	// A codec that stutters must not produce regressing writes.
	cdc := &fakeCodec{ticks: []int{10, 5, 10, 60, 40, 90}, outputSize: 100}

	p := testPool(records, storage, cdc)
	if err := p.process(context.Background(), jobFor(rec)); err != nil {
		t.Fatalf("process: %v", err)
	}

	series := records.progressSeries()
	for i := 1; i < len(series); i++ {
		if series[i] < series[i-1] {
			t.Fatalf("progress regressed: %v", series)
		}
	}
}

func TestPipelineNoOpWhenNotProcessing(t *testing.T) {
	url := "https://cdn.example.com/p1/done.drc"
	size := int64(10)
	ratio := 2.0
	rec := entities.ArtifactRecord{
		ID:               "a1",
		ParentID:         "p1",
		Name:             "scan.ply",
		SourceURL:        "https://cdn.example.com/p1/raw.ply",
		SourceFormat:     "ply",
		SourceSize:       20,
		Status:           entities.StatusReady,
		CompressedURL:    &url,
		CompressedSize:   &size,
		CompressionRatio: &ratio,
	}
	records := newFakeRecords(rec)
	storage := newFakeStorage()
	storage.put("p1/raw.ply", []byte("data"))

	p := testPool(records, storage, &fakeCodec{outputSize: 1})
	if err := p.process(context.Background(), jobFor(rec)); err != nil {
		t.Fatalf("no-op process should succeed: %v", err)
	}

	if len(records.journal) != 0 {
		t.Fatalf("no-op must not write, journal: %v", records.journal)
	}
	if len(storage.deleted) != 0 {
		t.Fatal("no-op must not delete the source")
	}
}

func TestPipelineTransformFailure(t *testing.T) {
	rec := processingRecord("a1", "p1/raw.ply", 1000)
	records := newFakeRecords(rec)
	storage := newFakeStorage()
	storage.put("p1/raw.ply", []byte("data"))
	cdc := &fakeCodec{ticks: []int{0, 25, 50}, err: errors.New("corrupt vertex buffer"), failAt: 2}

	p := testPool(records, storage, cdc)
	err := p.process(context.Background(), jobFor(rec))
	if err == nil {
		t.Fatal("process should fail")
	}

	got, _ := records.Get(context.Background(), "a1")
	if got.Status != entities.StatusError {
		t.Fatalf("want status=error got=%s", got.Status)
	}
	if got.ProgressPercent != nil {
		t.Fatal("progress should be cleared on failure")
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "corrupt vertex buffer") {
		t.Fatalf("unexpected error message: %v", got.ErrorMessage)
	}
	if got.CompressedURL != nil || got.CompressedSize != nil || got.CompressionRatio != nil {
		t.Fatal("compressed fields must stay empty on failure")
	}
	if len(storage.deleted) != 0 {
		t.Fatal("failed run must not delete the original file")
	}
}

func TestPipelineUploadFailure(t *testing.T) {
	rec := processingRecord("a1", "p1/raw.ply", 1000)
	records := newFakeRecords(rec)
	storage := newFakeStorage()
	storage.put("p1/raw.ply", []byte("data"))
	storage.uploadErr = errors.New("bucket unavailable")

	p := testPool(records, storage, &fakeCodec{ticks: []int{100}, outputSize: 10})
	if err := p.process(context.Background(), jobFor(rec)); err == nil {
		t.Fatal("process should fail")
	}

	got, _ := records.Get(context.Background(), "a1")
	if got.Status != entities.StatusError {
		t.Fatalf("want status=error got=%s", got.Status)
	}
	if len(storage.deleted) != 0 {
		t.Fatal("failed run must not delete the original file")
	}
}

func TestCleanupFailureDoesNotFailJob(t *testing.T) {
	rec := processingRecord("a1", "p1/raw.ply", 1000)
	records := newFakeRecords(rec)
	storage := newFakeStorage()
	storage.put("p1/raw.ply", []byte("data"))
	storage.deleteErr = errors.New("permission denied")

	p := testPool(records, storage, &fakeCodec{ticks: []int{100}, outputSize: 10})
	if err := p.process(context.Background(), jobFor(rec)); err != nil {
		t.Fatalf("cleanup failure must not fail the job: %v", err)
	}

	got, _ := records.Get(context.Background(), "a1")
	if got.Status != entities.StatusReady {
		t.Fatalf("want status=ready got=%s", got.Status)
	}
}

// End to end through the broker: lease, pipeline, ack.
func TestPoolHandlesLeasedJob(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	qcfg := config.QueueConfig{
		Stream:       "test:jobs",
		Group:        "g",
		MaxLen:       100,
		LeaseTTL:     30 * time.Second,
		BlockTimeout: 50 * time.Millisecond,
	}
	broker := queue.NewBroker(rc, qcfg)
	ctx := context.Background()
	if err := broker.EnsureGroup(ctx); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}

	rec := processingRecord("a1", "p1/raw.ply", 1000)
	records := newFakeRecords(rec)
	storage := newFakeStorage()
	storage.put("p1/raw.ply", []byte("data"))

	p := NewPool(broker, records, storage, &fakeCodec{ticks: []int{50, 100}, outputSize: 10},
		config.WorkerConfig{Count: 1, ConsumerPrefix: "test"}, qcfg)

	if _, err := broker.Push(ctx, jobFor(rec)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	d, err := broker.Lease(ctx, "test-0")
	if err != nil || d == nil {
		t.Fatalf("Lease: d=%v err=%v", d, err)
	}

	p.handle(ctx, d)

	got, _ := records.Get(ctx, "a1")
	if got.Status != entities.StatusReady {
		t.Fatalf("want status=ready got=%s", got.Status)
	}
	st, _ := broker.Stats(ctx)
	if st.Completed != 1 || st.Active != 0 || st.Waiting != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}
