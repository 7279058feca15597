package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
	"github.com/wenhao-zhang/campus-rag/internal/core/ports"
)

type registryFake struct {
	docs    map[string]domain.StoredDocument
	refs    map[string][]string
	saveErr error
}

func newRegistryFake() *registryFake {
	return &registryFake{
		docs: map[string]domain.StoredDocument{},
		refs: map[string][]string{},
	}
}

func (f *registryFake) Save(_ context.Context, name string, content []byte, uploadedBy string) (domain.StoredDocument, error) {
	if f.saveErr != nil {
		return domain.StoredDocument{}, f.saveErr
	}
	doc := domain.StoredDocument{
		Name:       name,
		Ext:        strings.ToLower(name[strings.LastIndex(name, "."):]),
		Size:       int64(len(content)),
		Hash:       hashContent(content),
		UploadedBy: uploadedBy,
		Content:    content,
	}
	f.docs[name] = doc
	return doc, nil
}

func (f *registryFake) Get(_ context.Context, name string, includeContent bool) (domain.StoredDocument, error) {
	doc, ok := f.docs[name]
	if !ok {
		return domain.StoredDocument{}, domain.WrapError(domain.ErrDocumentNotFound, "registry.get", errors.New(name))
	}
	if !includeContent {
		doc.Content = nil
	}
	return doc, nil
}

func (f *registryFake) List(context.Context) ([]domain.StoredDocument, error) {
	out := make([]domain.StoredDocument, 0, len(f.docs))
	for _, doc := range f.docs {
		out = append(out, doc)
	}
	return out, nil
}

func (f *registryFake) Delete(_ context.Context, name string) error {
	if _, ok := f.docs[name]; !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "registry.delete", errors.New(name))
	}
	delete(f.docs, name)
	return nil
}

func (f *registryFake) UpdateVectorRefs(_ context.Context, name string, refs []string) error {
	if _, ok := f.docs[name]; !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "registry.update_vector_refs", errors.New(name))
	}
	f.refs[name] = refs
	return nil
}

type lockProviderFake struct {
	mu       sync.Mutex
	busy     map[string]bool
	acquired []string
	released int
}

func (f *lockProviderFake) Acquire(_ context.Context, key string, _, _ time.Duration) (ports.LockHandle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy[key] {
		return nil, false
	}
	f.acquired = append(f.acquired, key)
	return &fakeLockHandle{provider: f}, true
}

type fakeLockHandle struct {
	provider *lockProviderFake
}

func (h *fakeLockHandle) Release(context.Context) {
	h.provider.mu.Lock()
	h.provider.released++
	h.provider.mu.Unlock()
}

type statusSinkFake struct {
	statuses map[string][]domain.IngestStatus
	extras   map[string]map[string]any
	events   []map[string]any
}

func newStatusSinkFake() *statusSinkFake {
	return &statusSinkFake{
		statuses: map[string][]domain.IngestStatus{},
		extras:   map[string]map[string]any{},
	}
}

func (f *statusSinkFake) SetStatus(_ context.Context, document string, status domain.IngestStatus, extra map[string]any) {
	f.statuses[document] = append(f.statuses[document], status)
	f.extras[document] = extra
}

func (f *statusSinkFake) RecordEvent(_ context.Context, event map[string]any) {
	f.events = append(f.events, event)
}

func (f *statusSinkFake) Status(_ context.Context, document string) (map[string]any, bool) {
	extra, ok := f.extras[document]
	return extra, ok
}

func (f *statusSinkFake) Statuses(context.Context) map[string]map[string]any {
	return map[string]map[string]any{}
}

func (f *statusSinkFake) RecentEvents(context.Context, int) []map[string]any {
	return f.events
}

func (f *statusSinkFake) last(document string) domain.IngestStatus {
	history := f.statuses[document]
	if len(history) == 0 {
		return ""
	}
	return history[len(history)-1]
}

type publisherFake struct {
	jobs []domain.IngestJob
	err  error
}

func (f *publisherFake) PublishIngestJob(_ context.Context, job domain.IngestJob) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

type passthroughExtractor struct{}

func (passthroughExtractor) Extract(data []byte, _ string) string { return string(data) }

type lineChunker struct{}

func (lineChunker) Split(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

type coordinatorFixture struct {
	coordinator *Coordinator
	registry    *registryFake
	index       *indexFake
	locks       *lockProviderFake
	status      *statusSinkFake
	publisher   *publisherFake
	metrics     *metricsFake
}

func newCoordinatorFixture() *coordinatorFixture {
	registry := newRegistryFake()
	index := &indexFake{}
	locks := &lockProviderFake{busy: map[string]bool{}}
	status := newStatusSinkFake()
	publisher := &publisherFake{}
	metrics := &metricsFake{}

	coordinator := NewCoordinator(CoordinatorDeps{
		Registry:  registry,
		Index:     index,
		Loader:    NewLoader(passthroughExtractor{}, lineChunker{}),
		Locks:     locks,
		Status:    status,
		Publisher: publisher,
		Metrics:   metrics,
		Logger:    slog.Default(),
	}, map[string]bool{".txt": true}, 1, 2)

	return &coordinatorFixture{
		coordinator: coordinator,
		registry:    registry,
		index:       index,
		locks:       locks,
		status:      status,
		publisher:   publisher,
		metrics:     metrics,
	}
}

func TestUploadAcceptsAndSchedules(t *testing.T) {
	fx := newCoordinatorFixture()
	report := fx.coordinator.Upload(context.Background(), []domain.UploadFile{
		{Name: "notes.txt", Content: []byte("line one\nline two")},
	}, "admin")

	if report.Status != "ok" {
		t.Fatalf("expected ok report, got %q (failed=%v)", report.Status, report.Failed)
	}
	if len(report.Processed) != 1 || report.Processed[0] != "notes.txt" {
		t.Fatalf("unexpected processed list: %v", report.Processed)
	}
	if !report.Scheduled {
		t.Fatalf("accepted uploads must be scheduled")
	}
	if len(fx.publisher.jobs) != 1 || fx.publisher.jobs[0].Document != "notes.txt" {
		t.Fatalf("job not published: %+v", fx.publisher.jobs)
	}
	if fx.status.last("notes.txt") != domain.StatusVectorizing {
		t.Fatalf("expected vectorizing status, got %s", fx.status.last("notes.txt"))
	}
	if _, ok := fx.registry.docs["notes.txt"]; !ok {
		t.Fatalf("document not stored")
	}
}

func TestUploadSanitizesPathTraversal(t *testing.T) {
	fx := newCoordinatorFixture()
	report := fx.coordinator.Upload(context.Background(), []domain.UploadFile{
		{Name: "../../etc/passwd.txt", Content: []byte("x")},
	}, "admin")

	if len(report.Processed) != 1 || report.Processed[0] != "passwd.txt" {
		t.Fatalf("expected base name only, got %v", report.Processed)
	}
}

func TestUploadRejectsUnsupportedAndEmpty(t *testing.T) {
	fx := newCoordinatorFixture()
	report := fx.coordinator.Upload(context.Background(), []domain.UploadFile{
		{Name: "", Content: []byte("x")},
		{Name: "virus.exe", Content: []byte("x")},
	}, "admin")

	if report.Status != "failed" {
		t.Fatalf("expected failed report, got %q", report.Status)
	}
	if len(report.Failed) != 2 {
		t.Fatalf("expected 2 failures, got %+v", report.Failed)
	}
	if report.Scheduled {
		t.Fatalf("nothing should be scheduled")
	}
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	fx := newCoordinatorFixture()
	report := fx.coordinator.Upload(context.Background(), []domain.UploadFile{
		{Name: "big.txt", Content: make([]byte, 2<<20)},
	}, "admin")

	if len(report.Failed) != 1 {
		t.Fatalf("expected size rejection, got %+v", report.Failed)
	}
}

func TestUploadDeduplicatesWithinBatch(t *testing.T) {
	fx := newCoordinatorFixture()
	content := []byte("same content")
	report := fx.coordinator.Upload(context.Background(), []domain.UploadFile{
		{Name: "a.txt", Content: content},
		{Name: "b.txt", Content: content},
	}, "admin")

	if report.Status != "partial" {
		t.Fatalf("expected partial report, got %q", report.Status)
	}
	if len(report.Processed) != 1 || len(report.Failed) != 1 {
		t.Fatalf("expected one accept and one duplicate rejection: %+v", report)
	}
}

func TestUploadDeduplicatesAgainstRegistry(t *testing.T) {
	fx := newCoordinatorFixture()
	content := []byte("existing content")
	if _, err := fx.registry.Save(context.Background(), "old.txt", content, "admin"); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	report := fx.coordinator.Upload(context.Background(), []domain.UploadFile{
		{Name: "new.txt", Content: content},
	}, "admin")

	if len(report.Failed) != 1 {
		t.Fatalf("expected duplicate rejection, got %+v", report)
	}
	if !strings.Contains(report.Failed[0].Reason, "old.txt") {
		t.Fatalf("rejection must name the existing document: %q", report.Failed[0].Reason)
	}
}

func TestUploadBusyWhenLocked(t *testing.T) {
	fx := newCoordinatorFixture()
	fx.locks.busy["doc-ingest:notes.txt"] = true

	report := fx.coordinator.Upload(context.Background(), []domain.UploadFile{
		{Name: "notes.txt", Content: []byte("x")},
	}, "admin")

	if len(report.Failed) != 1 {
		t.Fatalf("expected busy rejection, got %+v", report)
	}
	if fx.status.last("notes.txt") != domain.StatusBusy {
		t.Fatalf("expected busy status, got %s", fx.status.last("notes.txt"))
	}
	if len(report.Jobs) != 1 || report.Jobs[0].Status != domain.StatusBusy {
		t.Fatalf("busy job missing from report: %+v", report.Jobs)
	}
}

func TestVectorizeCompletesWithChunkCount(t *testing.T) {
	fx := newCoordinatorFixture()
	if _, err := fx.registry.Save(context.Background(), "notes.txt", []byte("one\ntwo\nthree"), "admin"); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	fx.coordinator.Vectorize(context.Background(), []domain.IngestJob{
		{JobID: "job-1", Document: "notes.txt", Status: domain.StatusVectorizing},
	})

	if fx.status.last("notes.txt") != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", fx.status.last("notes.txt"))
	}
	if got := fx.status.extras["notes.txt"]["chunk_count"]; got != 3 {
		t.Fatalf("expected chunk_count=3, got %v", got)
	}
	if len(fx.index.upserts) != 1 {
		t.Fatalf("expected one upsert, got %d", len(fx.index.upserts))
	}
	refs := fx.registry.refs["notes.txt"]
	if len(refs) != 3 || refs[0] != "notes-0" {
		t.Fatalf("unexpected vector refs: %v", refs)
	}
	if len(fx.metrics.finished) != 1 || fx.metrics.finished[0] != domain.StatusCompleted {
		t.Fatalf("metrics terminal status wrong: %v", fx.metrics.finished)
	}
}

func TestVectorizeEmptyDocumentCompletesWithNote(t *testing.T) {
	fx := newCoordinatorFixture()
	if _, err := fx.registry.Save(context.Background(), "blank.txt", []byte("   \n  "), "admin"); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	fx.coordinator.Vectorize(context.Background(), []domain.IngestJob{
		{JobID: "job-1", Document: "blank.txt", Status: domain.StatusVectorizing},
	})

	if fx.status.last("blank.txt") != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", fx.status.last("blank.txt"))
	}
	if note := fx.status.extras["blank.txt"]["note"]; note != "no_chunks" {
		t.Fatalf("expected no_chunks note, got %v", note)
	}
	if len(fx.index.deleted) != 1 {
		t.Fatalf("expected stale vectors deleted, got %v", fx.index.deleted)
	}
	if len(fx.index.upserts) != 0 {
		t.Fatalf("no upsert expected for empty document")
	}
	if refs, ok := fx.registry.refs["blank.txt"]; !ok || len(refs) != 0 {
		t.Fatalf("expected vector refs cleared, got %v", refs)
	}
}

func TestVectorizeUniformBatchFailure(t *testing.T) {
	fx := newCoordinatorFixture()
	fx.index.upsertErr = errors.New("db down")
	for _, name := range []string{"a.txt", "b.txt"} {
		if _, err := fx.registry.Save(context.Background(), name, []byte(name), "admin"); err != nil {
			t.Fatalf("seed registry: %v", err)
		}
	}

	fx.coordinator.Vectorize(context.Background(), []domain.IngestJob{
		{JobID: "job-a", Document: "a.txt"},
		{JobID: "job-b", Document: "b.txt"},
	})

	for _, name := range []string{"a.txt", "b.txt"} {
		if fx.status.last(name) != domain.StatusFailed {
			t.Fatalf("expected %s failed uniformly, got %s", name, fx.status.last(name))
		}
	}
	if len(fx.metrics.finished) != 2 {
		t.Fatalf("expected 2 terminal metrics, got %d", len(fx.metrics.finished))
	}
}

func TestVectorizeMissingDocumentFailsJob(t *testing.T) {
	fx := newCoordinatorFixture()
	fx.coordinator.Vectorize(context.Background(), []domain.IngestJob{
		{JobID: "job-1", Document: "ghost.txt"},
	})
	if fx.status.last("ghost.txt") != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", fx.status.last("ghost.txt"))
	}
	if len(fx.index.upserts) != 0 {
		t.Fatalf("no index mutation expected")
	}
}

func TestVectorizeSkipsLockedDocument(t *testing.T) {
	fx := newCoordinatorFixture()
	if _, err := fx.registry.Save(context.Background(), "notes.txt", []byte("content"), "admin"); err != nil {
		t.Fatalf("seed registry: %v", err)
	}
	fx.locks.busy["doc-ingest:notes.txt"] = true

	fx.coordinator.Vectorize(context.Background(), []domain.IngestJob{
		{JobID: "job-1", Document: "notes.txt", Status: domain.StatusVectorizing},
	})

	if fx.status.last("notes.txt") != domain.StatusBusy {
		t.Fatalf("locked document must report busy, got %s", fx.status.last("notes.txt"))
	}
	if len(fx.index.upserts) != 0 || len(fx.index.deleted) != 0 {
		t.Fatalf("locked document must not touch the index")
	}
	if len(fx.metrics.finished) != 1 || fx.metrics.finished[0] != domain.StatusBusy {
		t.Fatalf("busy skip must finish the job metric: %v", fx.metrics.finished)
	}
}

func TestVectorizeTakesAndReleasesDocumentLock(t *testing.T) {
	fx := newCoordinatorFixture()
	if _, err := fx.registry.Save(context.Background(), "notes.txt", []byte("content"), "admin"); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	fx.coordinator.Vectorize(context.Background(), []domain.IngestJob{
		{JobID: "job-1", Document: "notes.txt", Status: domain.StatusVectorizing},
	})

	found := false
	for _, key := range fx.locks.acquired {
		if key == "doc-ingest:notes.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("vectorize must take the per-document lock, acquired: %v", fx.locks.acquired)
	}
	if fx.locks.released == 0 {
		t.Fatalf("vectorize must release the lock when done")
	}
}

func TestReindexSchedulesJob(t *testing.T) {
	fx := newCoordinatorFixture()
	if _, err := fx.registry.Save(context.Background(), "notes.txt", []byte("content"), "admin"); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	job, err := fx.coordinator.Reindex(context.Background(), "notes.txt")
	if err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}
	if job.Status != domain.StatusVectorizing {
		t.Fatalf("expected vectorizing job, got %s", job.Status)
	}
	if len(fx.publisher.jobs) != 1 {
		t.Fatalf("expected job published, got %d", len(fx.publisher.jobs))
	}
}

func TestReindexUnknownDocument(t *testing.T) {
	fx := newCoordinatorFixture()
	_, err := fx.coordinator.Reindex(context.Background(), "ghost.txt")
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestRemoveDeletesRegistryAndVectors(t *testing.T) {
	fx := newCoordinatorFixture()
	if _, err := fx.registry.Save(context.Background(), "notes.txt", []byte("content"), "admin"); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	if err := fx.coordinator.Remove(context.Background(), "notes.txt"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, ok := fx.registry.docs["notes.txt"]; ok {
		t.Fatalf("document still registered")
	}
	if len(fx.index.deleted) != 1 || fx.index.deleted[0][0] != "notes.txt" {
		t.Fatalf("vectors not cleared: %v", fx.index.deleted)
	}
}

func TestRemoveUnknownDocument(t *testing.T) {
	fx := newCoordinatorFixture()
	err := fx.coordinator.Remove(context.Background(), "ghost.txt")
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}
