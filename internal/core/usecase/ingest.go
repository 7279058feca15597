package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
	"github.com/wenhao-zhang/campus-rag/internal/core/ports"
)

const (
	ingestLockTTL  = 10 * time.Minute
	ingestLockWait = 5 * time.Second
)

// Coordinator drives document ingestion: upload validation and dedupe,
// per-document distributed locking, and batched background vectorization.
type Coordinator struct {
	registry  ports.ContentProvider
	index     ports.VectorIndex
	loader    *Loader
	locks     ports.LockProvider
	status    ports.StatusSink
	publisher ports.EventPublisher
	metrics   ports.MetricsCollector
	logger    *slog.Logger

	allowedExts map[string]bool
	maxBytes    int64
	workers     int

	// vectorizeMu serializes index mutation across concurrent batches.
	vectorizeMu sync.Mutex
}

type CoordinatorDeps struct {
	Registry  ports.ContentProvider
	Index     ports.VectorIndex
	Loader    *Loader
	Locks     ports.LockProvider
	Status    ports.StatusSink
	Publisher ports.EventPublisher
	Metrics   ports.MetricsCollector
	Logger    *slog.Logger
}

func NewCoordinator(deps CoordinatorDeps, allowedExts map[string]bool, maxUploadMB, workers int) *Coordinator {
	if workers <= 0 {
		workers = 1
	}
	return &Coordinator{
		registry:    deps.Registry,
		index:       deps.Index,
		loader:      deps.Loader,
		locks:       deps.Locks,
		status:      deps.Status,
		publisher:   deps.Publisher,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		allowedExts: allowedExts,
		maxBytes:    int64(maxUploadMB) << 20,
		workers:     workers,
	}
}

// Upload validates a batch of files, rejects duplicates, stores accepted
// files and schedules their vectorization. It always returns a report, never
// an error: per-file problems land in the Failed list.
func (c *Coordinator) Upload(ctx context.Context, files []domain.UploadFile, uploadedBy string) domain.UploadReport {
	report := domain.UploadReport{
		Processed: []string{},
		Failed:    []domain.UploadFailure{},
		Jobs:      []domain.IngestJob{},
	}
	fail := func(name, reason string) {
		report.Failed = append(report.Failed, domain.UploadFailure{Filename: name, Reason: reason})
	}

	existingHashes := map[string]string{}
	if docs, err := c.registry.List(ctx); err != nil {
		c.logger.Warn("list documents for dedupe failed", "error", err)
	} else {
		for _, doc := range docs {
			if doc.Hash != "" {
				existingHashes[doc.Hash] = doc.Name
			}
		}
	}
	batchHashes := map[string]bool{}
	var accepted []domain.IngestJob

	for _, file := range files {
		name := strings.TrimSpace(file.Name)
		if name == "" {
			fail("(未命名)", "文件名为空")
			continue
		}
		// 防止路径穿越
		name = filepath.Base(name)
		ext := strings.ToLower(filepath.Ext(name))
		if !c.allowedExts[ext] {
			fail(name, "不支持的文件类型: "+ext)
			continue
		}
		if c.maxBytes > 0 && int64(len(file.Content)) > c.maxBytes {
			fail(name, fmt.Sprintf("文件超过大小限制 %dMB", c.maxBytes>>20))
			continue
		}

		hash := hashContent(file.Content)
		if batchHashes[hash] {
			fail(name, "与本次上传的其他文件内容相同，已跳过")
			continue
		}
		if existingName, ok := existingHashes[hash]; ok {
			fail(name, "内容与 "+existingName+" 重复")
			continue
		}
		batchHashes[hash] = true

		job := domain.IngestJob{JobID: uuid.NewString(), Document: name, Status: domain.StatusPending}
		c.setStatus(ctx, name, domain.StatusPending, map[string]any{"job_id": job.JobID})
		c.recordEvent(ctx, name, domain.StatusPending, map[string]any{
			"job_id": job.JobID, "admin": uploadedBy, "size": len(file.Content), "hash": hash,
		})

		handle, ok := c.acquire(ctx, name)
		if !ok {
			job.Status = domain.StatusBusy
			c.setStatus(ctx, name, domain.StatusBusy, map[string]any{"job_id": job.JobID})
			c.recordEvent(ctx, name, domain.StatusBusy, map[string]any{"job_id": job.JobID, "reason": "locked"})
			fail(name, "文档正在处理中")
			report.Jobs = append(report.Jobs, job)
			continue
		}

		func() {
			defer handle.Release(ctx)

			c.setStatus(ctx, name, domain.StatusUploading, map[string]any{"size": len(file.Content)})
			c.recordEvent(ctx, name, domain.StatusUploading, map[string]any{"job_id": job.JobID, "size": len(file.Content)})

			if _, err := c.registry.Save(ctx, name, file.Content, uploadedBy); err != nil {
				job.Status = domain.StatusFailed
				job.Error = err.Error()
				c.setStatus(ctx, name, domain.StatusFailed, map[string]any{"job_id": job.JobID, "error": err.Error()})
				c.recordEvent(ctx, name, domain.StatusFailed, map[string]any{"job_id": job.JobID, "error": err.Error()})
				c.logger.Error("store uploaded document failed", "document", name, "error", err)
				fail(name, "处理失败")
				return
			}

			job.Status = domain.StatusVectorizing
			c.setStatus(ctx, name, domain.StatusVectorizing, map[string]any{"job_id": job.JobID})
			c.recordEvent(ctx, name, domain.StatusVectorizing, map[string]any{"job_id": job.JobID})
			report.Processed = append(report.Processed, name)
			accepted = append(accepted, job)
			existingHashes[hash] = name
		}()
		report.Jobs = append(report.Jobs, job)
	}

	if len(accepted) > 0 {
		report.Scheduled = true
		c.schedule(ctx, accepted)
	}
	report.DocsCount = len(existingHashes)

	switch {
	case len(report.Failed) > 0 && len(report.Processed) > 0:
		report.Status = "partial"
	case len(report.Failed) > 0:
		report.Status = "failed"
	default:
		report.Status = "ok"
	}
	return report
}

// Reindex schedules a fresh vectorization for one registered document.
func (c *Coordinator) Reindex(ctx context.Context, name string) (domain.IngestJob, error) {
	doc, err := c.registry.Get(ctx, name, false)
	if err != nil {
		return domain.IngestJob{}, err
	}

	job := domain.IngestJob{JobID: uuid.NewString(), Document: doc.Name, Status: domain.StatusVectorizing}
	c.setStatus(ctx, doc.Name, domain.StatusVectorizing, map[string]any{"job_id": job.JobID, "note": "手动重建"})
	c.recordEvent(ctx, doc.Name, domain.StatusVectorizing, map[string]any{"job_id": job.JobID, "note": "manual_reindex"})
	c.schedule(ctx, []domain.IngestJob{job})
	return job, nil
}

// Remove deletes a document from the registry and clears its vectors. A
// vector cleanup failure is logged but does not undo the registry delete.
func (c *Coordinator) Remove(ctx context.Context, name string) error {
	if err := c.registry.Delete(ctx, name); err != nil {
		return err
	}
	removed, err := c.index.Delete(ctx, []string{name})
	if err != nil {
		c.logger.Warn("clear document vectors failed", "document", name, "error", err)
	} else {
		c.logger.Info("document removed", "document", name, "vectors_removed", removed)
	}
	c.recordEvent(ctx, name, "deleted", nil)
	return nil
}

// Vectorize processes one job batch: take the per-document distributed lock,
// load and chunk each document, then replace the affected index rows under
// the coordinator-wide critical section. Locked documents are skipped (another
// worker owns them); an index mutation failure fails the whole batch
// uniformly.
func (c *Coordinator) Vectorize(ctx context.Context, jobs []domain.IngestJob) {
	jobByDoc := map[string]domain.IngestJob{}
	for _, job := range jobs {
		if job.Document == "" {
			continue
		}
		jobByDoc[job.Document] = job
		c.metrics.IngestStarted()
	}
	if len(jobByDoc) == 0 {
		return
	}
	start := time.Now()

	failJob := func(ctx context.Context, name, reason string) {
		jobID := jobByDoc[name].JobID
		c.setStatus(ctx, name, domain.StatusFailed, map[string]any{"job_id": jobID, "error": reason})
		c.recordEvent(ctx, name, domain.StatusFailed, map[string]any{"job_id": jobID, "error": reason})
		c.metrics.IngestFinished(domain.StatusFailed, time.Since(start))
	}
	completeJob := func(ctx context.Context, name string, chunkCount int, note string) {
		jobID := jobByDoc[name].JobID
		extra := map[string]any{"job_id": jobID, "chunk_count": chunkCount}
		if note != "" {
			extra["note"] = note
		}
		c.setStatus(ctx, name, domain.StatusCompleted, extra)
		c.recordEvent(ctx, name, domain.StatusCompleted, extra)
		c.metrics.IngestFinished(domain.StatusCompleted, time.Since(start))
	}

	var mu sync.Mutex
	chunkMap := map[string][]domain.Chunk{}
	handles := map[string]ports.LockHandle{}
	defer func() {
		for _, handle := range handles {
			handle.Release(ctx)
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.workers)
	for name := range jobByDoc {
		group.Go(func() error {
			handle, ok := c.acquire(groupCtx, name)
			if !ok {
				jobID := jobByDoc[name].JobID
				c.setStatus(groupCtx, name, domain.StatusBusy, map[string]any{"job_id": jobID})
				c.recordEvent(groupCtx, name, domain.StatusBusy, map[string]any{"job_id": jobID, "reason": "locked"})
				c.metrics.IngestFinished(domain.StatusBusy, time.Since(start))
				return nil
			}
			mu.Lock()
			handles[name] = handle
			mu.Unlock()

			doc, err := c.registry.Get(groupCtx, name, true)
			if err != nil {
				if domain.IsKind(err, domain.ErrDocumentNotFound) {
					failJob(groupCtx, name, "文件不存在")
				} else {
					c.logger.Error("load document failed", "document", name, "error", err)
					failJob(groupCtx, name, "读取文件失败")
				}
				return nil
			}
			if !c.allowedExts[strings.ToLower(doc.Ext)] {
				failJob(groupCtx, name, "不支持的文件类型: "+doc.Ext)
				return nil
			}
			chunks := c.loader.Load(doc)
			mu.Lock()
			chunkMap[name] = chunks
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	if len(chunkMap) == 0 {
		return
	}

	c.vectorizeMu.Lock()
	err := c.applyChunks(ctx, chunkMap)
	c.vectorizeMu.Unlock()
	if err != nil {
		c.logger.Error("index build failed", "error", err)
		for name := range chunkMap {
			failJob(ctx, name, "索引构建失败")
		}
		return
	}

	for name, chunks := range chunkMap {
		if len(chunks) > 0 {
			completeJob(ctx, name, len(chunks), "")
		} else {
			completeJob(ctx, name, 0, "no_chunks")
		}
	}
}

// applyChunks mutates the vector index and the registry vector refs for one
// loaded batch. Documents that chunked to nothing lose their index rows.
func (c *Coordinator) applyChunks(ctx context.Context, chunkMap map[string][]domain.Chunk) error {
	upsert := map[string][]domain.Chunk{}
	var empty []string
	for name, chunks := range chunkMap {
		if len(chunks) > 0 {
			upsert[name] = chunks
		} else {
			empty = append(empty, name)
		}
	}

	if len(upsert) > 0 {
		if err := c.index.Upsert(ctx, upsert); err != nil {
			return err
		}
	}
	if len(empty) > 0 {
		if _, err := c.index.Delete(ctx, empty); err != nil {
			return err
		}
	}
	for name, chunks := range chunkMap {
		refs := make([]string, 0, len(chunks))
		for _, chunk := range chunks {
			refs = append(refs, chunk.ID)
		}
		if err := c.registry.UpdateVectorRefs(ctx, name, refs); err != nil {
			return err
		}
	}
	return nil
}

// schedule hands accepted jobs to the queue when one is configured, falling
// back to an in-process goroutine.
func (c *Coordinator) schedule(ctx context.Context, jobs []domain.IngestJob) {
	if c.publisher != nil {
		published := true
		for _, job := range jobs {
			if err := c.publisher.PublishIngestJob(ctx, job); err != nil {
				c.logger.Warn("publish ingest job failed, processing inline", "document", job.Document, "error", err)
				published = false
				break
			}
		}
		if published {
			return
		}
	}
	go c.Vectorize(context.WithoutCancel(ctx), jobs)
}

func (c *Coordinator) acquire(ctx context.Context, name string) (ports.LockHandle, bool) {
	if c.locks == nil {
		return noopLock{}, true
	}
	return c.locks.Acquire(ctx, "doc-ingest:"+name, ingestLockTTL, ingestLockWait)
}

func (c *Coordinator) setStatus(ctx context.Context, name string, status domain.IngestStatus, extra map[string]any) {
	if c.status != nil {
		c.status.SetStatus(ctx, name, status, extra)
	}
}

func (c *Coordinator) recordEvent(ctx context.Context, name string, status domain.IngestStatus, meta map[string]any) {
	if c.status == nil {
		return
	}
	event := map[string]any{"doc": name, "status": string(status)}
	for k, v := range meta {
		event[k] = v
	}
	c.status.RecordEvent(ctx, event)
}

type noopLock struct{}

func (noopLock) Release(context.Context) {}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
