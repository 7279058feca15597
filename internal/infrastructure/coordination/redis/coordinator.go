package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/wenhao-zhang/campus-rag/internal/core/domain"
	"github.com/wenhao-zhang/campus-rag/internal/core/ports"
)

const (
	defaultPrefix = "campusqa"

	statusTTL    = time.Hour
	historyLimit = 200
	pollInterval = 200 * time.Millisecond
)

// releaseScript deletes the lock only when it still carries our token, so an
// expired-and-reacquired lock is never released by the previous holder.
var releaseScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Coordinator provides distributed document locks and the shared ingestion
// status board. Status writes are best-effort: a Redis outage degrades
// visibility, never ingestion.
type Coordinator struct {
	client       *goredis.Client
	logger       *slog.Logger
	lockPrefix   string
	statusPrefix string
	historyKey   string
}

func New(addr, password string, db int, prefix string, logger *slog.Logger) *Coordinator {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return newCoordinator(client, prefix, logger)
}

// NewFromURL accepts either a redis:// URL or a bare host:port address.
func NewFromURL(rawURL, prefix string, logger *slog.Logger) (*Coordinator, error) {
	if !strings.Contains(rawURL, "://") {
		return New(rawURL, "", 0, prefix, logger), nil
	}
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return newCoordinator(goredis.NewClient(opts), prefix, logger), nil
}

func newCoordinator(client *goredis.Client, prefix string, logger *slog.Logger) *Coordinator {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Coordinator{
		client:       client,
		logger:       logger,
		lockPrefix:   prefix + ":lock:",
		statusPrefix: prefix + ":doc-status:",
		historyKey:   prefix + ":ingest:history",
	}
}

func (c *Coordinator) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *Coordinator) Close() error {
	return c.client.Close()
}

// Acquire takes the named lock, polling until the wait budget runs out.
func (c *Coordinator) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (ports.LockHandle, bool) {
	lockKey := c.lockPrefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := c.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			c.logger.Warn("lock acquire failed", "key", key, "error", err)
			return nil, false
		}
		if ok {
			return &lockHandle{coordinator: c, key: lockKey, token: token}, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(pollInterval):
		}
	}
}

type lockHandle struct {
	coordinator *Coordinator
	key         string
	token       string
	released    bool
}

// Release is idempotent; repeated calls are no-ops.
func (h *lockHandle) Release(ctx context.Context) {
	if h.released {
		return
	}
	h.released = true
	if err := releaseScript.Run(ctx, h.coordinator.client, []string{h.key}, h.token).Err(); err != nil {
		h.coordinator.logger.Warn("lock release failed", "key", h.key, "error", err)
	}
}

// SetStatus publishes a document's ingestion state on the shared board.
func (c *Coordinator) SetStatus(ctx context.Context, document string, status domain.IngestStatus, extra map[string]any) {
	key := c.statusPrefix + document
	fields := map[string]any{
		"status":     string(status),
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		fields[k] = fmt.Sprint(v)
	}
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, statusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("status write failed", "document", document, "error", err)
	}
}

// RecordEvent appends one entry to the capped ingestion history list.
func (c *Coordinator) RecordEvent(ctx context.Context, event map[string]any) {
	if event == nil {
		event = map[string]any{}
	}
	if _, ok := event["at"]; !ok {
		event["at"] = time.Now().UTC().Format(time.RFC3339)
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		c.logger.Warn("event encode failed", "error", err)
		return
	}
	pipe := c.client.Pipeline()
	pipe.LPush(ctx, c.historyKey, encoded)
	pipe.LTrim(ctx, c.historyKey, 0, historyLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("event write failed", "error", err)
	}
}

func (c *Coordinator) Status(ctx context.Context, document string) (map[string]any, bool) {
	fields, err := c.client.HGetAll(ctx, c.statusPrefix+document).Result()
	if err != nil {
		c.logger.Warn("status read failed", "document", document, "error", err)
		return nil, false
	}
	if len(fields) == 0 {
		return nil, false
	}
	return toAnyMap(fields), true
}

func (c *Coordinator) Statuses(ctx context.Context) map[string]map[string]any {
	out := map[string]map[string]any{}
	iter := c.client.Scan(ctx, 0, c.statusPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := c.client.HGetAll(ctx, key).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		out[strings.TrimPrefix(key, c.statusPrefix)] = toAnyMap(fields)
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("status scan failed", "error", err)
	}
	return out
}

func (c *Coordinator) RecentEvents(ctx context.Context, limit int) []map[string]any {
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	raw, err := c.client.LRange(ctx, c.historyKey, 0, int64(limit-1)).Result()
	if err != nil {
		c.logger.Warn("history read failed", "error", err)
		return nil
	}
	events := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		var event map[string]any
		if err := json.Unmarshal([]byte(entry), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events
}

func toAnyMap(fields map[string]string) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
