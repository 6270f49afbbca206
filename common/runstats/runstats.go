// Package runstats keeps per-account collection and ingestion statistics in
// Redis. Collector and loader replicas write concurrently; any process with
// the same Redis can read them.
//
// Redis Key Structure:
//
//	scope:stats:{account}             - Hash with lifetime counters and last-run markers
//	scope:daily:{account}:{YYYYMMDD}  - Hash with per-day staged/loaded counters (expires after ttl)
//	scope:instances:{account}         - Hash of process instance -> last seen unix time
package runstats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stats is the current view of one account.
type Stats struct {
	Account           string            `json:"account"`
	LastCollectedAt   *time.Time        `json:"last_collected_at,omitempty"`
	LastStagedKey     string            `json:"last_staged_key,omitempty"`
	LastLoadedAt      *time.Time        `json:"last_loaded_at,omitempty"`
	LastLoadedKey     string            `json:"last_loaded_key,omitempty"`
	Collections       int64             `json:"collections"`
	DomainFailures    int64             `json:"domain_failures"`
	DocumentsLoaded   int64             `json:"documents_loaded"`
	DocumentsRejected int64             `json:"documents_rejected"`
	RecordsCreated    int64             `json:"records_created"`
	RecordsUpdated    int64             `json:"records_updated"`
	RecordsSkipped    int64             `json:"records_skipped"`
	RecordErrors      int64             `json:"record_errors"`
	StagedToday       int64             `json:"staged_today"`
	LoadedToday       int64             `json:"loaded_today"`
	Instances         map[string]string `json:"instances,omitempty"`
	StatsRetrievedAt  time.Time         `json:"stats_retrieved_at"`
}

// Ingestion is the record-level result of loading one document.
type Ingestion struct {
	Created int64
	Updated int64
	Skipped int64
	Errors  int64
}

// Recorder is implemented by Client and NoOp.
type Recorder interface {
	RecordCollection(ctx context.Context, account, key string, failedDomains int) error
	RecordIngestion(ctx context.Context, account, key string, in Ingestion) error
	RecordRejection(ctx context.Context, account, key string) error
}

// Reader serves the stats endpoint.
type Reader interface {
	GetStats(ctx context.Context, account string) (*Stats, error)
}

// Client records and reads statistics.
type Client struct {
	redis      *redis.Client
	instanceID string
	ttl        time.Duration
	now        func() time.Time
}

// NewClient wraps an existing connection. ttl bounds the per-day hashes.
func NewClient(client *redis.Client, instanceID string, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Client{redis: client, instanceID: instanceID, ttl: ttl, now: time.Now}
}

func statsKey(account string) string     { return "scope:stats:" + account }
func instancesKey(account string) string { return "scope:instances:" + account }
func dailyKey(account string, t time.Time) string {
	return fmt.Sprintf("scope:daily:%s:%s", account, t.UTC().Format("20060102"))
}

// RecordCollection notes that a document was staged for account.
func (c *Client) RecordCollection(ctx context.Context, account, key string, failedDomains int) error {
	now := c.now()
	nowUnix := strconv.FormatInt(now.Unix(), 10)

	pipe := c.redis.Pipeline()
	pipe.HSet(ctx, statsKey(account), map[string]interface{}{
		"last_collected_at": nowUnix,
		"last_staged_key":   key,
	})
	pipe.HIncrBy(ctx, statsKey(account), "collections", 1)
	pipe.HIncrBy(ctx, statsKey(account), "domain_failures", int64(failedDomains))

	daily := dailyKey(account, now)
	pipe.HIncrBy(ctx, daily, "staged", 1)
	pipe.Expire(ctx, daily, c.ttl)

	c.touchInstance(ctx, pipe, account, nowUnix)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record collection: %w", err)
	}
	return nil
}

// RecordIngestion notes that a document was loaded and promoted.
func (c *Client) RecordIngestion(ctx context.Context, account, key string, in Ingestion) error {
	now := c.now()
	nowUnix := strconv.FormatInt(now.Unix(), 10)

	pipe := c.redis.Pipeline()
	pipe.HSet(ctx, statsKey(account), map[string]interface{}{
		"last_loaded_at":  nowUnix,
		"last_loaded_key": key,
	})
	pipe.HIncrBy(ctx, statsKey(account), "documents_loaded", 1)
	pipe.HIncrBy(ctx, statsKey(account), "records_created", in.Created)
	pipe.HIncrBy(ctx, statsKey(account), "records_updated", in.Updated)
	pipe.HIncrBy(ctx, statsKey(account), "records_skipped", in.Skipped)
	pipe.HIncrBy(ctx, statsKey(account), "record_errors", in.Errors)

	daily := dailyKey(account, now)
	pipe.HIncrBy(ctx, daily, "loaded", 1)
	pipe.Expire(ctx, daily, c.ttl)

	c.touchInstance(ctx, pipe, account, nowUnix)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record ingestion: %w", err)
	}
	return nil
}

// RecordRejection notes that a document was quarantined.
func (c *Client) RecordRejection(ctx context.Context, account, key string) error {
	pipe := c.redis.Pipeline()
	pipe.HIncrBy(ctx, statsKey(account), "documents_rejected", 1)
	c.touchInstance(ctx, pipe, account, strconv.FormatInt(c.now().Unix(), 10))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record rejection: %w", err)
	}
	return nil
}

func (c *Client) touchInstance(ctx context.Context, pipe redis.Pipeliner, account, nowUnix string) {
	pipe.HSet(ctx, instancesKey(account), c.instanceID, nowUnix)
	pipe.Expire(ctx, instancesKey(account), 24*time.Hour)
}

// GetStats reads the current statistics for account.
func (c *Client) GetStats(ctx context.Context, account string) (*Stats, error) {
	now := c.now()

	pipe := c.redis.Pipeline()
	statsCmd := pipe.HGetAll(ctx, statsKey(account))
	dailyCmd := pipe.HGetAll(ctx, dailyKey(account, now))
	instancesCmd := pipe.HGetAll(ctx, instancesKey(account))

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	stats := &Stats{
		Account:          account,
		StatsRetrievedAt: now,
		Instances:        make(map[string]string),
	}

	if m, err := statsCmd.Result(); err == nil {
		stats.LastCollectedAt = parseUnix(m["last_collected_at"])
		stats.LastLoadedAt = parseUnix(m["last_loaded_at"])
		stats.LastStagedKey = m["last_staged_key"]
		stats.LastLoadedKey = m["last_loaded_key"]
		stats.Collections = parseInt(m["collections"])
		stats.DomainFailures = parseInt(m["domain_failures"])
		stats.DocumentsLoaded = parseInt(m["documents_loaded"])
		stats.DocumentsRejected = parseInt(m["documents_rejected"])
		stats.RecordsCreated = parseInt(m["records_created"])
		stats.RecordsUpdated = parseInt(m["records_updated"])
		stats.RecordsSkipped = parseInt(m["records_skipped"])
		stats.RecordErrors = parseInt(m["record_errors"])
	}

	if m, err := dailyCmd.Result(); err == nil {
		stats.StagedToday = parseInt(m["staged"])
		stats.LoadedToday = parseInt(m["loaded"])
	}

	if m, err := instancesCmd.Result(); err == nil {
		for instance, lastSeen := range m {
			if t := parseUnix(lastSeen); t != nil {
				stats.Instances[instance] = t.UTC().Format(time.RFC3339)
			}
		}
	}

	return stats, nil
}

// ListAccounts returns every account with recorded statistics.
func (c *Client) ListAccounts(ctx context.Context) ([]string, error) {
	var accounts []string
	iter := c.redis.Scan(ctx, 0, "scope:stats:*", 1000).Iterator()
	for iter.Next(ctx) {
		accounts = append(accounts, strings.TrimPrefix(iter.Val(), "scope:stats:"))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan accounts: %w", err)
	}
	return accounts, nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseUnix(s string) *time.Time {
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(n, 0)
	return &t
}

// NoOp discards every record. Used when Redis is disabled.
type NoOp struct{}

func (NoOp) RecordCollection(context.Context, string, string, int) error      { return nil }
func (NoOp) RecordIngestion(context.Context, string, string, Ingestion) error { return nil }
func (NoOp) RecordRejection(context.Context, string, string) error            { return nil }
