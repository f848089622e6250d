package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucket is the KV bucket entries are mirrored into.
const DefaultBucket = "LEXITASK_TELEMETRY"

// DefaultTTL is how long mirrored entries live.
const DefaultTTL = 24 * time.Hour

// KVSink mirrors entries into a JetStream KV bucket keyed by operation id.
type KVSink struct {
	bucket jetstream.KeyValue
	logger *slog.Logger
}

// KVSinkOption configures a KVSink.
type KVSinkOption func(*kvSinkConfig)

type kvSinkConfig struct {
	bucket string
	ttl    time.Duration
	logger *slog.Logger
}

// WithBucket sets the bucket name.
func WithBucket(name string) KVSinkOption {
	return func(c *kvSinkConfig) {
		c.bucket = name
	}
}

// WithTTL sets the entry TTL.
func WithTTL(ttl time.Duration) KVSinkOption {
	return func(c *kvSinkConfig) {
		c.ttl = ttl
	}
}

// WithSinkLogger sets the logger.
func WithSinkLogger(logger *slog.Logger) KVSinkOption {
	return func(c *kvSinkConfig) {
		c.logger = logger
	}
}

// NewKVSink creates or updates the bucket and returns a sink writing to it.
// The context is used for the bucket creation only.
func NewKVSink(ctx context.Context, nc *natsclient.Client, opts ...KVSinkOption) (*KVSink, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS client required")
	}

	cfg := kvSinkConfig{
		bucket: DefaultBucket,
		ttl:    DefaultTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	// CreateOrUpdateKeyValue is idempotent across workers sharing the bucket
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.bucket,
		Description: "Task attempt telemetry",
		TTL:         cfg.ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	return &KVSink{bucket: bucket, logger: cfg.logger}, nil
}

// Put stores an entry under its operation id.
func (s *KVSink) Put(ctx context.Context, e Entry) error {
	if e.OperationID == "" {
		return fmt.Errorf("operation id is required")
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	if _, err := s.bucket.Put(ctx, e.OperationID, data); err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	return nil
}

// Get retrieves one entry.
func (s *KVSink) Get(ctx context.Context, operationID string) (*Entry, error) {
	kv, err := s.bucket.Get(ctx, operationID)
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(kv.Value(), &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &e, nil
}

// List returns every stored entry, oldest first.
func (s *KVSink) List(ctx context.Context) ([]Entry, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		e, err := s.Get(ctx, key)
		if err != nil {
			// Entries may expire between Keys and Get.
			if !errors.Is(err, jetstream.ErrKeyDeleted) && !errors.Is(err, jetstream.ErrKeyNotFound) {
				s.logger.Warn("Failed to read telemetry entry", "key", key, "error", err)
			}
			continue
		}
		entries = append(entries, *e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}
