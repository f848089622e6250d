//go:build integration

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/c360studio/lexitask/task"
	"github.com/c360studio/semstreams/natsclient"
)

func TestKVSink_PutGetList(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	sink, err := NewKVSink(ctx, tc.Client, WithBucket("LEXITASK_TELEMETRY_TEST"), WithTTL(time.Hour))
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}

	now := time.Now()
	first := Entry{OperationID: "op-first", Timestamp: now, Kind: task.KindTranslate, Success: true, Attempts: 1}
	second := Entry{OperationID: "op-second", Timestamp: now.Add(time.Second), Kind: task.KindSummarize, ErrorKind: task.ErrNetwork}

	for _, e := range []Entry{second, first} {
		if err := sink.Put(ctx, e); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	got, err := sink.Get(ctx, "op-first")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Kind != task.KindTranslate || !got.Success {
		t.Errorf("Get() = %+v, want translate success", got)
	}

	entries, err := sink.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(entries))
	}
	if entries[0].OperationID != "op-first" {
		t.Errorf("List()[0] = %q, want oldest first", entries[0].OperationID)
	}
}

func TestKVSink_RecordMirrors(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	sink, err := NewKVSink(ctx, tc.Client, WithBucket("LEXITASK_TELEMETRY_MIRROR"))
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}

	l := New(10, WithSink(sink))
	e := l.Record(Entry{Kind: task.KindRewrite, Success: true, Attempts: 1})
	l.Flush()

	if _, err := sink.Get(ctx, e.OperationID); err != nil {
		t.Fatalf("mirrored entry missing: %v", err)
	}
}

func TestNewKVSink_RequiresClient(t *testing.T) {
	if _, err := NewKVSink(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil client")
	}
}
