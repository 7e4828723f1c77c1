package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/faultline-labs/faultline/internal/domain"
)

func outboxRow(id, eventType string) []any {
	return []any{id, domain.AggregateOrder, "agg-1", eventType, []byte(`{}`), time.Now().UTC()}
}

func Test_OutboxRepo_ProcessBatch_PublishesOnlyDelivered(t *testing.T) {
	var updated []string
	tx := &txStub{
		query: func(sql string, _ ...any) (pgx.Rows, error) {
			if !strings.Contains(sql, "FOR UPDATE SKIP LOCKED") {
				t.Fatalf("claim query must use SKIP LOCKED, got %s", sql)
			}
			return &sliceRows{rows: [][]any{outboxRow("e1", domain.EventOrderCreated), outboxRow("e2", domain.EventOrderStatusUpdated)}}, nil
		},
		exec: func(sql string, args ...any) (pgconn.CommandTag, error) {
			if strings.Contains(sql, "SET published=TRUE") {
				updated = append(updated, args[0].(string))
			}
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}
	repo := NewOutboxRepo(&poolStub{tx: tx})
	claimed, published, err := repo.ProcessBatch(context.Background(), 50, func(_ domain.Context, e domain.OutboxEvent) error {
		if e.ID == "e1" {
			return errors.New("downstream unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if claimed != 2 || published != 1 {
		t.Fatalf("expected claimed=2 published=1, got %d/%d", claimed, published)
	}
	if len(updated) != 1 || updated[0] != "e2" {
		t.Fatalf("only the delivered event may flip published, got %v", updated)
	}
	if !tx.committed {
		t.Fatalf("expected commit so the failed row is released for the next cycle")
	}
}

func Test_OutboxRepo_ProcessBatch_EmptyBatch(t *testing.T) {
	tx := &txStub{query: func(string, ...any) (pgx.Rows, error) {
		return &sliceRows{}, nil
	}}
	claimed, published, err := NewOutboxRepo(&poolStub{tx: tx}).ProcessBatch(context.Background(), 50,
		func(domain.Context, domain.OutboxEvent) error { t.Fatal("deliver must not run"); return nil })
	if err != nil || claimed != 0 || published != 0 {
		t.Fatalf("expected empty batch, got %d/%d err=%v", claimed, published, err)
	}
}

func Test_OutboxRepo_PendingCount(t *testing.T) {
	pool := &poolStub{queryRow: func(sql string, _ ...any) pgx.Row {
		if !strings.Contains(sql, "NOT published") {
			t.Fatalf("pending count must filter unpublished, got %s", sql)
		}
		return rowStub{scan: func(dest ...any) error {
			*(dest[0].(*int64)) = 7
			return nil
		}}
	}}
	n, err := NewOutboxRepo(pool).PendingCount(context.Background())
	if err != nil || n != 7 {
		t.Fatalf("expected 7 pending, got %d err=%v", n, err)
	}
}

func Test_OutboxRepo_DeletePublishedBefore(t *testing.T) {
	pool := &poolStub{exec: func(sql string, _ ...any) (pgconn.CommandTag, error) {
		if !strings.Contains(sql, "WHERE published AND published_at <") {
			t.Fatalf("cleanup must only touch published rows, got %s", sql)
		}
		return pgconn.NewCommandTag("DELETE 3"), nil
	}}
	n, err := NewOutboxRepo(pool).DeletePublishedBefore(context.Background(), time.Now())
	if err != nil || n != 3 {
		t.Fatalf("expected 3 deleted, got %d err=%v", n, err)
	}
}
