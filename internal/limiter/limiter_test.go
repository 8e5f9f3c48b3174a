package limiter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

/************ fake pgx ************/
type fakeRow struct{ scan func(dest ...any) error }

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakePool struct {
	err      error
	hits     int
	start    time.Time
	lastSQL  string
	lastArgs []any
}

func (f *fakePool) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL = sql
	f.lastArgs = args
	if !strings.Contains(sql, "RETURNING hits, window_start") {
		return fakeRow{scan: func(dest ...any) error { return errors.New("unexpected query") }}
	}
	return fakeRow{scan: func(dest ...any) error {
		if f.err != nil {
			return f.err
		}
		*(dest[0].(*int)) = f.hits
		*(dest[1].(*time.Time)) = f.start
		return nil
	}}
}

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestPG_WithinLimit(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)
	fp := &fakePool{hits: 3, start: now.Add(-30 * time.Second)}
	l := NewPGWithQuerier(fp, fixedNow(now))

	res, err := l.Check(context.Background(), "route:/v1/reservations.get:abc", 3, time.Minute)
	if err != nil || !res.OK {
		t.Fatalf("within limit: res=%+v err=%v", res, err)
	}
	if fp.lastArgs[0] != "route:/v1/reservations.get:abc" || fp.lastArgs[2] != time.Minute {
		t.Fatalf("unexpected args: %v", fp.lastArgs)
	}
	if !strings.Contains(fp.lastSQL, "INSERT INTO rate_limits") {
		t.Fatalf("unexpected sql: %s", fp.lastSQL)
	}
}

func TestPG_OverLimit_RetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)
	fp := &fakePool{hits: 4, start: now.Add(-20 * time.Second)}
	l := NewPGWithQuerier(fp, fixedNow(now))

	res, err := l.Check(context.Background(), "k", 3, time.Minute)
	if err != nil || res.OK {
		t.Fatalf("over limit: res=%+v err=%v", res, err)
	}
	if res.RetryAfter != 40*time.Second {
		t.Fatalf("retry after: %v", res.RetryAfter)
	}
}

func TestPG_DBError_Propagates(t *testing.T) {
	fp := &fakePool{err: errors.New("db boom")}
	l := NewPGWithQuerier(fp, nil)

	if _, err := l.Check(context.Background(), "k", 1, time.Minute); err == nil {
		t.Fatalf("want error propagate")
	}
}

func TestMemory_BurstThenDeny(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	m := NewMemory(func() time.Time { return clock })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := m.Check(ctx, "k", 3, time.Minute)
		if err != nil || !res.OK {
			t.Fatalf("hit %d: res=%+v err=%v", i, res, err)
		}
	}
	res, _ := m.Check(ctx, "k", 3, time.Minute)
	if res.OK || res.RetryAfter <= 0 || res.RetryAfter > 20*time.Second {
		t.Fatalf("want deny with retry <= 20s, got %+v", res)
	}

	// other keys are independent
	if res, _ := m.Check(ctx, "other", 3, time.Minute); !res.OK {
		t.Fatalf("independent key denied")
	}

	// one token refills after window/max
	clock = now.Add(20 * time.Second)
	if res, _ := m.Check(ctx, "k", 3, time.Minute); !res.OK {
		t.Fatalf("want refill after 20s, got %+v", res)
	}
}

func TestMemory_EvictsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	m := NewMemory(func() time.Time { return clock })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = m.Check(ctx, "a", 2, time.Minute)
	}
	_, _ = m.Check(ctx, "b", 2, time.Minute)
	clock = now.Add(45 * time.Second)
	_, _ = m.Check(ctx, "b", 2, time.Minute)

	clock = now.Add(70 * time.Second)
	_, _ = m.Check(ctx, "c", 2, time.Minute)
	m.mu.Lock()
	_, hasA := m.buckets["a"]
	_, hasB := m.buckets["b"]
	n := len(m.buckets)
	m.mu.Unlock()
	if hasA || !hasB || n != 2 {
		t.Fatalf("want a evicted and b kept, got a=%v b=%v len=%d", hasA, hasB, n)
	}

	// an evicted key starts over with a full bucket
	for i := 0; i < 2; i++ {
		if res, _ := m.Check(ctx, "a", 2, time.Minute); !res.OK {
			t.Fatalf("hit %d after eviction denied: %+v", i, res)
		}
	}
}

func TestMemory_BucketsStayBounded(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	m := NewMemory(func() time.Time { return clock })
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		clock = now.Add(time.Duration(i) * time.Minute)
		_, _ = m.Check(ctx, "ip-"+strings.Repeat("x", i), 5, time.Second)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buckets) > 1 {
		t.Fatalf("idle buckets kept: %d", len(m.buckets))
	}
}

func TestMemory_NonPositiveLimitDenies(t *testing.T) {
	m := NewMemory(nil)
	if res, _ := m.Check(context.Background(), "k", 0, time.Minute); res.OK {
		t.Fatalf("zero max must deny")
	}
}

func TestClientKey_Determinism(t *testing.T) {
	a := ClientKey("1.2.3.4:123")
	b := ClientKey("1.2.3.4:123")
	c := ClientKey("5.6.7.8:321")
	if a != b || a == c || len(a) != 16 {
		t.Fatalf("client key mismatch/len: %q %q", a, c)
	}
}
