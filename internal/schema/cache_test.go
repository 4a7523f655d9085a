package schema

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"smartquery/internal/types"
)

type fakeFetcher struct {
	mu    sync.Mutex
	descs map[types.DescriptorKind][]types.TypeDescriptor
	fail  bool
	delay time.Duration
	calls int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		descs: map[types.DescriptorKind][]types.TypeDescriptor{
			types.KindEntityType: {
				{Kind: types.KindEntityType, Slug: "project", DisplayName: "Project"},
			},
			types.KindFacetType: {
				{Kind: types.KindFacetType, Slug: "wind_area_designation", DisplayName: "Wind Area Designation"},
			},
			types.KindRelationType: {
				{Kind: types.KindRelationType, Slug: "located_in", DisplayName: "Located In"},
			},
		},
	}
}

func (f *fakeFetcher) FetchDescriptors(ctx context.Context, kind types.DescriptorKind) ([]types.TypeDescriptor, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("store down")
	}
	return f.descs[kind], nil
}

func (f *fakeFetcher) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func TestCache_SecondGetWithinTTLServesFromCache(t *testing.T) {
	f := newFakeFetcher()
	c := NewCache(f, time.Minute, 0)
	ctx := context.Background()

	first, err := c.Get(ctx, types.KindEntityType)
	if err != nil {
		t.Fatalf("first Get: %v", err)
	}
	second, err := c.Get(ctx, types.KindEntityType)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("cached value differs (-first +second):\n%s", diff)
	}
	if got := c.FetchCount(types.KindEntityType); got != 1 {
		t.Errorf("expected exactly 1 fetch within TTL, got %d", got)
	}
}

func TestCache_ExpiredEntryRefetches(t *testing.T) {
	f := newFakeFetcher()
	c := NewCache(f, 10*time.Millisecond, time.Minute)
	ctx := context.Background()

	if _, err := c.Get(ctx, types.KindEntityType); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Get(ctx, types.KindEntityType); err != nil {
		t.Fatal(err)
	}

	if got := c.FetchCount(types.KindEntityType); got != 2 {
		t.Errorf("expected 2 fetches after expiry, got %d", got)
	}
}

func TestCache_SingleFlightUnderStampede(t *testing.T) {
	f := newFakeFetcher()
	f.delay = 50 * time.Millisecond
	c := NewCache(f, time.Minute, 0)
	ctx := context.Background()

	const callers = 20
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Get(ctx, types.KindFacetType)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := c.FetchCount(types.KindFacetType); got != 1 {
		t.Errorf("expected exactly 1 in-flight fetch for concurrent callers, got %d", got)
	}
}

func TestCache_ServesStaleWithinCeilingOnFailure(t *testing.T) {
	f := newFakeFetcher()
	c := NewCache(f, 10*time.Millisecond, time.Minute)
	ctx := context.Background()

	fresh, err := c.Get(ctx, types.KindRelationType)
	if err != nil {
		t.Fatal(err)
	}

	f.setFail(true)
	time.Sleep(20 * time.Millisecond) // expired but well within the ceiling

	stale, err := c.Get(ctx, types.KindRelationType)
	if err != nil {
		t.Fatalf("expected stale value served, got error: %v", err)
	}
	if diff := cmp.Diff(fresh, stale); diff != "" {
		t.Errorf("stale value differs from original:\n%s", diff)
	}
}

func TestCache_FailsPastStalenessCeiling(t *testing.T) {
	f := newFakeFetcher()
	c := NewCache(f, 5*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := c.Get(ctx, types.KindRelationType); err != nil {
		t.Fatal(err)
	}

	f.setFail(true)
	time.Sleep(25 * time.Millisecond) // past the ceiling

	_, err := c.Get(ctx, types.KindRelationType)
	if !types.IsKind(err, types.KindSchemaUnavailable) {
		t.Fatalf("expected SCHEMA_UNAVAILABLE, got %v", err)
	}
}

func TestCache_InvalidateForcesRefetch(t *testing.T) {
	f := newFakeFetcher()
	c := NewCache(f, time.Minute, 0)
	ctx := context.Background()

	if _, err := c.Get(ctx, types.KindEntityType); err != nil {
		t.Fatal(err)
	}
	c.Invalidate(types.KindEntityType)
	if _, err := c.Get(ctx, types.KindEntityType); err != nil {
		t.Fatal(err)
	}

	if got := c.FetchCount(types.KindEntityType); got != 2 {
		t.Errorf("expected refetch after invalidate, got %d fetches", got)
	}
}

func TestCache_SnapshotLoadsAllKinds(t *testing.T) {
	f := newFakeFetcher()
	c := NewCache(f, time.Minute, 0)

	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snap.HasEntityType("project") {
		t.Error("snapshot missing entity type project")
	}
	if !snap.HasRelation("located_in") {
		t.Error("snapshot missing relation located_in")
	}
}
