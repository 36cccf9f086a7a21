package snapshot

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/partition"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/scatter"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/telemetry"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/testutils"
	"github.com/sm0keyyy/sm0ke-dma-radar-sub001/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var lootCmp = []cmp.Option{
	cmpopts.IgnoreFields(Loot{}, "FirstSeen"),
	cmpopts.EquateEmpty(),
}

func newPool(t *testing.T, tr transport.Transport, rounds int) *scatter.Pool {
	t.Helper()
	pool, err := scatter.NewPool(tr, scatter.PoolOptions{Rounds: rounds, MaxIdle: 8, SampleWindow: 8})
	require.NoError(t, err)
	return pool
}

func TestReadList(t *testing.T) {
	t.Parallel()

	layout := DefaultLayout()
	layout.Limits.MaxList = 3
	l := layout.List

	img := transport.NewImage()
	// Full list with a null element in the middle.
	img.WritePtr(transport.Address(0x1000).Add(l.Array), 0x2000)
	img.WriteI32(transport.Address(0x1000).Add(l.Count), 3)
	img.WritePtr(transport.Address(0x2000).Add(l.First), 0xa0)
	img.WritePtr(transport.Address(0x2000).Add(l.First+8), 0)
	img.WritePtr(transport.Address(0x2000).Add(l.First+16), 0xc0)
	// Count beyond the limit is capped.
	img.WritePtr(transport.Address(0x3000).Add(l.Array), 0x2000)
	img.WriteI32(transport.Address(0x3000).Add(l.Count), 1000)
	// Negative count.
	img.WritePtr(transport.Address(0x4000).Add(l.Array), 0x2000)
	img.WriteI32(transport.Address(0x4000).Add(l.Count), -1)

	counter := transport.NewCounting(img)
	pool := newPool(t, counter, 2)
	lists, err := ReadLists(context.Background(), pool, &layout, 0x1000, 0x3000, 0x4000, 0x9_0000, 0)
	require.NoError(t, err)

	want := []transport.Address{0xa0, 0xc0}
	assert.Equal(t, want, lists[0])
	assert.Equal(t, want, lists[1])
	assert.Empty(t, lists[2])
	assert.Empty(t, lists[3], "unreadable header")
	assert.Empty(t, lists[4], "null header")
	assert.NotNil(t, lists[4])
	assert.Equal(t, int64(2), counter.Transactions())

	single, err := ReadList(context.Background(), pool, &layout, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, want, single)
}

func TestReadPlayers_MatchesSynthesized(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)
	layout := DefaultLayout()

	img := transport.NewImage()
	world, err := Synthesize(img, &layout, SynthOptions{Players: 40, BrokenRate: 0.1}, prng)
	require.NoError(t, err)

	pool := newPool(t, img, 3)
	addrs, err := ReadList(context.Background(), pool, &layout, transport.Address(world.Roots.Players))
	require.NoError(t, err)
	assert.Len(t, addrs, 40)

	counter := transport.NewCounting(img)
	players, err := ReadPlayers(context.Background(), newPool(t, counter, 3), &layout, addrs)
	require.NoError(t, err)
	if diff := cmp.Diff(world.Players, players, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("players differ (-want +got):\n%s", diff)
	}
	if len(world.Players) > 0 {
		assert.Equal(t, int64(3), counter.Transactions())
	}
}

func TestReadPlayers_TruncatesLongNames(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)
	layout := DefaultLayout()
	layout.Limits.MaxNameChars = 3

	img := transport.NewImage()
	world, err := Synthesize(img, &layout, SynthOptions{Players: 4}, prng)
	require.NoError(t, err)
	pool := newPool(t, img, 3)
	addrs, err := ReadList(context.Background(), pool, &layout, transport.Address(world.Roots.Players))
	require.NoError(t, err)

	players, err := ReadPlayers(context.Background(), pool, &layout, addrs)
	require.NoError(t, err)
	require.Len(t, players, 4)
	for i, pl := range players {
		assert.Equal(t, world.Players[i].Name, pl.Name)
		assert.Len(t, []rune(pl.Name), 3)
	}
}

// -------------------------------------------------------------------------------------------------
// Loot fuzz
// -------------------------------------------------------------------------------------------------
// Random worlds with containers and broken chains, read with random partitioning, must match what
// the synthesizer says is reachable.
// -------------------------------------------------------------------------------------------------

func TestReadLoot_MatchesSynthesized(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)

	const opsMax = 1 << 4

	for range opsMax {
		layout := DefaultLayout()
		layout.Limits.MaxContents = testutils.RandRange(prng, 0, 6)
		img := transport.NewImage()
		world, err := Synthesize(img, &layout, SynthOptions{
			Loot:          testutils.RandRange(prng, 0, 300),
			ContainerRate: prng.Float64(),
			BrokenRate:    prng.Float64() * 0.3,
		}, prng)
		require.NoError(t, err)

		pool := newPool(t, img, lootRounds)
		addrs, err := ReadList(context.Background(), pool, &layout, transport.Address(world.Roots.Loot))
		require.NoError(t, err)

		counter := transport.NewCounting(img)
		opts := partition.Options{BatchSize: testutils.RandRange(prng, 1, 120), MaxParallel: testutils.RandRange(prng, 1, 4)}
		loot, err := ReadLoot(context.Background(), newPool(t, counter, lootRounds), &layout, addrs, NewTracker(nil), opts)
		require.NoError(t, err)

		if diff := cmp.Diff(world.Loot, loot, lootCmp...); diff != "" {
			t.Fatalf("loot differs (-want +got):\n%s", diff)
		}
		batches := int64(partition.Count(len(addrs), opts.BatchSize))
		assert.LessOrEqual(t, counter.Transactions(), lootRounds*batches)
	}
}

func TestReadLoot_OrderIndependentOfBatchSize(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)
	layout := DefaultLayout()

	img := transport.NewImage()
	world, err := Synthesize(img, &layout, SynthOptions{Loot: 40, ContainerRate: 0.5}, prng)
	require.NoError(t, err)
	addrs, err := ReadList(context.Background(), newPool(t, img, lootRounds), &layout, transport.Address(world.Roots.Loot))
	require.NoError(t, err)

	read := func(batchSize int) []Loot {
		loot, err := ReadLoot(context.Background(), newPool(t, img, lootRounds), &layout, addrs, NewTracker(nil),
			partition.Options{BatchSize: batchSize, MaxParallel: 2})
		require.NoError(t, err)
		return loot
	}
	whole := read(1000)
	if diff := cmp.Diff(whole, read(5), lootCmp...); diff != "" {
		t.Fatalf("batched read differs from a single batch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(world.Loot, whole, lootCmp...); diff != "" {
		t.Fatalf("loot differs (-want +got):\n%s", diff)
	}
}

func TestReadLoot_CanceledWhilePopulating(t *testing.T) {
	t.Parallel()
	layout := DefaultLayout()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := scatter.NewPipeline(transport.NewImage(), lootRounds)
	batch := partition.Batch[transport.Address]{Items: []transport.Address{0x1000, 0x2000}}

	err := lootBuilder(&layout)(ctx, p, batch, func(Loot) { t.Fatal("nothing may be emitted") })
	require.Error(t, err)
	assert.True(t, scatter.IsCanceled(err))
	assert.Zero(t, p.Round(1).Slots())
}

func TestReadLoot_FailedBatchLeavesTrackerUntouched(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)
	layout := DefaultLayout()

	img := transport.NewImage()
	world, err := Synthesize(img, &layout, SynthOptions{Loot: 20}, prng)
	require.NoError(t, err)
	addrs, err := ReadList(context.Background(), newPool(t, img, lootRounds), &layout, transport.Address(world.Roots.Loot))
	require.NoError(t, err)
	require.Len(t, addrs, 20)

	// The first batch completes; the second fails on its first transaction.
	calls := 0
	failing := transport.Func(func(reqs []transport.Request) ([]transport.Outcome, error) {
		calls++
		if calls > 4 {
			return nil, transport.ErrDeviceUnavailable
		}
		return img.ReadBatch(reqs)
	})
	tracker := NewTracker(nil)
	_, err = ReadLoot(context.Background(), newPool(t, failing, lootRounds), &layout, addrs, tracker,
		partition.Options{BatchSize: 10, MaxParallel: 1})
	require.Error(t, err)
	assert.Zero(t, tracker.Len())
}

func TestReadLoot_TooFewRounds(t *testing.T) {
	t.Parallel()

	layout := DefaultLayout()
	_, err := ReadLoot(context.Background(), newPool(t, transport.NewImage(), 3), &layout, nil, NewTracker(nil),
		partition.Options{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "too few rounds")
}

func TestTracker(t *testing.T) {
	t.Parallel()

	clock := time.Unix(1000, 0)
	tr := NewTracker(func() time.Time { return clock })

	first := tr.Observe(0x10)
	clock = clock.Add(time.Minute)
	assert.Equal(t, first, tr.Observe(0x10))
	assert.Equal(t, clock, tr.Observe(0x20))
	assert.Equal(t, 2, tr.Len())

	assert.Equal(t, 1, tr.Retain([]transport.Address{0x20, 0x30}))
	assert.Equal(t, 1, tr.Len())
	clock = clock.Add(time.Minute)
	assert.Equal(t, clock, tr.Observe(0x10), "forgotten addresses start over")
}

func TestRefresher(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)
	layout := DefaultLayout()

	img := transport.NewImage()
	world, err := Synthesize(img, &layout, SynthOptions{
		Players: 12, Loot: 150, ContainerRate: 0.3, BrokenRate: 0.05,
	}, prng)
	require.NoError(t, err)

	clock := time.Unix(5000, 0)
	tracker := NewTracker(func() time.Time { return clock })
	r, err := NewRefresher(newPool(t, img, lootRounds), layout, world.Roots,
		WithTracker(tracker), WithPartition(partition.Options{BatchSize: 40, MaxParallel: 2}))
	require.NoError(t, err)

	f1, err := r.Refresh(context.Background())
	require.NoError(t, err)
	if diff := cmp.Diff(world.Players, f1.Players, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("players differ (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(world.Loot, f1.Loot, lootCmp...); diff != "" {
		t.Fatalf("loot differs (-want +got):\n%s", diff)
	}
	for _, l := range f1.Loot {
		assert.Equal(t, clock, l.FirstSeen)
	}

	clock = clock.Add(time.Hour)
	f2, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, f1.Cycle, f2.Cycle)
	for i, l := range f2.Loot {
		assert.Equal(t, f1.Loot[i].FirstSeen, l.FirstSeen, "first-seen survives refreshes")
	}
	assert.Equal(t, tracker, r.Tracker())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Refresh(ctx)
	assert.True(t, scatter.IsCanceled(err))
}

func TestRefresher_LogsCarryTraceIDs(t *testing.T) {
	t.Setenv("SCATTERDUMP_TRACING", "false")
	prng := testutils.NewRand(t)
	layout := DefaultLayout()

	img := transport.NewImage()
	world, err := Synthesize(img, &layout, SynthOptions{Players: 3, Loot: 5}, prng)
	require.NoError(t, err)

	var buf bytes.Buffer
	tel, err := telemetry.New(telemetry.Options{
		ServiceName: "scatterdump", LogLevel: "debug", LogFormat: telemetry.LogFormatJSON, Output: &buf,
	})
	require.NoError(t, err)
	provider := sdktrace.NewTracerProvider()
	defer func() { require.NoError(t, provider.Shutdown(context.Background())) }()

	r, err := NewRefresher(newPool(t, img, lootRounds), layout, world.Roots,
		WithRefreshLogger(tel.Logger("snapshot")), WithRefreshTracer(provider.Tracer("snapshot")))
	require.NoError(t, err)
	_, err = r.Refresh(context.Background())
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "refresh finished", line["message"])
	assert.Equal(t, "scatterdump.snapshot", line["component"])
	assert.Len(t, line["trace_id"], 32)
	assert.Len(t, line["span_id"], 16)
}

func TestNewRefresher_Validation(t *testing.T) {
	t.Parallel()

	layout := DefaultLayout()
	_, err := NewRefresher(newPool(t, transport.NewImage(), 4), layout, Roots{})
	require.Error(t, err)

	layout.Loot.ContainerClass = ""
	_, err = NewRefresher(newPool(t, transport.NewImage(), lootRounds), layout, Roots{})
	require.Error(t, err)
}

const sceneYAML = `
roots: {players: 0x6000, loot: 0}
image:
  writes:
    - {addr: 0x6010, ptr: 0x7000}
    - {addr: 0x6018, i32: 1}
    - {addr: 0x7020, ptr: 0x1000}
    - {addr: 0x15a0, ptr: 0x3000}
    - {addr: 0x1088, ptr: 0x4000}
    - {addr: 0x18c0, i32: 2}
    - {addr: 0x3028, ptr: 0x5000}
    - {addr: 0x5010, i32: 4}
    - {addr: 0x5014, utf16: "Bear"}
    - {addr: 0x4090, vec3: [1, 2, 3]}
    - {addr: 0x40a0, f32: 90}
    - {addr: 0x40a4, f32: -10}
`

func TestLoadScene(t *testing.T) {
	t.Parallel()

	scene, err := LoadScene(strings.NewReader(sceneYAML))
	require.NoError(t, err)
	assert.Equal(t, DefaultLayout(), scene.Layout)

	r, err := NewRefresher(newPool(t, scene.Image, lootRounds), scene.Layout, scene.Roots)
	require.NoError(t, err)
	frame, err := r.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []Player{{
		Addr:     0x1000,
		Name:     "Bear",
		Side:     2,
		Position: Vec3{1, 2, 3},
		Rotation: [2]float32{90, -10},
	}}, frame.Players)
	assert.Empty(t, frame.Loot)
}

func TestLoadLayout(t *testing.T) {
	t.Parallel()

	layout, err := LoadLayout(strings.NewReader("limits:\n  max_list: 16\nplayer:\n  side: 0x10\n"))
	require.NoError(t, err)
	want := DefaultLayout()
	want.Limits.MaxList = 16
	want.Player.Side = 0x10
	assert.Equal(t, want, layout)

	_, err = LoadLayout(strings.NewReader("limits:\n  max_list: 0\n"))
	require.Error(t, err)
	_, err = LoadLayout(strings.NewReader("limits: [nope"))
	require.Error(t, err)
}
