package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyBackend wraps MemoryBackend and fails writes to the listed keys.
type flakyBackend struct {
	*MemoryBackend
	mu        sync.Mutex
	failSet   map[string]bool
	failOnce  map[string]bool
	failReads bool
}

func newFlakyBackend() *flakyBackend {
	return &flakyBackend{
		MemoryBackend: NewMemoryBackend(),
		failSet:       map[string]bool{},
		failOnce:      map[string]bool{},
	}
}

func (b *flakyBackend) Get(ctx context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	fail := b.failReads || b.failOnce[key]
	delete(b.failOnce, key)
	b.mu.Unlock()
	if fail {
		return "", false, errors.New("disk on fire")
	}
	return b.MemoryBackend.Get(ctx, key)
}

func (b *flakyBackend) Set(ctx context.Context, key, value string) error {
	b.mu.Lock()
	fail := b.failSet[key]
	b.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return b.MemoryBackend.Set(ctx, key, value)
}

func (b *flakyBackend) failWrites(key string, fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSet[key] = fail
}

// failNextRead makes the next Get of key fail.
func (b *flakyBackend) failNextRead(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOnce[key] = true
}

func (b *flakyBackend) setFailReads(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failReads = fail
}

// cancelOnRead cancels the caller's context right after the message
// collection has been read.
type cancelOnRead struct {
	*MemoryBackend
	cancel context.CancelFunc
}

func (b *cancelOnRead) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := b.MemoryBackend.Get(ctx, key)
	if key == KeyMessages && b.cancel != nil {
		b.cancel()
	}
	return v, ok, err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, backend Backend) (*LocalStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	st := NewLocalStore(backend, Options{Logger: quietLogger(), Now: clock.Now})
	return st, clock
}

func TestAddConfession_ListedFirstAndByteExact(t *testing.T) {
	ctx := context.Background()
	st, clock := newTestStore(t, NewMemoryBackend())

	_, err := st.AddConfession(ctx, "first")
	require.NoError(t, err)
	clock.Advance(time.Second)

	content := "  ünïcode\n\ttabs & <html> 🙂  "
	c, err := st.AddConfession(ctx, content)
	require.NoError(t, err)
	require.NotNil(t, c.ExpiresAt)
	assert.True(t, clock.Now().Add(DefaultConfessionTTL).Equal(*c.ExpiresAt))

	list := st.ListConfessions(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, c.ID, list[0].ID)
	assert.Equal(t, content, list[0].Content)
	assert.Equal(t, "first", list[1].Content)
}

func TestAddConfession_RejectsBlank(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	st, _ := newTestStore(t, backend)

	for _, in := range []string{"", "   ", "\n\t "} {
		_, err := st.AddConfession(ctx, in)
		require.ErrorIs(t, err, ErrValidation)
	}

	_, ok, err := backend.Get(ctx, KeyConfessions)
	require.NoError(t, err)
	assert.False(t, ok, "rejected input must not touch storage")
}

func TestListConfessions_HidesAndPrunesExpired(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	st, clock := newTestStore(t, backend)

	old, err := st.AddConfession(ctx, "old")
	require.NoError(t, err)
	clock.Advance(12 * time.Hour)
	fresh, err := st.AddConfession(ctx, "fresh")
	require.NoError(t, err)

	clock.Advance(12 * time.Hour) // old hits its expiry instant exactly
	list := st.ListConfessions(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, fresh.ID, list[0].ID)
	for _, c := range list {
		assert.True(t, c.ExpiresAt == nil || c.ExpiresAt.After(clock.Now()))
	}

	blob, ok, err := backend.Get(ctx, KeyConfessions)
	require.NoError(t, err)
	require.True(t, ok)
	stored, err := decodeConfessions(blob)
	require.NoError(t, err)
	require.Len(t, stored, 1, "pruned collection is written back")
	assert.NotEqual(t, old.ID, stored[0].ID)
}

func TestListConfessions_LegacyRowsWithoutExpiryStay(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	require.NoError(t, backend.Set(ctx, KeyConfessions,
		`[{"id":"legacy","content":"from before expiry","createdAt":1000}]`))
	st, clock := newTestStore(t, backend)

	clock.Advance(365 * 24 * time.Hour)
	list := st.ListConfessions(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, "legacy", list[0].ID)
	assert.Nil(t, list[0].ExpiresAt)
}

func TestCreateSecretMessage_Validation(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t, NewMemoryBackend())

	_, err := st.CreateSecretMessage(ctx, " ", time.Hour)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = st.CreateSecretMessage(ctx, "hi", 0)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = st.CreateSecretMessage(ctx, "hi", -time.Hour)
	assert.ErrorIs(t, err, ErrValidation)

	assert.Empty(t, st.ListSecretMessages(ctx))
}

func TestCreateThenGet_PreviewIsNonDestructive(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t, NewMemoryBackend())

	m, err := st.CreateSecretMessage(ctx, "psst", 6*time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, m.ViewToken)

	for i := 0; i < 3; i++ {
		got, ok := st.GetSecretMessage(ctx, m.ID)
		require.True(t, ok)
		assert.False(t, got.Viewed)
		assert.Equal(t, "psst", got.Content)
	}
	require.Len(t, st.ListSecretMessages(ctx), 1)
}

func TestHelloScenario(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t, NewMemoryBackend())

	m, err := st.CreateSecretMessage(ctx, "hello", 24*time.Hour)
	require.NoError(t, err)

	preview, ok := st.GetSecretMessage(ctx, m.ID)
	require.True(t, ok)
	assert.Equal(t, "hello", preview.Content)
	assert.False(t, preview.Viewed)

	revealed, ok, err := st.RevealSecretMessage(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", revealed.Content)
	assert.True(t, revealed.Viewed)

	after, ok := st.GetSecretMessage(ctx, m.ID)
	if ok {
		assert.True(t, after.Viewed)
		assert.Empty(t, after.Content)
	}
	assert.Empty(t, st.ListSecretMessages(ctx))
}

func TestReveal_SecondCallIsContentlessViewed(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t, NewMemoryBackend())

	m, err := st.CreateSecretMessage(ctx, "once", time.Hour)
	require.NoError(t, err)

	first, ok, err := st.RevealSecretMessage(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "once", first.Content)

	for i := 0; i < 3; i++ {
		again, ok, err := st.RevealSecretMessage(ctx, m.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, again.Viewed)
		assert.Empty(t, again.Content)
		assert.Equal(t, m.ID, again.ID)
	}
}

func TestReveal_UnknownID(t *testing.T) {
	st, _ := newTestStore(t, NewMemoryBackend())

	_, ok, err := st.RevealSecretMessage(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiredMessage_AbsentFromGetAndReveal(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	st, clock := newTestStore(t, backend)

	// 0.0001h
	m, err := st.CreateSecretMessage(ctx, "blink", 360*time.Millisecond)
	require.NoError(t, err)

	clock.Advance(360 * time.Millisecond)

	_, ok := st.GetSecretMessage(ctx, m.ID)
	assert.False(t, ok)
	_, ok, err = st.RevealSecretMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	blob, _, err := backend.Get(ctx, KeyMessages)
	require.NoError(t, err)
	stored, err := decodeMessages(blob)
	require.NoError(t, err)
	assert.Empty(t, stored, "expired row is deleted on lookup")
}

func TestReveal_MarkFailureDisclosesNothing(t *testing.T) {
	ctx := context.Background()
	backend := newFlakyBackend()
	st, _ := newTestStore(t, backend)

	m, err := st.CreateSecretMessage(ctx, "guarded", time.Hour)
	require.NoError(t, err)

	backend.failWrites(KeyViewed, true)
	got, ok, err := st.RevealSecretMessage(ctx, m.ID)
	require.ErrorIs(t, err, ErrStorage)
	assert.False(t, ok)
	assert.Empty(t, got.Content)

	backend.failWrites(KeyViewed, false)
	got, ok, err = st.RevealSecretMessage(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "guarded", got.Content)
}

func TestReveal_RowRemovalFailureStillConsumesOnce(t *testing.T) {
	ctx := context.Background()
	backend := newFlakyBackend()
	st, _ := newTestStore(t, backend)

	m, err := st.CreateSecretMessage(ctx, "sticky", time.Hour)
	require.NoError(t, err)

	backend.failWrites(KeyMessages, true)
	first, ok, err := st.RevealSecretMessage(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sticky", first.Content)

	second, ok, err := st.RevealSecretMessage(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, second.Content)

	backend.failWrites(KeyMessages, false)
	assert.Empty(t, st.ListSecretMessages(ctx), "viewed-set hides the row and the next write drops it")

	blob, _, err := backend.Get(ctx, KeyMessages)
	require.NoError(t, err)
	stored, err := decodeMessages(blob)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestReveal_SurvivesCallerCancellation(t *testing.T) {
	backend := &cancelOnRead{MemoryBackend: NewMemoryBackend()}
	st, _ := newTestStore(t, backend)

	m, err := st.CreateSecretMessage(context.Background(), "late", time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	backend.cancel = cancel
	got, ok, err := st.RevealSecretMessage(ctx, m.ID)
	backend.cancel = nil
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "late", got.Content)

	again, ok := st.GetSecretMessage(context.Background(), m.ID)
	require.True(t, ok)
	assert.True(t, again.Viewed)
	assert.Empty(t, again.Content)
	assert.Empty(t, st.ListSecretMessages(context.Background()))
}

func TestConcurrentReveal_ExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStore(t, NewMemoryBackend())

	m, err := st.CreateSecretMessage(ctx, "race", time.Hour)
	require.NoError(t, err)

	const readers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		disclose int
	)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, ok, err := st.RevealSecretMessage(ctx, m.ID)
			if err != nil || !ok {
				return
			}
			if got.Content != "" {
				mu.Lock()
				disclose++
				mu.Unlock()
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			st.SweepExpired(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, disclose)
}

func TestSweepExpired_Idempotent(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	st, clock := newTestStore(t, backend)

	_, err := st.AddConfession(ctx, "c1")
	require.NoError(t, err)
	short, err := st.CreateSecretMessage(ctx, "short", time.Hour)
	require.NoError(t, err)
	_, err = st.CreateSecretMessage(ctx, "long", 48*time.Hour)
	require.NoError(t, err)
	revealed, err := st.CreateSecretMessage(ctx, "seen", 2*time.Hour)
	require.NoError(t, err)
	_, _, err = st.RevealSecretMessage(ctx, revealed.ID)
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)

	stats := st.SweepExpired(ctx)
	assert.Equal(t, SweepStats{Confessions: 1, Messages: 1, Viewed: 1}, stats)
	_, ok := st.GetSecretMessage(ctx, short.ID)
	assert.False(t, ok)

	snapshot := func() map[string]string {
		out := map[string]string{}
		for _, k := range []string{KeyConfessions, KeyMessages, KeyViewed} {
			v, _, err := backend.Get(ctx, k)
			require.NoError(t, err)
			out[k] = v
		}
		return out
	}

	once := snapshot()
	again := st.SweepExpired(ctx)
	assert.Zero(t, again.Total())
	assert.Equal(t, once, snapshot())

	msgs := st.ListSecretMessages(ctx)
	require.Len(t, msgs, 1)
	assert.Equal(t, "long", msgs[0].Content)
}

func TestCorruptStorage_DegradesToEmptyAndRepairs(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	require.NoError(t, backend.Set(ctx, KeyConfessions, "{not json"))
	require.NoError(t, backend.Set(ctx, KeyMessages, `{"version":99,"items":[]}`))
	require.NoError(t, backend.Set(ctx, KeyViewed, "garbage"))
	st, _ := newTestStore(t, backend)

	assert.Empty(t, st.ListConfessions(ctx))
	assert.Empty(t, st.ListSecretMessages(ctx))
	assert.Zero(t, st.SweepExpired(ctx).Total())

	_, err := st.AddConfession(ctx, "repair")
	require.NoError(t, err)
	m, err := st.CreateSecretMessage(ctx, "repair", time.Hour)
	require.NoError(t, err)
	_, ok, err := st.RevealSecretMessage(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, ok)

	for _, k := range []string{KeyConfessions, KeyMessages, KeyViewed} {
		blob, _, err := backend.Get(ctx, k)
		require.NoError(t, err)
		version, _, err := unwrap(blob)
		require.NoError(t, err, k)
		assert.Equal(t, CollectionVersion, version, k)
	}
}

func TestReadFailure_DegradesAndWriteFailureReports(t *testing.T) {
	ctx := context.Background()
	backend := newFlakyBackend()
	st, _ := newTestStore(t, backend)

	_, err := st.AddConfession(ctx, "kept")
	require.NoError(t, err)

	backend.setFailReads(true)
	assert.Empty(t, st.ListConfessions(ctx))
	backend.setFailReads(false)
	assert.Len(t, st.ListConfessions(ctx), 1)

	backend.failWrites(KeyConfessions, true)
	_, err = st.AddConfession(ctx, "lost")
	assert.ErrorIs(t, err, ErrStorage)
	backend.failWrites(KeyConfessions, false)
	assert.Len(t, st.ListConfessions(ctx), 1)
}

func TestReveal_ViewedSetReadFailureKeepsEarlierMarks(t *testing.T) {
	ctx := context.Background()
	backend := newFlakyBackend()
	st, _ := newTestStore(t, backend)

	m1, err := st.CreateSecretMessage(ctx, "secret1", time.Hour)
	require.NoError(t, err)
	m2, err := st.CreateSecretMessage(ctx, "secret2", time.Hour)
	require.NoError(t, err)

	// m1's row survives its reveal; only the viewed mark hides it.
	backend.failWrites(KeyMessages, true)
	first, ok, err := st.RevealSecretMessage(ctx, m1.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "secret1", first.Content)
	backend.failWrites(KeyMessages, false)

	before, _, err := backend.MemoryBackend.Get(ctx, KeyViewed)
	require.NoError(t, err)

	backend.failNextRead(KeyViewed)
	_, _, err = st.RevealSecretMessage(ctx, m2.ID)
	require.ErrorIs(t, err, ErrStorage)

	after, _, err := backend.MemoryBackend.Get(ctx, KeyViewed)
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed read must not rewrite the viewed-set")

	again, ok, err := st.RevealSecretMessage(ctx, m1.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, again.Content)
	assert.True(t, again.Viewed)

	second, ok, err := st.RevealSecretMessage(ctx, m2.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "secret2", second.Content)
}

func TestMutations_ReadFailureLosesNothing(t *testing.T) {
	ctx := context.Background()
	backend := newFlakyBackend()
	st, _ := newTestStore(t, backend)

	for _, c := range []string{"a", "b", "c"} {
		_, err := st.AddConfession(ctx, c)
		require.NoError(t, err)
	}
	for _, c := range []string{"x", "y"} {
		_, err := st.CreateSecretMessage(ctx, c, time.Hour)
		require.NoError(t, err)
	}

	backend.failNextRead(KeyConfessions)
	_, err := st.AddConfession(ctx, "d")
	require.ErrorIs(t, err, ErrStorage)
	assert.Len(t, st.ListConfessions(ctx), 3)

	backend.failNextRead(KeyMessages)
	_, err = st.CreateSecretMessage(ctx, "z", time.Hour)
	require.ErrorIs(t, err, ErrStorage)
	assert.Len(t, st.ListSecretMessages(ctx), 2)

	_, err = st.AddConfession(ctx, "d")
	require.NoError(t, err)
	assert.Len(t, st.ListConfessions(ctx), 4)
}

func TestSweepExpired_SkipsUnreadableCollections(t *testing.T) {
	ctx := context.Background()
	backend := newFlakyBackend()
	st, clock := newTestStore(t, backend)

	_, err := st.AddConfession(ctx, "old")
	require.NoError(t, err)
	_, err = st.CreateSecretMessage(ctx, "old", time.Hour)
	require.NoError(t, err)
	clock.Advance(25 * time.Hour)

	backend.failNextRead(KeyViewed)
	stats := st.SweepExpired(ctx)
	assert.Equal(t, SweepStats{Confessions: 1}, stats)

	assert.Equal(t, SweepStats{Messages: 1}, st.SweepExpired(ctx))
}

func TestLegacyMessages_MigrateOnWrite(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	clock := newFakeClock()
	expires := clock.Now().Add(time.Hour).UnixMilli()
	legacy := `[{"id":"v2msg","content":"old shape","createdAt":1,"expiresAt":` +
		strconv.FormatInt(expires, 10) + `,"viewed":false}]`
	require.NoError(t, backend.Set(ctx, KeyMessages, legacy))
	require.NoError(t, backend.Set(ctx, KeyViewed, `["already-seen"]`))

	st := NewLocalStore(backend, Options{Logger: quietLogger(), Now: clock.Now})

	got, ok := st.GetSecretMessage(ctx, "v2msg")
	require.True(t, ok)
	assert.Equal(t, "old shape", got.Content)
	assert.Empty(t, got.ViewToken)

	seen, ok := st.GetSecretMessage(ctx, "already-seen")
	require.True(t, ok)
	assert.True(t, seen.Viewed)
	assert.True(t, clock.Now().Add(DefaultMaxMessageExpiry).Equal(seen.ExpiresAt))

	_, err := st.CreateSecretMessage(ctx, "new shape", time.Hour)
	require.NoError(t, err)

	blob, _, err := backend.Get(ctx, KeyMessages)
	require.NoError(t, err)
	version, _, err := unwrap(blob)
	require.NoError(t, err)
	assert.Equal(t, CollectionVersion, version)
	msgs, err := decodeMessages(blob)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "new shape", msgs[0].Content)
	assert.Equal(t, "v2msg", msgs[1].ID)
}
