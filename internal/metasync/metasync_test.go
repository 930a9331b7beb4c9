package metasync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pushRecord struct {
	documentID string
	title      string
}

type fakeTitleStore struct {
	mu     sync.Mutex
	pushes []pushRecord
	err    error
	block  chan struct{}
}

func (f *fakeTitleStore) UpdateDocumentTitle(_ context.Context, documentID, title string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, pushRecord{documentID, title})
	return f.err
}

func (f *fakeTitleStore) snapshot() []pushRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pushRecord(nil), f.pushes...)
}

type fakeIndexer struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIndexer) Reindex(_ context.Context, documentID string) {
	f.mu.Lock()
	f.ids = append(f.ids, documentID)
	f.mu.Unlock()
}

const testDelay = 50 * time.Millisecond

func TestRapidInputsYieldOnePushWithFinalValue(t *testing.T) {
	store := &fakeTitleStore{}
	indexer := &fakeIndexer{}
	s := NewSyncer(context.Background(), store, indexer, testDelay, zerolog.Nop())
	defer s.Close()

	s.PushTitle("doc_1", "F", true)
	time.Sleep(testDelay / 5)
	s.PushTitle("doc_1", "Fr", true)
	time.Sleep(testDelay / 5)
	s.PushTitle("doc_1", "Fractions", true)

	assert.Empty(t, store.snapshot(), "nothing is pushed before the quiet period")

	require.Eventually(t, func() bool { return len(store.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(2 * testDelay)
	assert.Equal(t, []pushRecord{{"doc_1", "Fractions"}}, store.snapshot())
	assert.Equal(t, []string{"doc_1"}, indexer.ids)
}

func TestPushTitleRequiresEditRights(t *testing.T) {
	store := &fakeTitleStore{}
	s := NewSyncer(context.Background(), store, nil, testDelay, zerolog.Nop())

	s.PushTitle("doc_1", "Nope", false)
	time.Sleep(3 * testDelay)
	s.Close()
	assert.Empty(t, store.snapshot())
}

func TestPushTitleSkipsUnchangedValue(t *testing.T) {
	store := &fakeTitleStore{}
	s := NewSyncer(context.Background(), store, nil, testDelay, zerolog.Nop())
	s.Remember("doc_1", "Fractions")

	s.PushTitle("doc_1", "Fractions", true)
	time.Sleep(3 * testDelay)
	s.Close()
	assert.Empty(t, store.snapshot())
}

func TestPushFailureIsSwallowedWithoutRetry(t *testing.T) {
	store := &fakeTitleStore{err: errors.New("store down")}
	indexer := &fakeIndexer{}
	s := NewSyncer(context.Background(), store, indexer, testDelay, zerolog.Nop())

	s.PushTitle("doc_1", "Fractions", true)
	require.Eventually(t, func() bool { return len(store.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(3 * testDelay)
	s.Close()

	assert.Len(t, store.snapshot(), 1)
	assert.Empty(t, indexer.ids)
}

func TestInputDuringWriteSchedulesOneFollowUp(t *testing.T) {
	var mu sync.Mutex
	var writes []string
	release := make(chan struct{})
	started := make(chan struct{}, 4)

	d := NewDebouncer(context.Background(), testDelay, func(_ context.Context, key, value string) {
		started <- struct{}{}
		if value == "first" {
			<-release
		}
		mu.Lock()
		writes = append(writes, value)
		mu.Unlock()
	})

	d.Push("k", "first")
	<-started

	d.Push("k", "second")
	d.Push("k", "third")
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(writes) == 2
	}, time.Second, 5*time.Millisecond)
	time.Sleep(2 * testDelay)
	d.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "third"}, writes)
}

func TestKeysDebounceIndependently(t *testing.T) {
	store := &fakeTitleStore{}
	s := NewSyncer(context.Background(), store, nil, testDelay, zerolog.Nop())
	defer s.Close()

	s.PushTitle("doc_1", "One", true)
	s.PushTitle("doc_2", "Two", true)

	require.Eventually(t, func() bool { return len(store.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []pushRecord{{"doc_1", "One"}, {"doc_2", "Two"}}, store.snapshot())
}

func TestStaleTimerCallbackIsIgnored(t *testing.T) {
	var mu sync.Mutex
	var writes []string
	d := NewDebouncer(context.Background(), testDelay, func(_ context.Context, _, value string) {
		mu.Lock()
		writes = append(writes, value)
		mu.Unlock()
	})
	defer d.Flush()

	d.Push("k", "first")
	d.mu.Lock()
	stale := d.slots["k"].gen
	d.mu.Unlock()
	d.Push("k", "second")

	// A callback from the replaced timer that ran before it could be stopped.
	d.fire("k", stale)
	mu.Lock()
	assert.Empty(t, writes)
	mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(writes) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(2 * testDelay)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"second"}, writes)
}
