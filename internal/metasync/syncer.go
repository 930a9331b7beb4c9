package metasync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const DefaultDelay = 500 * time.Millisecond

// TitleStore is the metadata store's title writer.
type TitleStore interface {
	UpdateDocumentTitle(ctx context.Context, documentID, title string) error
}

// Indexer is notified after a successful title push.
type Indexer interface {
	Reindex(ctx context.Context, documentID string)
}

type Syncer struct {
	store    TitleStore
	indexer  Indexer
	log      zerolog.Logger
	debounce *Debouncer

	mu    sync.Mutex
	known map[string]string
}

func NewSyncer(ctx context.Context, store TitleStore, indexer Indexer, delay time.Duration, log zerolog.Logger) *Syncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	s := &Syncer{
		store:   store,
		indexer: indexer,
		log:     log.With().Str("component", "metasync").Logger(),
		known:   map[string]string{},
	}
	s.debounce = NewDebouncer(ctx, delay, s.push)
	return s
}

// Remember records the title the metadata store currently holds.
func (s *Syncer) Remember(documentID, title string) {
	s.mu.Lock()
	s.known[documentID] = title
	s.mu.Unlock()
}

// PushTitle schedules a title write. Callers without edit rights are ignored.
func (s *Syncer) PushTitle(documentID, title string, canEdit bool) {
	if !canEdit {
		return
	}
	s.debounce.Push(documentID, title)
}

func (s *Syncer) push(ctx context.Context, documentID, title string) {
	s.mu.Lock()
	known, seen := s.known[documentID]
	s.mu.Unlock()
	if seen && known == title {
		return
	}

	if err := s.store.UpdateDocumentTitle(ctx, documentID, title); err != nil {
		s.log.Error().Err(err).Str("document_id", documentID).Msg("title sync failed")
		return
	}
	s.Remember(documentID, title)
	s.log.Debug().Str("document_id", documentID).Msg("title synced")
	if s.indexer != nil {
		s.indexer.Reindex(ctx, documentID)
	}
}

func (s *Syncer) Close() {
	s.debounce.Flush()
}
