// Package directory lists the lesson plans a user can open, split into the
// ones they own and the ones shared with them.
package directory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"lessonplan/api/internal/identity"
	"lessonplan/api/internal/rbac"
	"lessonplan/api/internal/search"
	"lessonplan/api/internal/store"
)

type DocumentStore interface {
	ListAccessibleDocuments(ctx context.Context, userID string) ([]store.DocumentMetadata, error)
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type DocumentSummary struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	CreatorID    string            `json:"creatorId"`
	OwnerName    string            `json:"ownerName"`
	OwnerAvatar  string            `json:"ownerAvatar,omitempty"`
	LastActivity time.Time         `json:"lastActivity"`
	Capabilities []rbac.Capability `json:"capabilities"`
	CanEdit      bool              `json:"canEdit"`
}

type Listing struct {
	Mine   []DocumentSummary `json:"mine"`
	Shared []DocumentSummary `json:"shared"`
	Viewer identity.Profile  `json:"viewer"`
}

type Service struct {
	store    DocumentStore
	profiles identity.Lookup
	search   Searcher
	now      func() time.Time
	log      zerolog.Logger
}

func NewService(store DocumentStore, profiles identity.Lookup, searcher Searcher, now func() time.Time, log zerolog.Logger) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    store,
		profiles: profiles,
		search:   searcher,
		now:      now,
		log:      log.With().Str("component", "directory").Logger(),
	}
}

func (s *Service) ListDocuments(ctx context.Context, userID string) (Listing, error) {
	docs, err := s.store.ListAccessibleDocuments(ctx, userID)
	if err != nil {
		return Listing{}, fmt.Errorf("list documents: %w", err)
	}

	ids := []string{userID}
	for _, doc := range docs {
		ids = append(ids, doc.CreatorID)
	}
	profiles := s.lookup(ctx, ids)

	now := s.now()
	listing := Listing{
		Mine:   []DocumentSummary{},
		Shared: []DocumentSummary{},
		Viewer: profileOr(profiles, userID, ""),
	}
	for _, doc := range docs {
		summary := summarize(doc, userID, profileOr(profiles, doc.CreatorID, doc.Email), now)
		if doc.CreatorID == userID {
			listing.Mine = append(listing.Mine, summary)
		} else {
			listing.Shared = append(listing.Shared, summary)
		}
	}
	sortByActivity(listing.Mine)
	sortByActivity(listing.Shared)
	return listing, nil
}

// Search returns the user's accessible documents matching q.
func (s *Service) Search(ctx context.Context, userID, q string, limit int) search.Response {
	return s.search.Search(ctx, search.Query{Text: q, UserID: userID, Limit: limit})
}

func (s *Service) lookup(ctx context.Context, ids []string) map[string]identity.Profile {
	if s.profiles == nil {
		return nil
	}
	profiles, err := s.profiles.LookupUsers(ctx, ids)
	if err != nil {
		s.log.Warn().Err(err).Int("ids", len(ids)).Msg("profile lookup failed, falling back to stored emails")
	}
	return profiles
}

func profileOr(profiles map[string]identity.Profile, id, email string) identity.Profile {
	if p, ok := profiles[id]; ok {
		return p
	}
	return identity.Profile{ID: id, Email: email}
}

func summarize(doc store.DocumentMetadata, userID string, owner identity.Profile, now time.Time) DocumentSummary {
	caps := doc.AccessFor(userID)
	if caps == nil {
		caps = []rbac.Capability{}
	}
	return DocumentSummary{
		ID:           doc.ID,
		Title:        doc.Title,
		CreatorID:    doc.CreatorID,
		OwnerName:    owner.DisplayName(),
		OwnerAvatar:  owner.AvatarURL,
		LastActivity: lastActivity(doc, now),
		Capabilities: caps,
		CanEdit:      rbac.Can(caps, rbac.ActionWrite),
	}
}

// lastActivity is the last connection time, else creation time, else now.
func lastActivity(doc store.DocumentMetadata, now time.Time) time.Time {
	if doc.LastConnectionAt != nil && !doc.LastConnectionAt.IsZero() {
		return *doc.LastConnectionAt
	}
	if !doc.CreatedAt.IsZero() {
		return doc.CreatedAt
	}
	return now
}

func sortByActivity(docs []DocumentSummary) {
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].LastActivity.After(docs[j].LastActivity)
	})
}
