package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"lessonplan/api/internal/auth"
	"lessonplan/api/internal/directory"
	"lessonplan/api/internal/export"
	"lessonplan/api/internal/history"
	"lessonplan/api/internal/metasync"
	"lessonplan/api/internal/rbac"
	"lessonplan/api/internal/room"
	"lessonplan/api/internal/search"
	"lessonplan/api/internal/store"
	"lessonplan/api/internal/util"
)

const defaultTitle = "Untitled lesson plan"

type documentStore interface {
	CreateDocument(context.Context, store.DocumentMetadata) (store.DocumentMetadata, error)
	GetDocument(context.Context, string) (store.DocumentMetadata, error)
	ListAccess(context.Context, string) ([]store.AccessEntry, error)
	TouchConnection(context.Context, string) error
	GrantAccess(context.Context, string, string, []rbac.Capability) error
	RevokeAccess(context.Context, string, string) error
	DeleteDocument(context.Context, string) error
	Ping(context.Context) error
}

type historyStore interface {
	CommitSnapshot(documentID string, content history.Content, author, message string) (history.Commit, bool, error)
	History(documentID string, limit int) ([]history.Commit, error)
	Remove(documentID string) error
}

type searchIndex interface {
	Reindex(ctx context.Context, documentID string)
	Remove(documentID string)
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type identityVerifier interface {
	FromRequest(r *http.Request) (auth.Identity, error)
}

// Deps are the collaborators a Service is built from. Search and Exporter may
// be nil.
type Deps struct {
	Store       documentStore
	Redis       *redis.Client
	Rooms       *room.Service
	Directory   *directory.Service
	Titles      *metasync.Syncer
	History     historyStore
	Search      searchIndex
	Exporter    exporter
	Verifier    identityVerifier
	GrantSecret []byte
	GrantTTL    time.Duration
	Log         zerolog.Logger
}

type Service struct {
	store       documentStore
	rdb         *redis.Client
	rooms       *room.Service
	directory   *directory.Service
	titles      *metasync.Syncer
	history     historyStore
	search      searchIndex
	exporter    exporter
	verifier    identityVerifier
	grantSecret []byte
	grantTTL    time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

func New(deps Deps) *Service {
	ttl := deps.GrantTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		store:       deps.Store,
		rdb:         deps.Redis,
		rooms:       deps.Rooms,
		directory:   deps.Directory,
		titles:      deps.Titles,
		history:     deps.History,
		search:      deps.Search,
		exporter:    deps.Exporter,
		verifier:    deps.Verifier,
		grantSecret: deps.GrantSecret,
		grantTTL:    ttl,
		log:         deps.Log,
		now:         time.Now,
	}
}

// Ping reports the health of each backing store keyed by name.
func (s *Service) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.rdb != nil {
		checks["redis"] = s.rdb.Ping(ctx).Err()
	}
	return checks
}

func (s *Service) Identify(r *http.Request) (auth.Identity, error) {
	if s.verifier == nil {
		return auth.Identity{}, errUnauthorized
	}
	id, err := s.verifier.FromRequest(r)
	if err != nil {
		return auth.Identity{}, errUnauthorized
	}
	return id, nil
}

// authorize loads a document and checks that userID may perform action on it.
func (s *Service) authorize(ctx context.Context, userID, documentID string, action rbac.Action) (store.DocumentMetadata, []rbac.Capability, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if store.IsNotFound(err) {
			return store.DocumentMetadata{}, nil, domainError(http.StatusNotFound, "NOT_FOUND", "Document not found", nil)
		}
		return store.DocumentMetadata{}, nil, err
	}
	caps := doc.AccessFor(userID)
	if !rbac.Can(caps, action) {
		s.log.Info().
			Str("user_id", userID).
			Str("document_id", documentID).
			Str("action", string(action)).
			Msg("access denied")
		return store.DocumentMetadata{}, nil, errForbidden
	}
	return doc, caps, nil
}

func (s *Service) requireOwner(ctx context.Context, userID, documentID string) (store.DocumentMetadata, error) {
	doc, _, err := s.authorize(ctx, userID, documentID, rbac.ActionRead)
	if err != nil {
		return store.DocumentMetadata{}, err
	}
	if doc.CreatorID != userID {
		return store.DocumentMetadata{}, domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can do this", nil)
	}
	return doc, nil
}

func presenceUser(id auth.Identity) room.PresenceUser {
	name := strings.TrimSpace(id.Name)
	if name == "" {
		name = id.Email
	}
	if name == "" {
		name = id.UserID
	}
	return room.PresenceUser{
		ID:     id.UserID,
		Name:   name,
		Color:  util.ColorFor(id.UserID),
		Avatar: id.AvatarURL,
	}
}

// openRoom attaches to the document's room, seeding it from the metadata
// record on its first open.
func (s *Service) openRoom(ctx context.Context, doc store.DocumentMetadata, caller auth.Identity) (*room.Handle, error) {
	handle, err := s.rooms.Open(ctx, doc.ID, doc.Title, doc.CreatorID, presenceUser(caller))
	if err != nil {
		return nil, err
	}
	s.titles.Remember(doc.ID, doc.Title)
	return handle, nil
}

func (s *Service) CreateDocument(ctx context.Context, caller auth.Identity, title string) (store.DocumentMetadata, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultTitle
	}
	if len(title) > 200 {
		return store.DocumentMetadata{}, validationError("title must be at most 200 characters")
	}

	doc, err := s.store.CreateDocument(ctx, store.DocumentMetadata{
		ID:        util.NewID("doc"),
		CreatorID: caller.UserID,
		Email:     caller.Email,
		Title:     title,
	})
	if err != nil {
		return store.DocumentMetadata{}, fmt.Errorf("create document: %w", err)
	}
	if _, err := s.openRoom(ctx, doc, caller); err != nil {
		return store.DocumentMetadata{}, fmt.Errorf("seed room: %w", err)
	}
	s.reindex(ctx, doc.ID)
	s.log.Info().Str("document_id", doc.ID).Str("user_id", caller.UserID).Msg("document created")
	return doc, nil
}

func (s *Service) DeleteDocument(ctx context.Context, caller auth.Identity, documentID string) error {
	if _, err := s.requireOwner(ctx, caller.UserID, documentID); err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if err := s.rooms.Destroy(ctx, documentID); err != nil {
		s.log.Warn().Err(err).Str("document_id", documentID).Msg("destroy room failed")
	}
	if err := s.history.Remove(documentID); err != nil {
		s.log.Warn().Err(err).Str("document_id", documentID).Msg("remove history failed")
	}
	if s.search != nil {
		s.search.Remove(documentID)
	}
	return nil
}

func (s *Service) ListAccess(ctx context.Context, caller auth.Identity, documentID string) ([]store.AccessEntry, error) {
	if _, err := s.requireOwner(ctx, caller.UserID, documentID); err != nil {
		return nil, err
	}
	return s.store.ListAccess(ctx, documentID)
}

func (s *Service) GrantAccess(ctx context.Context, caller auth.Identity, documentID, userID string, capabilities []string) error {
	doc, err := s.requireOwner(ctx, caller.UserID, documentID)
	if err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return validationError("userId is required")
	}
	if userID == doc.CreatorID {
		return validationError("the owner's access cannot be changed")
	}
	caps := rbac.Normalize(capabilities)
	if len(caps) == 0 {
		return validationError("capabilities must include room:write, room:read or room:presence:write")
	}
	if err := s.store.GrantAccess(ctx, documentID, userID, caps); err != nil {
		return err
	}
	s.reindex(ctx, documentID)
	return nil
}

func (s *Service) RevokeAccess(ctx context.Context, caller auth.Identity, documentID, userID string) error {
	doc, err := s.requireOwner(ctx, caller.UserID, documentID)
	if err != nil {
		return err
	}
	if userID == doc.CreatorID {
		return validationError("the owner's access cannot be changed")
	}
	if err := s.store.RevokeAccess(ctx, documentID, userID); err != nil {
		return err
	}
	s.reindex(ctx, documentID)
	return nil
}

func (s *Service) ListDocuments(ctx context.Context, caller auth.Identity) (directory.Listing, error) {
	return s.directory.ListDocuments(ctx, caller.UserID)
}

func (s *Service) SearchDocuments(ctx context.Context, caller auth.Identity, q string, limit int) (search.Response, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return search.Response{}, validationError("q is required")
	}
	return s.directory.Search(ctx, caller.UserID, q, limit), nil
}

// Room opens the caller's view of a document's room after checking that they
// may perform action on it. The returned flag reports edit rights.
func (s *Service) Room(ctx context.Context, caller auth.Identity, documentID string, action rbac.Action) (*room.Handle, bool, error) {
	doc, caps, err := s.authorize(ctx, caller.UserID, documentID, action)
	if err != nil {
		return nil, false, err
	}
	handle, err := s.openRoom(ctx, doc, caller)
	if err != nil {
		return nil, false, err
	}
	return handle, rbac.Can(caps, rbac.ActionWrite), nil
}

func (s *Service) RoomSnapshot(ctx context.Context, caller auth.Identity, documentID string) (room.Snapshot, error) {
	handle, _, err := s.Room(ctx, caller, documentID, rbac.ActionRead)
	if err != nil {
		return room.Snapshot{}, err
	}
	return handle.Snapshot(ctx)
}

// UpdateLessonPlan applies patch and feeds a title change into metadata sync.
func (s *Service) UpdateLessonPlan(ctx context.Context, handle *room.Handle, patch room.LessonPlanPatch, canEdit bool) error {
	if patch.Title != nil && len(*patch.Title) > 200 {
		return validationError("title must be at most 200 characters")
	}
	if err := handle.UpdateLessonPlan(ctx, patch); err != nil {
		return err
	}
	if patch.Title != nil {
		s.titles.PushTitle(handle.RoomID(), *patch.Title, canEdit)
	}
	return nil
}

func (s *Service) History(ctx context.Context, caller auth.Identity, documentID string, limit int) ([]history.Commit, error) {
	if _, _, err := s.authorize(ctx, caller.UserID, documentID, rbac.ActionRead); err != nil {
		return nil, err
	}
	commits, err := s.history.History(documentID, limit)
	if errors.Is(err, history.ErrNoHistory) {
		return []history.Commit{}, nil
	}
	return commits, err
}

// SaveVersion commits the current room state to the document's history.
func (s *Service) SaveVersion(ctx context.Context, caller auth.Identity, documentID, message string) (history.Commit, bool, error) {
	handle, _, err := s.Room(ctx, caller, documentID, rbac.ActionWrite)
	if err != nil {
		return history.Commit{}, false, err
	}
	if strings.TrimSpace(message) == "" {
		message = "Saved version"
	}
	return s.commitRoom(ctx, handle, caller, message)
}

func (s *Service) commitRoom(ctx context.Context, handle *room.Handle, author auth.Identity, message string) (history.Commit, bool, error) {
	content, err := NewRoomContent(s.rooms).Current(ctx, handle.RoomID())
	if err != nil {
		return history.Commit{}, false, err
	}
	name := presenceUser(author).Name
	return s.history.CommitSnapshot(handle.RoomID(), content, name, message)
}

func (s *Service) Export(ctx context.Context, caller auth.Identity, documentID, format, version string) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	parsed, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(format)))
	if err != nil {
		return nil, validationError("format must be html, pdf or docx")
	}
	if _, _, err := s.authorize(ctx, caller.UserID, documentID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, export.Request{
		DocumentID: documentID,
		Version:    strings.TrimSpace(version),
		Format:     parsed,
		Author:     presenceUser(caller).Name,
	})
}

// IssueRoomGrant hands a signed-in caller with access to roomID a grant with
// full access to that room.
func (s *Service) IssueRoomGrant(ctx context.Context, caller auth.Identity, roomID string) (string, auth.GrantClaims, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return "", auth.GrantClaims{}, validationError("room is required")
	}
	if _, _, err := s.authorize(ctx, caller.UserID, roomID, rbac.ActionRead); err != nil {
		return "", auth.GrantClaims{}, err
	}
	claims := auth.GrantClaims{
		Sub:   caller.UserID,
		Name:  presenceUser(caller).Name,
		Room:  roomID,
		Perms: rbac.Strings(rbac.FullAccess()),
		JTI:   util.NewID("grant"),
		Exp:   s.now().Add(s.grantTTL).Unix(),
	}
	token, err := auth.IssueGrant(s.grantSecret, claims)
	if err != nil {
		return "", auth.GrantClaims{}, err
	}
	return token, claims, nil
}

func (s *Service) reindex(ctx context.Context, documentID string) {
	if s.search != nil {
		s.search.Reindex(ctx, documentID)
	}
}

// RoomContent reads the live lesson plan of a room for export and history.
type RoomContent struct {
	rooms *room.Service
}

func NewRoomContent(rooms *room.Service) RoomContent {
	return RoomContent{rooms: rooms}
}

func (c RoomContent) Current(ctx context.Context, documentID string) (history.Content, error) {
	handle := c.rooms.Attach(documentID, room.PresenceUser{})
	plan, err := handle.LessonPlan(ctx)
	if err != nil {
		return history.Content{}, err
	}
	bloqs, err := handle.Bloqs(ctx)
	if err != nil {
		return history.Content{}, err
	}
	settings, err := handle.Settings(ctx)
	if err != nil {
		return history.Content{}, err
	}
	return history.Content{Plan: plan, Bloqs: bloqs, Settings: settings}, nil
}
