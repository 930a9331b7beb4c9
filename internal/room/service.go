// Package room binds each lesson plan to shared state in Redis: the plan hash,
// the ordered bloq sequence, settings, and per-connection presence. Writers
// never lock; concurrent writes to the same field resolve last-writer-wins.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"lessonplan/api/internal/util"
)

const DefaultPresenceTTL = 30 * time.Second

type Service struct {
	rdb         *redis.Client
	log         zerolog.Logger
	now         func() time.Time
	presenceTTL time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPresenceTTL overrides DefaultPresenceTTL. Non-positive values are ignored.
func WithPresenceTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.presenceTTL = ttl
		}
	}
}

func NewService(rdb *redis.Client, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		rdb:         rdb,
		log:         log.With().Str("component", "room").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
		presenceTTL: DefaultPresenceTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PresenceTTL is how long a presence survives without a heartbeat.
func (s *Service) PresenceTTL() time.Duration { return s.presenceTTL }

type keys struct {
	seeded   string
	plan     string
	seq      string
	presence string
	settings string
	events   string
	prefix   string
}

func roomKeys(roomID string) keys {
	prefix := "room:" + roomID + ":"
	return keys{
		seeded:   prefix + "seeded",
		plan:     prefix + "plan",
		seq:      prefix + "seq",
		presence: prefix + "presence",
		settings: prefix + "settings",
		events:   prefix + "events",
		prefix:   prefix,
	}
}

func (k keys) bloq(id string) string { return k.prefix + "bloq:" + id }
func (k keys) alive(conn string) string { return k.prefix + "alive:" + conn }

// Open seeds the room on its first open and attaches to it otherwise. The
// returned handle owns a fresh connection id for presence. Seeding writes the
// marker and every plan field in one transaction, and plan fields are only
// set when absent, so a room left partially seeded is repaired on next open.
func (s *Service) Open(ctx context.Context, documentID, initialTitle, creatorID string, user PresenceUser) (*Handle, error) {
	k := roomKeys(documentID)
	now := s.now()
	plan := LessonPlan{
		Title:     initialTitle,
		CreatedAt: now,
		UpdatedAt: now,
		CreatorID: creatorID,
	}

	var marker *redis.BoolCmd
	repaired := 0
	fields := make([]*redis.BoolCmd, 0, 5)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		marker = pipe.SetNX(ctx, k.seeded, formatTime(now), 0)
		for field, value := range planFields(plan) {
			fields = append(fields, pipe.HSetNX(ctx, k.plan, field, value))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seed room %s: %w", documentID, err)
	}
	for _, cmd := range fields {
		if cmd.Val() {
			repaired++
		}
	}
	switch {
	case marker.Val():
		s.log.Info().Str("room", documentID).Msg("room seeded")
	case repaired > 0:
		s.log.Warn().Str("room", documentID).Int("fields", repaired).Msg("partially seeded room repaired")
	}
	return s.Attach(documentID, user), nil
}

// Attach returns a handle without seeding. Mutations through it fail with
// ErrNotReady until the room has been opened once.
func (s *Service) Attach(documentID string, user PresenceUser) *Handle {
	return &Handle{
		svc:    s,
		roomID: documentID,
		connID: util.NewID("conn"),
		user:   user,
		keys:   roomKeys(documentID),
	}
}

// Destroy drops every key of the room.
func (s *Service) Destroy(ctx context.Context, documentID string) error {
	k := roomKeys(documentID)
	ids, err := s.rdb.LRange(ctx, k.seq, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list bloqs: %w", err)
	}
	del := []string{k.seeded, k.plan, k.seq, k.presence, k.settings}
	for _, id := range ids {
		del = append(del, k.bloq(id))
	}
	// Bloq hashes that fell out of the sequence and leftover alive keys.
	iter := s.rdb.Scan(ctx, 0, k.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		del = append(del, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan room keys: %w", err)
	}
	if err := s.rdb.Del(ctx, del...).Err(); err != nil {
		return fmt.Errorf("destroy room %s: %w", documentID, err)
	}
	return nil
}

type Handle struct {
	svc    *Service
	roomID string
	connID string
	user   PresenceUser
	keys   keys
}

func (h *Handle) RoomID() string { return h.roomID }
func (h *Handle) ConnectionID() string { return h.connID }

func (h *Handle) Ready(ctx context.Context) (bool, error) {
	if h == nil || h.svc == nil {
		return false, nil
	}
	n, err := h.svc.rdb.Exists(ctx, h.keys.seeded).Result()
	if err != nil {
		return false, fmt.Errorf("check room seeded: %w", err)
	}
	return n == 1, nil
}

func (h *Handle) LessonPlan(ctx context.Context) (LessonPlan, error) {
	fields, err := h.svc.rdb.HGetAll(ctx, h.keys.plan).Result()
	if err != nil {
		return LessonPlan{}, fmt.Errorf("read lesson plan: %w", err)
	}
	if len(fields) == 0 {
		return LessonPlan{}, ErrNotReady
	}
	return decodePlan(fields), nil
}

// Bloqs returns the sequence sorted by order value. Gaps are allowed and ties
// keep sequence position.
func (h *Handle) Bloqs(ctx context.Context) ([]Bloq, error) {
	ids, err := h.svc.rdb.LRange(ctx, h.keys.seq, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read bloq sequence: %w", err)
	}
	if len(ids) == 0 {
		return []Bloq{}, nil
	}

	pipe := h.svc.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, h.keys.bloq(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read bloqs: %w", err)
	}

	bloqs := make([]Bloq, 0, len(ids))
	for _, cmd := range cmds {
		if b, ok := decodeBloq(cmd.Val()); ok {
			bloqs = append(bloqs, b)
		}
	}
	sort.SliceStable(bloqs, func(i, j int) bool { return bloqs[i].Order < bloqs[j].Order })
	return bloqs, nil
}

func (h *Handle) Settings(ctx context.Context) (Settings, error) {
	fields, err := h.svc.rdb.HGetAll(ctx, h.keys.settings).Result()
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	return Settings(fields), nil
}

func (h *Handle) Snapshot(ctx context.Context) (Snapshot, error) {
	plan, err := h.LessonPlan(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	bloqs, err := h.Bloqs(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	settings, err := h.Settings(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	others, err := h.Others(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Plan: plan, Bloqs: bloqs, Settings: settings, Others: others}, nil
}

// Subscribe streams room events until ctx is cancelled. The subscription is
// active when Subscribe returns.
func (h *Handle) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := h.svc.rdb.Subscribe(ctx, h.keys.events)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe room %s: %w", h.roomID, err)
	}

	out := make(chan Event, 32)
	go func() {
		defer close(out)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					h.svc.log.Warn().Err(err).Str("room", h.roomID).Msg("drop malformed room event")
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (h *Handle) publish(ctx context.Context, eventType EventType, bloqID string) {
	event := Event{
		Type:         eventType,
		RoomID:       h.roomID,
		BloqID:       bloqID,
		ConnectionID: h.connID,
		At:           h.svc.now(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := h.svc.rdb.Publish(ctx, h.keys.events, payload).Err(); err != nil {
		h.svc.log.Warn().Err(err).Str("room", h.roomID).Str("event", string(eventType)).Msg("publish room event failed")
	}
}
