package room

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotReady is returned when a room has not been seeded yet.
	ErrNotReady     = errors.New("room not ready")
	ErrBloqNotFound = errors.New("bloq not found")
	ErrInvalidKind  = errors.New("invalid bloq kind")
)

type BloqKind string

const (
	KindText       BloqKind = "text"
	KindObjective  BloqKind = "objective"
	KindActivity   BloqKind = "activity"
	KindAssessment BloqKind = "assessment"
	KindResource   BloqKind = "resource"
	KindReflection BloqKind = "reflection"
)

var kinds = map[BloqKind]struct{}{
	KindText:       {},
	KindObjective:  {},
	KindActivity:   {},
	KindAssessment: {},
	KindResource:   {},
	KindReflection: {},
}

func ParseKind(value string) (BloqKind, error) {
	kind := BloqKind(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := kinds[kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, value)
	}
	return kind, nil
}

type LessonPlan struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	CreatorID   string    `json:"creatorId"`
}

// LessonPlanPatch carries only the fields to overwrite.
type LessonPlanPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

type Bloq struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Type      BloqKind  `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Order     int       `json:"order"`
	Content   string    `json:"content"`
}

type BloqPatch struct {
	Title   *string   `json:"title,omitempty"`
	Type    *BloqKind `json:"type,omitempty"`
	Content *string   `json:"content,omitempty"`
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type PresenceUser struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	Avatar string `json:"avatar,omitempty"`
}

type Presence struct {
	ConnectionID string       `json:"connectionId"`
	Cursor       *Cursor      `json:"cursor"`
	ActiveBloqID *string      `json:"activeBloqId"`
	User         PresenceUser `json:"user"`
}

// PresenceUpdate replaces the cursor and active bloq of the caller's presence.
type PresenceUpdate struct {
	Cursor       *Cursor `json:"cursor"`
	ActiveBloqID *string `json:"activeBloqId"`
}

type Settings map[string]string

type Snapshot struct {
	Plan     LessonPlan `json:"lessonPlan"`
	Bloqs    []Bloq     `json:"bloqs"`
	Settings Settings   `json:"settings"`
	Others   []Presence `json:"others,omitempty"`
}

type EventType string

const (
	EventPlanUpdated     EventType = "plan.updated"
	EventBloqAdded       EventType = "bloq.added"
	EventBloqUpdated     EventType = "bloq.updated"
	EventBloqRemoved     EventType = "bloq.removed"
	EventBloqMoved       EventType = "bloq.moved"
	EventSettingsUpdated EventType = "settings.updated"
	EventPresenceUpdated EventType = "presence.updated"
	EventPresenceLeft    EventType = "presence.left"
)

// Event is what a room publishes after each change. Subscribers re-read the
// affected part of the state.
type Event struct {
	Type         EventType `json:"type"`
	RoomID       string    `json:"roomId"`
	BloqID       string    `json:"bloqId,omitempty"`
	ConnectionID string    `json:"connectionId,omitempty"`
	At           time.Time `json:"at"`
}
