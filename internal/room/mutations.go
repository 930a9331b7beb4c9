package room

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// requireReady logs and rejects mutations against a room that was never
// seeded. Callers should not mutate before the room reports ready.
func (h *Handle) requireReady(ctx context.Context, op string) error {
	ready, err := h.Ready(ctx)
	if err != nil {
		return err
	}
	if !ready {
		h.svc.log.Warn().Str("room", h.roomID).Str("op", op).Msg("mutation on uninitialized room dropped")
		return ErrNotReady
	}
	return nil
}

const maxTxAttempts = 5

// watch runs fn under WATCH on keys, retrying when a concurrent writer touched
// them before EXEC.
func (h *Handle) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := h.svc.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return redis.TxFailedErr
}

// AddBloq appends a bloq whose order is the current sequence length.
func (h *Handle) AddBloq(ctx context.Context, kind BloqKind) (Bloq, error) {
	if _, ok := kinds[kind]; !ok {
		return Bloq{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if err := h.requireReady(ctx, "add_bloq"); err != nil {
		return Bloq{}, err
	}

	now := h.svc.now()
	bloq := Bloq{
		ID:        uuid.NewString(),
		Type:      kind,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := h.watch(ctx, func(tx *redis.Tx) error {
		length, err := tx.LLen(ctx, h.keys.seq).Result()
		if err != nil {
			return err
		}
		bloq.Order = int(length)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, h.keys.bloq(bloq.ID), bloqFields(bloq))
			pipe.RPush(ctx, h.keys.seq, bloq.ID)
			return nil
		})
		return err
	}, h.keys.seq)
	if err != nil {
		return Bloq{}, fmt.Errorf("add bloq: %w", err)
	}
	h.publish(ctx, EventBloqAdded, bloq.ID)
	return bloq, nil
}

// UpdateBloq overwrites only the supplied fields. An unknown id is a no-op.
func (h *Handle) UpdateBloq(ctx context.Context, id string, patch BloqPatch) error {
	if patch.Type != nil {
		if _, ok := kinds[*patch.Type]; !ok {
			return fmt.Errorf("%w: %q", ErrInvalidKind, *patch.Type)
		}
	}
	if err := h.requireReady(ctx, "update_bloq"); err != nil {
		return err
	}
	fields := map[string]any{"updatedAt": formatTime(h.svc.now())}
	if patch.Title != nil {
		fields["title"] = *patch.Title
	}
	if patch.Type != nil {
		fields["type"] = string(*patch.Type)
	}
	if patch.Content != nil {
		fields["content"] = *patch.Content
	}
	// The existence check and the write share one WATCH so a concurrent
	// removal cannot leave a hash outside the sequence.
	key := h.keys.bloq(id)
	found := false
	err := h.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		found = exists == 1
		if !found {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("update bloq: %w", err)
	}
	if !found {
		h.svc.log.Debug().Str("room", h.roomID).Str("bloq", id).Msg("update of unknown bloq ignored")
		return nil
	}
	h.publish(ctx, EventBloqUpdated, id)
	return nil
}

// RemoveBloq deletes by id. Remaining order values are left as they are.
func (h *Handle) RemoveBloq(ctx context.Context, id string) error {
	if err := h.requireReady(ctx, "remove_bloq"); err != nil {
		return err
	}
	var removed *redis.IntCmd
	_, err := h.svc.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.LRem(ctx, h.keys.seq, 0, id)
		pipe.Del(ctx, h.keys.bloq(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove bloq: %w", err)
	}
	if removed.Val() == 0 {
		return nil
	}
	h.publish(ctx, EventBloqRemoved, id)
	return nil
}

// MoveBloq places id at index in the sequence and renumbers every bloq to
// its new position. An unknown id is a no-op.
func (h *Handle) MoveBloq(ctx context.Context, id string, index int) error {
	if err := h.requireReady(ctx, "move_bloq"); err != nil {
		return err
	}
	found := false
	err := h.watch(ctx, func(tx *redis.Tx) error {
		bloqs, err := h.Bloqs(ctx)
		if err != nil {
			return err
		}
		from, err := indexOf(bloqs, id)
		if err != nil {
			found = false
			return nil
		}
		found = true

		moved := bloqs[from]
		bloqs = append(bloqs[:from], bloqs[from+1:]...)
		if index < 0 {
			index = 0
		}
		if index > len(bloqs) {
			index = len(bloqs)
		}
		bloqs = append(bloqs[:index], append([]Bloq{moved}, bloqs[index:]...)...)

		ids := make([]any, len(bloqs))
		for i, b := range bloqs {
			ids[i] = b.ID
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, h.keys.seq)
			pipe.RPush(ctx, h.keys.seq, ids...)
			for i, b := range bloqs {
				pipe.HSet(ctx, h.keys.bloq(b.ID), "order", strconv.Itoa(i))
			}
			pipe.HSet(ctx, h.keys.bloq(id), "updatedAt", formatTime(h.svc.now()))
			return nil
		})
		return err
	}, h.keys.seq)
	if err != nil {
		return fmt.Errorf("move bloq: %w", err)
	}
	if !found {
		return nil
	}
	h.publish(ctx, EventBloqMoved, id)
	return nil
}

func indexOf(bloqs []Bloq, id string) (int, error) {
	for i, b := range bloqs {
		if b.ID == id {
			return i, nil
		}
	}
	return -1, ErrBloqNotFound
}

func (h *Handle) UpdateLessonPlan(ctx context.Context, patch LessonPlanPatch) error {
	if err := h.requireReady(ctx, "update_lesson_plan"); err != nil {
		return err
	}
	fields := map[string]any{"updatedAt": formatTime(h.svc.now())}
	if patch.Title != nil {
		fields["title"] = *patch.Title
	}
	if patch.Description != nil {
		fields["description"] = *patch.Description
	}
	if err := h.svc.rdb.HSet(ctx, h.keys.plan, fields).Err(); err != nil {
		return fmt.Errorf("update lesson plan: %w", err)
	}
	h.publish(ctx, EventPlanUpdated, "")
	return nil
}

func (h *Handle) UpdateSettings(ctx context.Context, settings Settings) error {
	if len(settings) == 0 {
		return nil
	}
	if err := h.requireReady(ctx, "update_settings"); err != nil {
		return err
	}
	fields := make(map[string]any, len(settings))
	for k, v := range settings {
		fields[k] = v
	}
	if err := h.svc.rdb.HSet(ctx, h.keys.settings, fields).Err(); err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	h.publish(ctx, EventSettingsUpdated, "")
	return nil
}
