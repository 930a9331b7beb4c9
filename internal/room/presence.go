package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Join publishes the caller's presence. Presence lives only as long as the
// alive key, which Heartbeat refreshes.
func (h *Handle) Join(ctx context.Context) error {
	return h.writePresence(ctx, Presence{ConnectionID: h.connID, User: h.user})
}

func (h *Handle) UpdatePresence(ctx context.Context, update PresenceUpdate) error {
	return h.writePresence(ctx, Presence{
		ConnectionID: h.connID,
		Cursor:       update.Cursor,
		ActiveBloqID: update.ActiveBloqID,
		User:         h.user,
	})
}

func (h *Handle) writePresence(ctx context.Context, p Presence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	_, err = h.svc.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, h.keys.presence, h.connID, data)
		pipe.Set(ctx, h.keys.alive(h.connID), "1", h.svc.presenceTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write presence: %w", err)
	}
	h.publish(ctx, EventPresenceUpdated, "")
	return nil
}

func (h *Handle) Heartbeat(ctx context.Context) error {
	if err := h.svc.rdb.Expire(ctx, h.keys.alive(h.connID), h.svc.presenceTTL).Err(); err != nil {
		return fmt.Errorf("refresh presence: %w", err)
	}
	return nil
}

// Leave removes the caller's presence and reports how many live connections
// remain.
func (h *Handle) Leave(ctx context.Context) (int, error) {
	_, err := h.svc.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, h.keys.presence, h.connID)
		pipe.Del(ctx, h.keys.alive(h.connID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("leave room: %w", err)
	}
	h.publish(ctx, EventPresenceLeft, "")
	others, err := h.Others(ctx)
	if err != nil {
		return 0, err
	}
	return len(others), nil
}

// Others lists every live presence except the caller's own. Entries whose
// alive key expired are pruned.
func (h *Handle) Others(ctx context.Context) ([]Presence, error) {
	entries, err := h.svc.rdb.HGetAll(ctx, h.keys.presence).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}
	if len(entries) == 0 {
		return []Presence{}, nil
	}

	conns := make([]string, 0, len(entries))
	pipe := h.svc.rdb.Pipeline()
	alive := make(map[string]*redis.IntCmd, len(entries))
	for conn := range entries {
		conns = append(conns, conn)
		alive[conn] = pipe.Exists(ctx, h.keys.alive(conn))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("check presence liveness: %w", err)
	}

	var stale []string
	others := make([]Presence, 0, len(entries))
	for _, conn := range conns {
		if alive[conn].Val() == 0 {
			stale = append(stale, conn)
			continue
		}
		if conn == h.connID {
			continue
		}
		var p Presence
		if err := json.Unmarshal([]byte(entries[conn]), &p); err != nil {
			stale = append(stale, conn)
			continue
		}
		others = append(others, p)
	}
	if len(stale) > 0 {
		if err := h.svc.rdb.HDel(ctx, h.keys.presence, stale...).Err(); err != nil {
			h.svc.log.Warn().Err(err).Str("room", h.roomID).Msg("prune stale presence failed")
		}
	}
	sortPresence(others)
	return others, nil
}

func sortPresence(ps []Presence) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ConnectionID < ps[j].ConnectionID })
}
