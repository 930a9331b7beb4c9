package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"lessonplan/api/internal/auth"
	"lessonplan/api/internal/rbac"
	"lessonplan/api/internal/room"
)

const (
	writeWait     = 10 * time.Second
	outboxSize    = 64
	maxFrameBytes = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientMessage is a frame sent by a room participant. Type selects which of
// the optional fields are read.
type clientMessage struct {
	Type      string                `json:"type"`
	RequestID string                `json:"requestId,omitempty"`
	Kind      string                `json:"kind,omitempty"`
	BloqID    string                `json:"bloqId,omitempty"`
	Index     *int                  `json:"index,omitempty"`
	Bloq      *room.BloqPatch       `json:"bloq,omitempty"`
	Plan      *room.LessonPlanPatch `json:"plan,omitempty"`
	Settings  room.Settings         `json:"settings,omitempty"`
	Presence  *room.PresenceUpdate  `json:"presence,omitempty"`
}

type serverMessage struct {
	Type      string           `json:"type"`
	RequestID string           `json:"requestId,omitempty"`
	Event     *room.Event      `json:"event,omitempty"`
	Snapshot  *room.Snapshot   `json:"snapshot,omitempty"`
	CanEdit   *bool            `json:"canEdit,omitempty"`
	Plan      *room.LessonPlan `json:"lessonPlan,omitempty"`
	Bloqs     []room.Bloq      `json:"bloqs,omitempty"`
	Bloq      *room.Bloq       `json:"bloq,omitempty"`
	Settings  room.Settings    `json:"settings,omitempty"`
	Others    []room.Presence  `json:"others,omitempty"`
	Code      string           `json:"code,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// ParseRoomGrant validates a grant issued by IssueRoomGrant.
func (s *Service) ParseRoomGrant(token string) (auth.GrantClaims, error) {
	return auth.ParseGrant(s.grantSecret, token)
}

// RoomClosed runs after a participant disconnects. When nobody is left the
// room state is committed to version history.
func (s *Service) RoomClosed(ctx context.Context, handle *room.Handle, caller auth.Identity, remaining int) {
	if remaining > 0 {
		return
	}
	commit, created, err := s.commitRoom(ctx, handle, caller, "Session ended")
	if err != nil {
		if !errors.Is(err, room.ErrNotReady) {
			s.log.Warn().Err(err).Str("document_id", handle.RoomID()).Msg("flush room history failed")
		}
		return
	}
	if created {
		s.log.Info().Str("document_id", handle.RoomID()).Str("commit", commit.Hash).Msg("room history flushed")
	}
}

type roomPeer struct {
	conn     *websocket.Conn
	handle   *room.Handle
	service  *Service
	caller   auth.Identity
	canEdit  bool
	out      chan serverMessage
	pongWait time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	log      zerolog.Logger
}

func (s *HTTPServer) handleRoomSocket(w http.ResponseWriter, r *http.Request, roomID string) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r)
	}
	claims, err := s.service.ParseRoomGrant(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	if claims.Room != roomID || !claims.Allows(string(rbac.CapRoomPresenceWrite)) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	caller := auth.Identity{UserID: claims.Sub, Name: claims.Name}
	handle, canEdit, err := s.service.Room(r.Context(), caller, roomID, rbac.ActionPresence)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("room", roomID).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(context.Background())
	peer := &roomPeer{
		conn:     conn,
		handle:   handle,
		service:  s.service,
		caller:   caller,
		canEdit:  canEdit && claims.Allows(string(rbac.CapRoomWrite)),
		out:      make(chan serverMessage, outboxSize),
		pongWait: s.service.rooms.PresenceTTL(),
		ctx:      ctx,
		cancel:   cancel,
		log: s.log.With().
			Str("room", roomID).
			Str("connection_id", handle.ConnectionID()).
			Str("user_id", caller.UserID).
			Logger(),
	}
	_ = conn.SetReadDeadline(time.Now().Add(peer.pongWait))
	conn.SetPongHandler(func(string) error {
		peer.alive()
		return nil
	})
	peer.run()
}

func (p *roomPeer) run() {
	defer p.close()

	if err := p.handle.Join(p.ctx); err != nil {
		p.log.Error().Err(err).Msg("join room failed")
		return
	}
	if err := p.service.store.TouchConnection(p.ctx, p.handle.RoomID()); err != nil {
		p.log.Warn().Err(err).Msg("touch connection failed")
	}

	events, err := p.handle.Subscribe(p.ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("subscribe room failed")
		return
	}
	snapshot, err := p.handle.Snapshot(p.ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("read room snapshot failed")
		return
	}
	canEdit := p.canEdit
	p.send(serverMessage{Type: "snapshot", Snapshot: &snapshot, CanEdit: &canEdit})

	go p.writeLoop()
	go p.forwardEvents(events)
	p.log.Info().Msg("peer connected")

	for {
		var msg clientMessage
		if err := p.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && p.ctx.Err() == nil {
				p.log.Debug().Err(err).Msg("read frame failed")
			}
			return
		}
		p.alive()
		if reply := p.dispatch(msg); reply != nil {
			p.send(*reply)
		}
	}
}

func (p *roomPeer) close() {
	p.cancel()
	_ = p.conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	remaining, err := p.handle.Leave(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("leave room failed")
		return
	}
	p.log.Info().Int("remaining", remaining).Msg("peer disconnected")
	p.service.RoomClosed(ctx, p.handle, p.caller, remaining)
}

// alive records proof that the client is still there: a pong or any frame.
// Presence is only refreshed from here, so a silent client drops out of the
// room once its read deadline passes.
func (p *roomPeer) alive() {
	_ = p.conn.SetReadDeadline(time.Now().Add(p.pongWait))
	if err := p.handle.Heartbeat(p.ctx); err != nil && p.ctx.Err() == nil {
		p.log.Warn().Err(err).Msg("presence heartbeat failed")
	}
}

func (p *roomPeer) send(msg serverMessage) {
	select {
	case p.out <- msg:
	case <-p.ctx.Done():
	}
}

func (p *roomPeer) writeLoop() {
	ping := time.NewTicker(p.pongWait / 3)
	defer ping.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ping.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.log.Debug().Err(err).Msg("write ping failed")
				p.cancel()
				_ = p.conn.Close()
				return
			}
		case msg := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(msg); err != nil {
				p.log.Debug().Err(err).Msg("write frame failed")
				p.cancel()
				_ = p.conn.Close()
				return
			}
		}
	}
}

// forwardEvents turns room events into state frames.
func (p *roomPeer) forwardEvents(events <-chan room.Event) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			msg, err := p.eventFrame(event)
			if err != nil {
				p.log.Warn().Err(err).Str("event", string(event.Type)).Msg("read room state failed")
				continue
			}
			p.send(msg)
		}
	}
}

func (p *roomPeer) eventFrame(event room.Event) (serverMessage, error) {
	msg := serverMessage{Type: "event", Event: &event}
	switch event.Type {
	case room.EventPlanUpdated:
		plan, err := p.handle.LessonPlan(p.ctx)
		if err != nil {
			return msg, err
		}
		msg.Plan = &plan
	case room.EventBloqAdded, room.EventBloqUpdated, room.EventBloqRemoved, room.EventBloqMoved:
		bloqs, err := p.handle.Bloqs(p.ctx)
		if err != nil {
			return msg, err
		}
		msg.Bloqs = bloqs
	case room.EventSettingsUpdated:
		settings, err := p.handle.Settings(p.ctx)
		if err != nil {
			return msg, err
		}
		msg.Settings = settings
	case room.EventPresenceUpdated, room.EventPresenceLeft:
		others, err := p.handle.Others(p.ctx)
		if err != nil {
			return msg, err
		}
		msg.Others = others
	}
	return msg, nil
}

// dispatch applies one client frame and returns the reply, if any.
func (p *roomPeer) dispatch(msg clientMessage) *serverMessage {
	ctx := p.ctx
	ack := &serverMessage{Type: "ack", RequestID: msg.RequestID}

	switch msg.Type {
	case "ping":
		return &serverMessage{Type: "pong", RequestID: msg.RequestID}
	case "presence":
		var update room.PresenceUpdate
		if msg.Presence != nil {
			update = *msg.Presence
		}
		if err := p.handle.UpdatePresence(ctx, update); err != nil {
			return p.errorFrame(msg, err)
		}
		return nil
	}

	if !p.canEdit {
		return p.errorFrame(msg, errForbidden)
	}

	var err error
	switch msg.Type {
	case "addBloq":
		var kind room.BloqKind
		if kind, err = room.ParseKind(msg.Kind); err == nil {
			var bloq room.Bloq
			if bloq, err = p.handle.AddBloq(ctx, kind); err == nil {
				ack.Bloq = &bloq
			}
		}
	case "updateBloq":
		patch := room.BloqPatch{}
		if msg.Bloq != nil {
			patch = *msg.Bloq
		}
		if patch.Type != nil {
			var kind room.BloqKind
			if kind, err = room.ParseKind(string(*patch.Type)); err != nil {
				break
			}
			patch.Type = &kind
		}
		err = p.handle.UpdateBloq(ctx, msg.BloqID, patch)
	case "removeBloq":
		err = p.handle.RemoveBloq(ctx, msg.BloqID)
	case "moveBloq":
		if msg.Index == nil || *msg.Index < 0 {
			err = validationError("index must be a non-negative integer")
			break
		}
		err = p.handle.MoveBloq(ctx, msg.BloqID, *msg.Index)
	case "updateLessonPlan":
		patch := room.LessonPlanPatch{}
		if msg.Plan != nil {
			patch = *msg.Plan
		}
		err = p.service.UpdateLessonPlan(ctx, p.handle, patch, p.canEdit)
	case "updateSettings":
		err = p.handle.UpdateSettings(ctx, msg.Settings)
	default:
		err = validationError("unknown message type " + msg.Type)
	}
	if err != nil {
		return p.errorFrame(msg, err)
	}
	return ack
}

func (p *roomPeer) errorFrame(msg clientMessage, err error) *serverMessage {
	status, code, message, _ := mapError(err)
	if status >= http.StatusInternalServerError {
		p.log.Error().Err(err).Str("type", msg.Type).Msg("room message failed")
	}
	return &serverMessage{Type: "error", RequestID: msg.RequestID, Code: code, Error: message}
}
