// Package router implements the Session Router (§4.1): the WebSocket
// handshake gate, per-connection read/write loops, and event dispatch into
// the Test Session Engine and Race Engine.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/typeclash/internal/collab"
	"github.com/ashureev/typeclash/internal/config"
	"github.com/ashureev/typeclash/internal/domain"
	"github.com/ashureev/typeclash/internal/raceengine"
	"github.com/ashureev/typeclash/internal/ratelimit"
	"github.com/ashureev/typeclash/internal/registry"
	"github.com/ashureev/typeclash/internal/room"
	"github.com/ashureev/typeclash/internal/testengine"
	"github.com/ashureev/typeclash/internal/wsproto"
)

// Handler upgrades HTTP connections to the persistent session protocol and
// wires each one into the engines (§4.1).
type Handler struct {
	verifier collab.TokenVerifier
	friends  collab.FriendGraph
	registry *registry.Registry
	fabric   *room.Fabric
	governor *ratelimit.Governor
	tests    *testengine.Engine
	races    *raceengine.Engine

	connCfg       config.ConnectionConfig
	timeoutCfg    config.TimeoutConfig
	allowedOrigin string
	isDev         bool

	subsMu sync.Mutex
	subs   map[string]*connRooms
}

// connRooms tracks the extra test:<id>/race:<id> rooms one connection's
// subscriber has joined beyond its permanent user:<id> presence room, so
// they can be torn down on leave/disconnect (§4.1, §4.5, §4.6).
type connRooms struct {
	sub *room.Subscriber

	mu    sync.Mutex
	rooms map[string]struct{}
}

// New builds a Handler.
func New(
	verifier collab.TokenVerifier,
	friends collab.FriendGraph,
	reg *registry.Registry,
	fabric *room.Fabric,
	governor *ratelimit.Governor,
	tests *testengine.Engine,
	races *raceengine.Engine,
	connCfg config.ConnectionConfig,
	timeoutCfg config.TimeoutConfig,
	allowedOrigin string,
	isDev bool,
) *Handler {
	return &Handler{
		verifier:      verifier,
		friends:       friends,
		registry:      reg,
		fabric:        fabric,
		governor:      governor,
		tests:         tests,
		races:         races,
		connCfg:       connCfg,
		timeoutCfg:    timeoutCfg,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		subs:          make(map[string]*connRooms),
	}
}

// ServeHTTP implements the WebSocket upgrade endpoint. Auth is a prerequisite
// to the upgrade: a missing or invalid bearer token never reaches the
// connection registry (§4.1 "handshake gate").
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		slog.Warn("session router: authentication failed", "error", err, "remote_addr", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if h.registry.CountOf(identity.IdentityID) >= h.connCfg.MaxPerIdentity {
		slog.Warn("session router: too many connections", "identity_id", identity.IdentityID)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("session router: failed to accept websocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("session router: close error", "error", closeErr)
		}
	}()

	conn := &domain.Connection{
		ID:           uuid.NewString(),
		Identity:     domain.Identity{ID: identity.IdentityID, Username: identity.Username, Role: identity.Role, Avatar: identity.Avatar},
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		RemoteAddr:   r.RemoteAddr,
		Status:       domain.ConnectionActive,
	}
	h.registry.Register(conn)
	defer h.registry.Unregister(conn.ID)

	presenceRoom := fmt.Sprintf("user:%s", conn.Identity.ID)
	sub := room.NewSubscriber(conn.ID, h.sendQueueSize(), func(reason string) {
		slog.Warn("session router: subscriber closed", "connection_id", conn.ID, "reason", reason)
	})
	h.fabric.Room(presenceRoom).Subscribe(sub)
	defer h.fabric.Room(presenceRoom).Unsubscribe(conn.ID)

	h.trackSubscriber(conn.ID, sub)
	defer h.untrackSubscriber(conn.ID)

	h.announcePresence(r.Context(), conn.Identity, wsproto.EventFriendOnline)
	defer h.announcePresence(context.Background(), conn.Identity, wsproto.EventFriendOffline)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		h.readLoop(ctx, ws, conn)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		h.writeLoop(ctx, ws, sub)
	}()

	wg.Wait()
	slog.Info("session router: connection closed", "connection_id", conn.ID, "identity_id", conn.Identity.ID)
}

func (h *Handler) sendQueueSize() int {
	return 256
}

// trackSubscriber registers a connection's subscriber so joinRoom/leaveRoom
// can subscribe it to test:<id>/race:<id> rooms as it enters and leaves
// those entities.
func (h *Handler) trackSubscriber(connID string, sub *room.Subscriber) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	h.subs[connID] = &connRooms{sub: sub, rooms: make(map[string]struct{})}
}

// untrackSubscriber unsubscribes a connection from every test:<id>/race:<id>
// room it joined and drops its tracking entry (§4.1 "disconnect").
func (h *Handler) untrackSubscriber(connID string) {
	h.subsMu.Lock()
	cr, ok := h.subs[connID]
	delete(h.subs, connID)
	h.subsMu.Unlock()
	if !ok {
		return
	}

	cr.mu.Lock()
	rooms := make([]string, 0, len(cr.rooms))
	for name := range cr.rooms {
		rooms = append(rooms, name)
	}
	cr.mu.Unlock()

	for _, name := range rooms {
		h.fabric.Room(name).Unsubscribe(connID)
	}
}

// joinRoom subscribes a connection's tracked subscriber to an additional
// room — test:<id> on test:start, race:<id> on race:create/race:join — so
// the engine's fan-out for that entity actually reaches the connection.
func (h *Handler) joinRoom(connID, roomName string) {
	h.subsMu.Lock()
	cr, ok := h.subs[connID]
	h.subsMu.Unlock()
	if !ok {
		return
	}

	h.fabric.Room(roomName).Subscribe(cr.sub)
	cr.mu.Lock()
	cr.rooms[roomName] = struct{}{}
	cr.mu.Unlock()
}

// leaveRoom unsubscribes a connection from a room it previously joined via
// joinRoom (test:leave, race:leave).
func (h *Handler) leaveRoom(connID, roomName string) {
	h.subsMu.Lock()
	cr, ok := h.subs[connID]
	h.subsMu.Unlock()
	if !ok {
		return
	}

	h.fabric.Room(roomName).Unsubscribe(connID)
	cr.mu.Lock()
	delete(cr.rooms, roomName)
	cr.mu.Unlock()
}

// announcePresence notifies an identity's online friends of a presence
// change (§4.1 "announce presence to friends that are online").
func (h *Handler) announcePresence(ctx context.Context, identity domain.Identity, event string) {
	friendCtx, cancel := context.WithTimeout(ctx, h.timeoutCfg.WordFetch)
	defer cancel()

	friendIDs, err := h.friends.FriendsOf(friendCtx, identity.ID)
	if err != nil {
		slog.Warn("session router: friend lookup failed", "identity_id", identity.ID, "error", err)
		return
	}

	for _, friendID := range friendIDs {
		if !h.registry.IsOnline(friendID) {
			continue
		}
		h.fabric.Publish(fmt.Sprintf("user:%s", friendID), room.Message{
			Event: event,
			Payload: wsproto.NewOutbound(event, wsproto.FriendPresencePayload{
				IdentityID: identity.ID, Username: identity.Username,
			}, time.Now()),
		})
	}
}

// authenticate extracts and verifies the bearer token from the Authorization
// header (§4.1 "Authorization: Bearer <token>").
func (h *Handler) authenticate(r *http.Request) (collab.VerifiedIdentity, error) {
	header := r.Header.Get("Authorization")
	bearer := strings.TrimPrefix(header, "Bearer ")
	if bearer == header {
		// No "Bearer " prefix found; also accept a raw query param for
		// browser clients that can't set headers on a WS upgrade request.
		bearer = r.URL.Query().Get("token")
	}
	if bearer == "" {
		return collab.VerifiedIdentity{}, errors.New("missing bearer token")
	}
	return h.verifier.Verify(r.Context(), bearer)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("session router: origin rejected", "origin", origin)
	return false
}

// readLoop decodes inbound envelopes and dispatches them through the rate
// governor, validator, and the owning engine (§4.1, §4.2).
func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, conn *domain.Connection) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				slog.Debug("session router: read error", "error", err, "connection_id", conn.ID)
			}
			return
		}
		conn.Touch(time.Now())

		var env wsproto.InboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.sendError(ctx, ws, wsproto.CodeValidationError, "malformed envelope")
			continue
		}

		if env.Type == wsproto.EventPing {
			h.sendEnvelope(ctx, ws, wsproto.NewOutbound(wsproto.EventPong, nil, time.Now()))
			continue
		}

		class := wsproto.ClassOf(env.Type)
		if res := h.governor.Check(conn.Identity.ID, class); !res.Allowed {
			h.sendErrorWithDetails(ctx, ws, wsproto.CodeRateLimited, "rate limit exceeded",
				wsproto.RateLimitedDetails{RetryAfterMS: res.RetryAfterMS})
			continue
		}

		if err := h.dispatch(ctx, conn, env); err != nil {
			h.sendError(ctx, ws, errorCode(err), err.Error())
		}
	}
}

// writeLoop drains the subscriber's outbound queue to the websocket until
// the context is cancelled or the queue is closed.
func (h *Handler) writeLoop(ctx context.Context, ws *websocket.Conn, sub *room.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			h.sendEnvelope(ctx, ws, msg.Payload)
		}
	}
}

func (h *Handler) sendEnvelope(ctx context.Context, ws *websocket.Conn, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("session router: marshal outbound failed", "error", err)
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, h.timeoutCfg.Send)
	defer cancel()
	if err := ws.Write(sendCtx, websocket.MessageText, data); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("session router: write failed", "error", err)
	}
}

func (h *Handler) sendError(ctx context.Context, ws *websocket.Conn, code int, message string) {
	h.sendErrorWithDetails(ctx, ws, code, message, nil)
}

func (h *Handler) sendErrorWithDetails(ctx context.Context, ws *websocket.Conn, code int, message string, details interface{}) {
	h.sendEnvelope(ctx, ws, wsproto.NewOutbound(wsproto.EventError, wsproto.NewError(code, message, details), time.Now()))
}

// dispatch routes one inbound envelope to the owning engine (§4.1 "dispatch
// table").
func (h *Handler) dispatch(ctx context.Context, conn *domain.Connection, env wsproto.InboundEnvelope) error {
	now := time.Now()
	identity := conn.Identity

	switch env.Type {
	case wsproto.EventTestStart:
		var p wsproto.TestStartPayload
		if err := decodeAndValidate(env.Payload, &p); err != nil {
			return err
		}
		session, err := h.tests.Start(ctx, conn.ID, identity, p, now)
		if err != nil {
			return err
		}
		h.joinRoom(conn.ID, fmt.Sprintf("test:%s", session.ID))
		return nil

	case wsproto.EventTestKeystroke:
		var p wsproto.TestKeystrokePayload
		if err := decodeAndValidate(env.Payload, &p); err != nil {
			return err
		}
		return h.tests.Keystroke(ctx, conn.ID, p, now)

	case wsproto.EventTestCompleted:
		var p wsproto.TestCompletedPayload
		if err := decodeAndValidate(env.Payload, &p); err != nil {
			return err
		}
		return h.tests.Completed(ctx, conn.ID, p, now)

	case wsproto.EventTestLeave:
		var p wsproto.TestLeavePayload
		if err := decodeAndValidate(env.Payload, &p); err != nil {
			return err
		}
		if err := h.tests.Leave(conn.ID, p.TestID); err != nil {
			return err
		}
		h.leaveRoom(conn.ID, fmt.Sprintf("test:%s", p.TestID))
		return nil

	case wsproto.EventRaceCreate:
		var p wsproto.RaceCreatePayload
		if err := decodeAndValidate(env.Payload, &p); err != nil {
			return err
		}
		race, err := h.races.Create(ctx, conn.ID, identity, raceengine.CreateRequest{
			Name: p.Name, Mode: domain.TestMode(p.Mode), Duration: p.Duration,
			WordCount: p.WordCount, MaxPlayers: p.MaxPlayers, WordListID: p.WordListID, IsPrivate: p.IsPrivate,
		}, now)
		if err != nil {
			return err
		}
		h.joinRoom(conn.ID, fmt.Sprintf("race:%s", race.ID))
		return nil

	case wsproto.EventRaceJoin:
		var p wsproto.RaceJoinPayload
		if err := decodeAndValidate(env.Payload, &p); err != nil {
			return err
		}
		race, err := h.races.Join(ctx, conn.ID, identity, p.RaceID, now)
		if err != nil {
			return err
		}
		h.joinRoom(conn.ID, fmt.Sprintf("race:%s", race.ID))
		return nil

	case wsproto.EventRaceLeave:
		var p wsproto.RaceLeavePayload
		if err := decodeAndValidate(env.Payload, &p); err != nil {
			return err
		}
		if err := h.races.Leave(identity.ID, p.RaceID, now); err != nil {
			return err
		}
		h.leaveRoom(conn.ID, fmt.Sprintf("race:%s", p.RaceID))
		return nil

	case wsproto.EventRaceProgress:
		var p wsproto.RaceProgressPayload
		if err := decodeAndValidate(env.Payload, &p); err != nil {
			return err
		}
		return h.races.Progress(ctx, identity, raceengine.ProgressRequest{
			RaceID: p.RaceID, Position: p.Position, WPM: p.WPM, Accuracy: p.Accuracy,
			Errors: p.Errors, IsFinished: p.IsFinished,
		}, now)

	case wsproto.EventRaceFinish:
		var p wsproto.RaceFinishPayload
		if err := decodeAndValidate(env.Payload, &p); err != nil {
			return err
		}
		return h.races.Progress(ctx, identity, raceengine.ProgressRequest{
			RaceID: p.RaceID, WPM: p.FinalStats.WPM, Accuracy: p.FinalStats.Accuracy,
			Errors: p.FinalStats.Errors, IsFinished: true,
		}, now)

	case wsproto.EventRaceMessage:
		var p wsproto.RaceMessagePayload
		if err := decodeAndValidate(env.Payload, &p); err != nil {
			return err
		}
		return h.races.Message(identity, p.RaceID, p.Message, now)

	case wsproto.EventFriendsUpdate:
		var p wsproto.FriendsUpdateStatusPayload
		if err := decodeAndValidate(env.Payload, &p); err != nil {
			return err
		}
		h.announcePresence(ctx, identity, wsproto.EventFriendOnline)
		return nil

	default:
		return fmt.Errorf("unknown event type %q", env.Type)
	}
}

func decodeAndValidate(raw json.RawMessage, dst interface{}) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return wsproto.Validate(dst)
}

// errorCode maps a dispatch error to the closest wire error code (§6 "Error
// codes (subset)"). Engine-specific sentinel errors are matched by message
// substring since the engines intentionally don't import wsproto.
func errorCode(err error) int {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "race not found"):
		return wsproto.CodeRaceNotFound
	case strings.Contains(msg, "race is full"):
		return wsproto.CodeRaceFull
	case strings.Contains(msg, "already started"):
		return wsproto.CodeRaceStarted
	case strings.Contains(msg, "not in this race"):
		return wsproto.CodeNotInRace
	case strings.Contains(msg, "test session not found"):
		return wsproto.CodeTestNotFound
	case strings.Contains(msg, "does not own this test session"):
		return wsproto.CodeValidationError
	case strings.Contains(msg, "invalid payload"), strings.Contains(msg, "keystroke key"):
		return wsproto.CodeValidationError
	case strings.Contains(msg, "word lists"):
		return wsproto.CodeServerError
	default:
		return wsproto.CodeServerError
	}
}
