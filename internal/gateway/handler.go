package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/linewatch/internal/line"
	"github.com/mcdev12/linewatch/internal/models"
	"github.com/mcdev12/linewatch/internal/room"
	"github.com/mcdev12/linewatch/internal/wire"
)

const maxImportBytes = 4 << 20

// Gateway serves the HTTP and WebSocket surface of the tracker
type Gateway struct {
	hub      *Hub
	rooms    *room.Service
	registry *room.Registry
	mode     *line.DurationMode
	clock    clockwork.Clock

	// Base context for per-connection goroutines
	ctx context.Context
}

// NewGateway wires the gateway and registers it as the hub's handler
func NewGateway(ctx context.Context, hub *Hub, rooms *room.Service, registry *room.Registry, mode *line.DurationMode, clock clockwork.Clock) *Gateway {
	g := &Gateway{
		hub:      hub,
		rooms:    rooms,
		registry: registry,
		mode:     mode,
		clock:    clock,
		ctx:      ctx,
	}
	hub.SetHandler(g)
	return g
}

// Routes registers all HTTP endpoints
func (g *Gateway) Routes(r *mux.Router) {
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", g.handleCreateRoom).Methods(http.MethodPost)
	r.HandleFunc("/api/rooms/{roomID}/participants", g.handleParticipants).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{roomID}/export", g.handleExport).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{roomID}/import", g.handleImport).Methods(http.MethodPost)
	r.HandleFunc("/api/mode", g.handleGetMode).Methods(http.MethodGet)
	r.HandleFunc("/api/mode", g.handleSetMode).Methods(http.MethodPut)
	r.HandleFunc("/ws/{roomID}", g.handleWebSocket)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type createRoomRequest struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserColor string `json:"userColor"`
}

func (g *Gateway) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		req.UserID = uuid.New().String()
	}
	if req.UserName == "" {
		httpError(w, http.StatusBadRequest, "userName is required")
		return
	}

	session, err := g.rooms.CreateRoom(r.Context(), req.UserID, req.UserName, req.UserColor)
	if err != nil {
		log.Error().Err(err).Msg("failed to create room")
		httpError(w, http.StatusBadGateway, "could not create room")
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (g *Gateway) handleParticipants(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	participants, err := g.rooms.Participants(r.Context(), roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to list participants")
		httpError(w, http.StatusBadGateway, "could not list participants")
		return
	}
	writeJSON(w, http.StatusOK, participants)
}

// handleWebSocket is the join path: membership is committed first, so a
// failed join leaves no partial room state, then the connection is
// upgraded and greeted with a full sync_state snapshot.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	q := r.URL.Query()
	userID := q.Get("userId")
	userName := q.Get("userName")
	userColor := q.Get("userColor")

	if userID == "" || userName == "" {
		httpError(w, http.StatusBadRequest, "userId and userName are required")
		return
	}

	session, err := g.rooms.JoinRoom(r.Context(), roomID, userID, userName, userColor)
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		httpError(w, http.StatusNotFound, "room not found")
		return
	case errors.Is(err, room.ErrRoomClosed):
		httpError(w, http.StatusGone, "room is closed")
		return
	case err != nil:
		log.Error().Err(err).Str("room_id", roomID).Msg("join failed")
		httpError(w, http.StatusBadGateway, "could not join room")
		return
	}

	rt, err := g.registry.GetOrCreate(roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to start room runtime")
		g.rooms.LeaveRoom(r.Context(), session)
		httpError(w, http.StatusInternalServerError, "could not start room")
		return
	}

	connCtx, cancel := context.WithCancel(g.ctx)
	conn, err := g.hub.Upgrade(w, r, session, cancel)
	if err != nil {
		cancel()
		g.rooms.LeaveRoom(r.Context(), session)
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to upgrade connection")
		return
	}

	go g.rooms.RunHeartbeat(connCtx, roomID, userID)

	g.sendSyncState(conn, rt)
	g.announceJoined(conn, session)
}

func (g *Gateway) sendSyncState(conn *Conn, rt *room.Runtime) {
	lineStates := make(map[string]wire.LineStateEntry)
	for _, rec := range rt.Engine.Snapshot() {
		entry := wire.LineStateEntry{
			State:  string(rec.State),
			UserID: rec.LastModifiedBy,
		}
		if rec.KilledAt != nil {
			kt := rec.KilledAt.UnixMilli()
			entry.KillTime = &kt
		}
		lineStates[strconv.Itoa(rec.ID)] = entry
	}

	participants, err := g.rooms.Participants(g.ctx, conn.Session.RoomID)
	if err != nil {
		log.Warn().Err(err).Str("room_id", conn.Session.RoomID).Msg("sync snapshot without participants")
	}

	data, err := wire.Encode(wire.TypeSyncState, g.clock.Now(), wire.SyncState{
		GameState: wire.GameState{LineStates: lineStates},
		RoomUsers: participants,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode sync_state")
		return
	}
	g.hub.SendToConn(conn, data)
}

func (g *Gateway) announceJoined(conn *Conn, session models.RoomSession) {
	data, err := wire.Encode(wire.TypeUserJoined, g.clock.Now(), wire.UserJoined{
		User: models.Participant{
			UserID:   session.UserID,
			UserName: session.UserName,
			Color:    session.Color,
			IsHost:   session.Role == models.RoleHost,
			IsOnline: true,
			LastSeen: g.clock.Now(),
		},
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode user_joined")
		return
	}
	g.hub.BroadcastExcept(session.RoomID, data, conn)
}

// HandleMessage dispatches one inbound frame from a member connection.
// Decode failures and rejected payloads answer the sender with an error
// message; they never take the connection down.
func (g *Gateway) HandleMessage(conn *Conn, data []byte) {
	env, payload, err := wire.Decode(data)
	if err != nil {
		log.Debug().Err(err).Str("connection_id", conn.ID).Msg("rejected inbound message")
		g.sendError(conn, "bad_message", err.Error())
		return
	}

	rt, ok := g.registry.Get(conn.Session.RoomID)
	if !ok {
		g.sendError(conn, "room_unavailable", "room runtime is not running")
		return
	}

	switch msg := payload.(type) {
	case wire.LineStateChanged:
		g.applyGesture(conn, rt, msg)

	case wire.UserCursor:
		// Cosmetic; relay to the rest of the room, never persist.
		msg.UserID = conn.Session.UserID
		msg.UserName = conn.Session.UserName
		out, err := wire.Encode(wire.TypeUserCursor, g.clock.Now(), msg)
		if err != nil {
			return
		}
		g.hub.BroadcastExcept(conn.Session.RoomID, out, conn)

	case wire.ResetAll:
		rt.Engine.ResetAll(conn.Session.UserID, conn.Session.UserName)

	default:
		log.Debug().
			Str("connection_id", conn.ID).
			Str("type", string(env.Type)).
			Msg("ignoring client message type")
	}
}

// applyGesture maps a member's line_state_changed frame onto the
// engine's gesture operations, which enforce the state machine
// preconditions: a kill gesture on an already-killed line is a silent
// no-op, the second click being reserved for cancellation. Engine.Apply,
// the forced-set reconciliation path, is only for relay-delivered
// changes.
func (g *Gateway) applyGesture(conn *Conn, rt *room.Runtime, msg wire.LineStateChanged) {
	userID := conn.Session.UserID
	userName := conn.Session.UserName

	switch models.LineState(msg.State) {
	case models.LineKilled:
		killedAt := time.UnixMilli(msg.Timestamp)
		if msg.KillTime != nil {
			killedAt = time.UnixMilli(*msg.KillTime)
		}
		rt.Engine.MarkKilled(msg.LineNumber, killedAt, userID, userName)

	case models.LineKilledUnknown:
		rt.Engine.MarkKilledUnknownTime(msg.LineNumber, userID, userName)

	case models.LineAvailable:
		rt.Engine.Cancel(msg.LineNumber, userID, userName)

	default:
		// Refreshed only ever comes from timer expiry.
		g.sendError(conn, "bad_transition", "clients cannot set a line to "+msg.State)
	}
}

// HandleDisconnect runs the leave path for a dropped connection. Local
// cleanup happens regardless of remote errors; a host departure closes
// the room and stops its runtime.
func (g *Gateway) HandleDisconnect(conn *Conn) {
	session := conn.Session
	closed := g.rooms.LeaveRoom(g.ctx, session)

	left, err := wire.Encode(wire.TypeUserLeft, g.clock.Now(), wire.UserLeft{
		UserID:   session.UserID,
		UserName: session.UserName,
	})
	if err == nil {
		g.hub.BroadcastToRoom(session.RoomID, left)
	}

	if closed {
		msg, err := wire.Encode(wire.TypeRoomClosed, g.clock.Now(), wire.RoomClosed{
			RoomID: session.RoomID,
			Reason: "host left",
		})
		if err == nil {
			g.hub.BroadcastToRoom(session.RoomID, msg)
		}
		g.registry.Close(session.RoomID)
	}
}

func (g *Gateway) handleExport(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	rt, err := g.registry.GetOrCreate(roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("export failed to open room")
		httpError(w, http.StatusInternalServerError, "could not open room state")
		return
	}

	snap := rt.Export(g.clock.Now(), map[string]any{
		"durationMode": g.mode.Mode(),
	})
	w.Header().Set("Content-Disposition", `attachment; filename="linewatch-`+roomID+`.json"`)
	writeJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleImport(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	actorID := r.URL.Query().Get("userId")
	if actorID == "" {
		actorID = "import"
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes))
	if err != nil {
		httpError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	rt, err := g.registry.GetOrCreate(roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("import failed to open room")
		httpError(w, http.StatusInternalServerError, "could not open room state")
		return
	}

	if err := rt.Import(data, actorID, ""); err != nil {
		httpError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "imported"})
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (g *Gateway) handleGetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"mode": g.mode.Mode()})
}

func (g *Gateway) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := g.mode.SetMode(req.Mode); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Info().Str("mode", req.Mode).Msg("duration mode changed")
	writeJSON(w, http.StatusOK, map[string]string{"mode": g.mode.Mode()})
}

func (g *Gateway) sendError(conn *Conn, code, message string) {
	data, err := wire.Encode(wire.TypeError, g.clock.Now(), wire.ErrorMessage{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	g.hub.SendToConn(conn, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

func httpError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
