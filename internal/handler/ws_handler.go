package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/audit"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/domain"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/hub"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/log"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/middleware"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/response"
)

// RealtimePrefix is the path prefix of namespace endpoints.
const RealtimePrefix = "/realtime/"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler serves GET /realtime/{namespace}.
type WSHandler struct {
	hub        *hub.Hub
	auth       *middleware.AuthMiddleware
	wsCfg      hub.Config
	namespaces map[string]bool
}

// NewWSHandler accepts the listed namespaces, or any when none are given.
func NewWSHandler(h *hub.Hub, auth *middleware.AuthMiddleware, wsCfg hub.Config, namespaces []string) *WSHandler {
	allowed := make(map[string]bool, len(namespaces))
	for _, ns := range namespaces {
		if ns = strings.Trim(ns, "/"); ns != "" {
			allowed[ns] = true
		}
	}
	return &WSHandler{
		hub:        h,
		auth:       auth,
		wsCfg:      wsCfg,
		namespaces: allowed,
	}
}

func (h *WSHandler) namespace(r *http.Request) (string, bool) {
	ns := strings.Trim(strings.TrimPrefix(r.URL.Path, RealtimePrefix), "/")
	if ns == "" || strings.Contains(ns, "/") {
		return "", false
	}
	if len(h.namespaces) > 0 && !h.namespaces[ns] {
		return "", false
	}
	return ns, true
}

// HandleWebSocket authenticates the handshake and upgrades. A rejected
// credential gets 401 before any upgrade.
func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ns, ok := h.namespace(r)
	if !ok {
		response.WriteError(w, http.StatusNotFound, "NOT_FOUND", "unknown namespace")
		return
	}

	ctx := log.WithStr(r.Context(), log.FieldNamespace, ns)
	identity, err := h.auth.Authenticate(r)
	if err != nil {
		audit.LogWithDetail(ctx, audit.ActionAuthFailed, "", err.Error(), "websocket handshake rejected")
		response.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), ns, identity, h.hub, conn, h.wsCfg)
	if !h.hub.Register(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go client.WritePump()
	go func() {
		client.ReadPump(h.handleFrame)
		audit.Log(ctx, audit.ActionDisconnect, identity.UserID, "websocket closed")
	}()
}

func (h *WSHandler) handleFrame(client *hub.Client, f domain.Frame) {
	ctx := log.WithLogger(context.Background(), log.L().With().
		Str(log.FieldClientID, client.ID).
		Str(log.FieldNamespace, client.Namespace).
		Str(log.FieldUserID, client.Identity.UserID).
		Logger())

	switch f.Event {
	case domain.EventJoinConversation:
		ref, ok := conversationRef(client, f)
		if !ok {
			return
		}
		if h.hub.JoinRoom(client, ref.ConversationID) {
			audit.LogTarget(ctx, audit.ActionJoinRoom, client.Identity.UserID, ref.ConversationID, "joined conversation")
		}

	case domain.EventLeaveConversation:
		ref, ok := conversationRef(client, f)
		if !ok {
			return
		}
		h.hub.LeaveRoom(client, ref.ConversationID)
		audit.LogTarget(ctx, audit.ActionLeaveRoom, client.Identity.UserID, ref.ConversationID, "left conversation")

	case domain.EventTypingStart, domain.EventTypingStop:
		ref, ok := conversationRef(client, f)
		if !ok {
			return
		}
		if !h.hub.InRoom(client, ref.ConversationID) {
			client.SendError(domain.ErrCodeNotInRoom, "join the conversation first")
			return
		}
		signal := domain.TypingSignal{
			ConversationID: ref.ConversationID,
			UserID:         client.Identity.UserID,
			DisplayName:    client.Identity.DisplayName,
		}
		if err := h.hub.BroadcastToRoom(client.Namespace, ref.ConversationID, f.Event, signal, client.ID); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Msg("typing broadcast failed")
		}

	default:
		client.SendError(domain.ErrCodeUnknown, "unknown event: "+f.Event)
	}
}

func conversationRef(client *hub.Client, f domain.Frame) (domain.ConversationRef, bool) {
	var ref domain.ConversationRef
	if err := json.Unmarshal(f.Data, &ref); err != nil || ref.ConversationID == "" {
		client.SendError(domain.ErrCodeBadRequest, "conversation_id is required")
		return ref, false
	}
	return ref, true
}

func (h *WSHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(RealtimePrefix, h.HandleWebSocket)
}
