package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/domain"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/hub"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/jwt"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/middleware"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func token(t *testing.T, userID, displayName string) string {
	t.Helper()
	tok, err := jwt.Sign(testSecret, &jwt.Claims{
		RegisteredClaims: gojwt.RegisteredClaims{
			ExpiresAt: gojwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID:      userID,
		DisplayName: displayName,
		Type:        "access",
	})
	require.NoError(t, err)
	return tok
}

func testAuth() *middleware.AuthMiddleware {
	return middleware.NewAuthMiddleware(jwt.NewVerifier(testSecret, ""))
}

// startBroker serves the namespace endpoints backed by a running hub.
func startBroker(t *testing.T) (*httptest.Server, *hub.Hub) {
	t.Helper()
	h := hub.NewHub(hub.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	mux := http.NewServeMux()
	NewWSHandler(h, testAuth(), hub.DefaultConfig(), []string{"messages", "notifications"}).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv, h
}

func wsURL(srv *httptest.Server, ns string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + RealtimePrefix + ns
}

func dial(t *testing.T, srv *httptest.Server, ns, tok string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ns), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	f, err := domain.NewFrame(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(f))
}

func readFrame(t *testing.T, conn *websocket.Conn) domain.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f domain.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// expectSilence asserts nothing arrives on conn for a short while. The
// connection is unusable afterwards.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", data)
}

func join(t *testing.T, h *hub.Hub, conn *websocket.Conn, ns, conversationID string, members int) {
	t.Helper()
	send(t, conn, domain.EventJoinConversation, domain.ConversationRef{ConversationID: conversationID})
	require.Eventually(t, func() bool {
		return h.RoomClientCount(ns, conversationID) == members
	}, 2*time.Second, 10*time.Millisecond)
}
