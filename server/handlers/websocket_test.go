package handlers

import (
	"encoding/base64"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mihir-joshi/trueframe/server/engine"
	"github.com/mihir-joshi/trueframe/server/middleware"
	"github.com/mihir-joshi/trueframe/server/models"
	"github.com/mihir-joshi/trueframe/server/preprocess"
	"github.com/mihir-joshi/trueframe/server/voter"
)

func dialTestServer(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pre := &preprocess.StubPreprocessor{BBox: models.BBox{X: 0.1, Y: 0.1, Width: 0.5, Height: 0.5}}
	eng := engine.New(pre, fakeEnsemble(), voter.New(), nil, engine.DefaultConfig(), zap.NewNop())
	t.Cleanup(func() { eng.Shutdown() })

	auth := middleware.NewTokenAuth(token, zap.NewNop())
	h := NewWebSocketHandler(eng, auth, 10, 120, 10<<20, zap.NewNop())

	r := gin.New()
	r.GET("/ws", h.HandleWebSocket)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, id string, ts float64, token string) {
	t.Helper()
	frame := base64.StdEncoding.EncodeToString([]byte(id))
	msg := map[string]any{"type": "frame", "id": id, "ts": ts, "frame": frame}
	if token != "" {
		msg["token"] = token
	}
	require.NoError(t, conn.WriteJSON(msg))
}

func TestWebSocketFrameRoundTrip(t *testing.T) {
	conn := dialTestServer(t, "")

	sendFrame(t, conn, "f1", 2.5, "")

	var result models.ResultMessage
	require.NoError(t, conn.ReadJSON(&result))
	require.Equal(t, models.MessageTypeResult, result.Type)
	require.Equal(t, "f1", result.ID)
	require.Equal(t, 2.5, result.TS)
	require.Equal(t, models.LabelFake, result.Prediction)
	require.NotNil(t, result.BBox)
	require.Len(t, result.Models, 3)
	require.Nil(t, result.WindowSummary)
}

func TestWebSocketWindowSummaryEmitted(t *testing.T) {
	conn := dialTestServer(t, "")

	var last models.ResultMessage
	for ts := 0; ts <= 10; ts++ {
		sendFrame(t, conn, fmt.Sprintf("f%d", ts), float64(ts), "")
		require.NoError(t, conn.ReadJSON(&last))
	}

	require.NotNil(t, last.WindowSummary)
	require.Equal(t, models.LabelFake, last.WindowSummary.Label)
	require.Equal(t, 11, last.WindowSummary.FakeFrames)
}

func TestWebSocketThrottleDropsSameSecond(t *testing.T) {
	conn := dialTestServer(t, "")

	sendFrame(t, conn, "first", 1.0, "")
	sendFrame(t, conn, "dropped", 1.5, "")
	sendFrame(t, conn, "second", 2.0, "")

	var r1, r2 models.ResultMessage
	require.NoError(t, conn.ReadJSON(&r1))
	require.NoError(t, conn.ReadJSON(&r2))
	// The mid-second frame produced no result at all.
	require.Equal(t, "first", r1.ID)
	require.Equal(t, "second", r2.ID)
}

func TestWebSocketMalformedMessageKeepsConnection(t *testing.T) {
	conn := dialTestServer(t, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))

	var errMsg models.ErrorMessage
	require.NoError(t, conn.ReadJSON(&errMsg))
	require.Equal(t, models.MessageTypeError, errMsg.Type)
	require.NotEmpty(t, errMsg.Error)

	// Still usable after the bad message.
	sendFrame(t, conn, "f1", 1.0, "")
	var result models.ResultMessage
	require.NoError(t, conn.ReadJSON(&result))
	require.Equal(t, "f1", result.ID)
}

func TestWebSocketLegacyModelsShapeRejected(t *testing.T) {
	conn := dialTestServer(t, "")

	frame := base64.StdEncoding.EncodeToString([]byte("x"))
	raw := fmt.Sprintf(`{"type":"frame","id":"f1","ts":1,"frame":"%s","models":["a","b"]}`, frame)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))

	var errMsg models.ErrorMessage
	require.NoError(t, conn.ReadJSON(&errMsg))
	require.Equal(t, models.MessageTypeError, errMsg.Type)
	require.Contains(t, errMsg.Error, "legacy")
}

func TestWebSocketTokenRequired(t *testing.T) {
	conn := dialTestServer(t, "secret")

	sendFrame(t, conn, "f1", 1.0, "wrong")
	var errMsg models.ErrorMessage
	require.NoError(t, conn.ReadJSON(&errMsg))
	require.Equal(t, models.MessageTypeError, errMsg.Type)

	sendFrame(t, conn, "f2", 2.0, "secret")
	var result models.ResultMessage
	require.NoError(t, conn.ReadJSON(&result))
	require.Equal(t, "f2", result.ID)
}

func TestWebSocketPing(t *testing.T) {
	conn := dialTestServer(t, "")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	var pong struct {
		Type string `json:"type"`
	}
	require.NoError(t, conn.ReadJSON(&pong))
	require.Equal(t, models.MessageTypePong, pong.Type)
}

func TestWebSocketUnknownTypeError(t *testing.T) {
	conn := dialTestServer(t, "")

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "selfie"}))
	var errMsg models.ErrorMessage
	require.NoError(t, conn.ReadJSON(&errMsg))
	require.Equal(t, models.MessageTypeError, errMsg.Type)
	require.Contains(t, errMsg.Error, "selfie")
}
