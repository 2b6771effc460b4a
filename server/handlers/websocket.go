package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mihir-joshi/trueframe/server/engine"
	"github.com/mihir-joshi/trueframe/server/middleware"
	"github.com/mihir-joshi/trueframe/server/models"
	"github.com/mihir-joshi/trueframe/server/session"
)

const (
	readDeadline  = 60 * time.Second
	pingInterval  = 54 * time.Second
	writeDeadline = 10 * time.Second

	// Session stats go to the log every this many processed frames.
	statsLogEvery = 50
)

// WebSocketHandler serves the persistent frame ingestion endpoint. Each
// connection gets its own goroutine and its own session state; frames are
// processed strictly in arrival order on that goroutine so the window
// aggregation sees a consistent timeline.
type WebSocketHandler struct {
	engine        *engine.Engine
	auth          *middleware.TokenAuth
	logger        *zap.Logger
	upgrader      websocket.Upgrader
	windowSeconds float64
	maxBuffered   int
	maxFrameSize  int64
}

// wsConn serializes writes: the keepalive goroutine and the session
// goroutine both write to the socket.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsConn) writeJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) writePing() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

func NewWebSocketHandler(eng *engine.Engine, auth *middleware.TokenAuth,
	windowSeconds float64, maxBuffered int, maxFrameSize int64, logger *zap.Logger) *WebSocketHandler {

	return &WebSocketHandler{
		engine:        eng,
		auth:          auth,
		logger:        logger,
		windowSeconds: windowSeconds,
		maxBuffered:   maxBuffered,
		maxFrameSize:  maxFrameSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	rawConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer rawConn.Close()

	conn := &wsConn{conn: rawConn}
	sess := session.New(h.windowSeconds, h.maxBuffered)
	defer sess.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	logger := h.logger.With(
		zap.String("session_id", sess.ID),
		zap.String("client_ip", c.ClientIP()))
	logger.Info("websocket client connected")

	rawConn.SetReadLimit(h.maxFrameSize)
	rawConn.SetReadDeadline(time.Now().Add(readDeadline))
	rawConn.SetPongHandler(func(string) error {
		rawConn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingRoutine(conn, done, logger)

	for {
		_, raw, err := rawConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		msg, err := models.DecodeFrameMessage(raw)
		if err != nil {
			logger.Warn("malformed message", zap.Error(err))
			h.sendError(conn, err.Error(), logger)
			continue
		}

		h.handleMessage(ctx, conn, sess, msg, logger)
	}

	counters := sess.Counters()
	logger.Info("websocket client disconnected",
		zap.Int64("total_frames", counters.TotalFrames),
		zap.Int64("dropped_frames", counters.DroppedFrames),
		zap.Duration("session_duration", time.Since(sess.StartedAt)))
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, conn *wsConn,
	sess *session.State, msg *models.FrameMessage, logger *zap.Logger) {

	switch msg.Type {
	case models.MessageTypeFrame:
		h.processFrame(ctx, conn, sess, msg, logger)
	case models.MessageTypePing:
		conn.writeJSON(gin.H{"type": models.MessageTypePong, "timestamp": time.Now().Unix()})
	default:
		logger.Warn("unknown message type", zap.String("type", msg.Type))
		h.sendError(conn, "unknown message type: "+msg.Type, logger)
	}
}

func (h *WebSocketHandler) processFrame(ctx context.Context, conn *wsConn,
	sess *session.State, msg *models.FrameMessage, logger *zap.Logger) {

	if h.auth.Enabled() && !h.auth.Verify(msg.Token) {
		logger.Warn("frame rejected, invalid token")
		h.sendError(conn, "invalid token", logger)
		return
	}

	if sess.VideoID == "" && msg.VideoID != "" {
		sess.VideoID = msg.VideoID
	}

	// Load shedding: one frame per integer capture second, later
	// arrivals in the same second are dropped, not queued.
	if !sess.ShouldProcess(msg.TS) {
		logger.Debug("frame dropped by throttle",
			zap.String("frame_id", msg.ID), zap.Float64("ts", msg.TS))
		return
	}

	data, err := models.DecodeFrameData(msg.Frame)
	if err != nil {
		logger.Warn("failed to decode frame data",
			zap.String("frame_id", msg.ID), zap.Error(err))
		h.sendError(conn, err.Error(), logger)
		return
	}

	verdict, err := h.engine.Analyze(ctx, &engine.Frame{
		ID:        msg.ID,
		VideoID:   msg.VideoID,
		Timestamp: msg.TS,
		Data:      data,
	})
	if err != nil {
		logger.Error("frame analysis failed",
			zap.String("frame_id", msg.ID), zap.Error(err))
		h.sendError(conn, "frame analysis failed", logger)
		return
	}

	windowVerdict := sess.Record(*verdict)

	result := models.NewResultMessage(msg.ID, msg.TS, verdict)
	result.WindowSummary = windowVerdict
	if err := conn.writeJSON(result); err != nil {
		logger.Error("failed to send result", zap.Error(err))
		return
	}

	if windowVerdict != nil {
		logger.Info("window verdict emitted",
			zap.String("prediction", string(windowVerdict.Label)),
			zap.Float64("confidence", windowVerdict.Confidence),
			zap.Float64("window_start", windowVerdict.WindowStart),
			zap.Float64("window_end", windowVerdict.WindowEnd))
	}

	if counters := sess.Counters(); counters.TotalFrames%statsLogEvery == 0 {
		logger.Info("session stats",
			zap.Int64("total_frames", counters.TotalFrames),
			zap.Int64("real", counters.RealFrames),
			zap.Int64("fake", counters.FakeFrames),
			zap.Int64("no_face", counters.NoFaceFrames),
			zap.Int64("suspicious", counters.SuspiciousCount),
			zap.Int64("dropped", counters.DroppedFrames))
	}
}

func (h *WebSocketHandler) sendError(conn *wsConn, errMsg string, logger *zap.Logger) {
	msg := models.ErrorMessage{Type: models.MessageTypeError, Error: errMsg}
	if err := conn.writeJSON(msg); err != nil {
		logger.Error("failed to send error message", zap.Error(err))
	}
}

func (h *WebSocketHandler) pingRoutine(conn *wsConn, done chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.writePing(); err != nil {
				logger.Debug("failed to send ping", zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}
