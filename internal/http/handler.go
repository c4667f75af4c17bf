package http

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fieldop-service/internal/metrics"
	"fieldop-service/internal/reporter"
	"fieldop-service/internal/service"
)

const (
	maxUploadBytes = 4 << 30
	wsWriteWait    = 10 * time.Second
	wsReadLimit    = 4096
)

var connectedReply = []byte(`{"status":"connected"}`)

type Handler struct {
	pipeline   *service.PipelineService
	reporter   *reporter.Reporter
	workspaces service.Workspaces
	metrics    *metrics.Metrics
	mediaRoot  string
	upgrader   websocket.Upgrader
	log        zerolog.Logger
}

func NewHandler(
	pipeline *service.PipelineService,
	rep *reporter.Reporter,
	workspaces service.Workspaces,
	m *metrics.Metrics,
	mediaRoot string,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		pipeline:   pipeline,
		reporter:   rep,
		workspaces: workspaces,
		metrics:    m,
		mediaRoot:  mediaRoot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	r.GET("/ws/results", h.results)

	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.GET("/runs", h.listRuns)
		public.GET("/runs/:run_id", h.getRun)
	}

	// Device control
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/devices/:device_id/pipeline", h.startPipeline)
		protected.POST("/devices/:device_id/stop", h.stopPipeline)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"observers": h.reporter.Count(),
	})
}

type pipelineRequest struct {
	VideoPath string `json:"video_path"`
	StreamURL string `json:"stream_url"`
}

func (h *Handler) startPipeline(c *gin.Context) {
	deviceID := strings.TrimSpace(c.Param("device_id"))
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, errorResponse("device_id is required"))
		return
	}
	if h.pipeline.Running(deviceID) {
		h.handleError(c, fmt.Errorf("%w: device %s", service.ErrAlreadyRunning, deviceID))
		return
	}

	src, err := h.readSource(c, deviceID)
	if err != nil {
		h.handleError(c, err)
		return
	}

	runID, err := h.pipeline.StartPipeline(deviceID, src)
	if err != nil {
		h.handleError(c, err)
		return
	}

	h.log.Info().
		Str("device_id", deviceID).
		Str("run_id", runID).
		Msg("pipeline accepted")
	c.JSON(http.StatusAccepted, gin.H{
		"status":    "accepted",
		"run_id":    runID,
		"device_id": deviceID,
	})
}

// readSource accepts a multipart "video" file, a JSON reference to a file or
// stream, or the raw container bytes as the request body. Uploaded bytes are
// spooled to disk so the run outlives the request.
func (h *Handler) readSource(c *gin.Context, deviceID string) (service.Source, error) {
	mediaType, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type"))

	switch mediaType {
	case "multipart/form-data":
		file, err := c.FormFile("video")
		if err != nil {
			return service.Source{}, fmt.Errorf("%w: multipart field video is required", service.ErrInvalidInput)
		}
		dir, err := h.workspaces.Create(deviceID + "_upload")
		if err != nil {
			return service.Source{}, err
		}
		dst := filepath.Join(dir, "upload"+videoExt(file.Filename))
		if err := c.SaveUploadedFile(file, dst); err != nil {
			return service.Source{}, fmt.Errorf("save upload: %w", err)
		}
		return service.Source{Path: dst}, nil

	case "application/json":
		var req pipelineRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return service.Source{}, fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
		}
		src := service.Source{StreamURL: strings.TrimSpace(req.StreamURL)}
		if p := strings.TrimSpace(req.VideoPath); p != "" {
			resolved, err := h.resolveVideoPath(p)
			if err != nil {
				return service.Source{}, err
			}
			src.Path = resolved
		}
		return src, nil

	default:
		dir, err := h.workspaces.Create(deviceID + "_upload")
		if err != nil {
			return service.Source{}, err
		}
		dst := filepath.Join(dir, "upload.mp4")
		n, err := spool(dst, http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes))
		if err != nil {
			return service.Source{}, fmt.Errorf("%w: read body: %v", service.ErrInvalidInput, err)
		}
		if n == 0 {
			_ = os.RemoveAll(dir)
			return service.Source{}, fmt.Errorf("%w: request body is empty", service.ErrInvalidInput)
		}
		return service.Source{Path: dst}, nil
	}
}

// resolveVideoPath maps a client supplied path onto a file under the media
// root. Relative paths are taken relative to the root; symlinks are followed
// before the containment check.
func (h *Handler) resolveVideoPath(p string) (string, error) {
	if h.mediaRoot == "" {
		return "", fmt.Errorf("%w: video_path is not accepted without a configured media root", service.ErrInvalidInput)
	}
	root, err := filepath.EvalSymlinks(h.mediaRoot)
	if err != nil {
		return "", fmt.Errorf("media root: %w", err)
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("media root: %w", err)
	}

	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("%w: video_path: %v", service.ErrInvalidInput, err)
	}

	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: video_path is outside the media root", service.ErrInvalidInput)
	}
	return resolved, nil
}

func spool(path string, r io.Reader) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return n, err
}

func videoExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" || len(ext) > 6 {
		return ".mp4"
	}
	return ext
}

func (h *Handler) stopPipeline(c *gin.Context) {
	deviceID := strings.TrimSpace(c.Param("device_id"))
	if err := h.pipeline.Stop(deviceID); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "stopping",
		"device_id": deviceID,
	})
}

func (h *Handler) listRuns(c *gin.Context) {
	var deviceID *string
	if d := strings.TrimSpace(c.Query("device_id")); d != "" {
		deviceID = &d
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	runs, err := h.pipeline.ListRuns(c.Request.Context(), deviceID, limit)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(runs))
}

func (h *Handler) getRun(c *gin.Context) {
	run, err := h.pipeline.GetRun(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(run))
}

// results subscribes the connection to verdicts until the client goes away.
// Every inbound text message is answered with a connected status.
func (h *Handler) results(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(wsReadLimit)

	id := h.reporter.Add(&wsConn{conn: conn})
	defer h.reporter.Remove(id)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug().Err(err).Str("observer_id", id).Msg("websocket read failed")
			}
			return
		}
		if !h.reporter.Send(id, connectedReply) {
			return
		}
	}
}

// wsConn adapts a websocket to reporter.Conn. Writes come only from the
// reporter's per-observer writer.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) WriteMessage(data []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	_ = w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return w.conn.Close()
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
