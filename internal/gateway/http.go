package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/artifacts"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/httpmw"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/eventbuffer"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// HTTPServer serves the gateway's REST and SSE surface.
type HTTPServer struct {
	cfg      config.GatewayConfig
	server   config.ServerConfig
	auth     config.AuthConfig
	appName  string
	service  *Service
	buffer   *eventbuffer.Buffer
	sessions *SessionStore
	shares   *ShareStore
	store    artifacts.Store
	logger   *logger.Logger
}

// NewHTTPServer wires the gateway HTTP surface.
func NewHTTPServer(cfg config.GatewayConfig, server config.ServerConfig, auth config.AuthConfig, appName string, service *Service, buffer *eventbuffer.Buffer, sessions *SessionStore, shares *ShareStore, store artifacts.Store, log *logger.Logger) *HTTPServer {
	return &HTTPServer{
		cfg:      cfg,
		server:   server,
		auth:     auth,
		appName:  appName,
		service:  service,
		buffer:   buffer,
		sessions: sessions,
		shares:   shares,
		store:    store,
		logger:   log.WithComponent("gateway-http"),
	}
}

// Router builds the gin engine with all routes and middleware.
func (h *HTTPServer) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(h.logger, "gateway"))
	router.Use(httpmw.OtelTracing("gateway"))
	router.Use(httpmw.CORS(h.server.CORSOrigins))

	authenticated := router.Group("/api/v1", AuthMiddleware(h.auth, h.logger))
	{
		// gin reads the mid-segment colon as a wildcard, so message:stream
		// and message:send cannot be two literal routes. One wildcard route
		// keeps the public URLs and dispatches on the captured suffix.
		authenticated.POST("/message:action", h.handleMessageAction)

		authenticated.GET("/sse/subscribe/:taskId", h.handleSSESubscribe)
		authenticated.GET("/sse/sessions/:sessionId", h.handleSSESession)

		authenticated.GET("/tasks/:taskId", h.handleTaskTrace)
		authenticated.POST("/tasks/:taskId/cancel", h.handleCancelTask)

		authenticated.GET("/sessions", h.handleListSessions)
		authenticated.GET("/sessions/:sessionId/tasks", h.handleListSessionTasks)

		authenticated.GET("/agents", h.handleListAgents)

		authenticated.GET("/artifacts/:sessionId", h.handleListArtifacts)
		authenticated.POST("/artifacts/:sessionId/:filename", h.handleUploadArtifact)
		authenticated.GET("/artifacts/:sessionId/:filename", h.handleGetArtifact)
		authenticated.GET("/artifacts/:sessionId/:filename/versions", h.handleArtifactVersions)
		authenticated.DELETE("/artifacts/:sessionId/:filename", h.handleDeleteArtifact)

		// POST takes the session id; the other verbs take the share id.
		authenticated.POST("/share/:id", h.handleCreateShare)
		authenticated.PATCH("/share/:id", h.handleUpdateShare)
		authenticated.DELETE("/share/:id", h.handleDeleteShare)
	}

	// Share views resolve identity when a token is present but never require
	// one: a public share must open without credentials.
	router.GET("/api/v1/share/:id", optionalAuth(h.auth, h.logger), h.handleViewShare)

	return router
}

// optionalAuth resolves an identity when credentials are supplied and
// continues anonymously otherwise.
func optionalAuth(cfg config.AuthConfig, log *logger.Logger) gin.HandlerFunc {
	resolve := AuthMiddleware(cfg, log)
	return func(c *gin.Context) {
		if cfg.Mode == "none" || bearerToken(c) != "" {
			resolve(c)
			return
		}
		c.Next()
	}
}

// submitParams is the params object of a message:stream submission: the
// standard send params plus the target agent.
type submitParams struct {
	AgentName string         `json:"agent_name"`
	Message   a2a.Message    `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// handleMessageAction routes POST /api/v1/message:stream and message:send.
// The wildcard value includes the colon.
func (h *HTTPServer) handleMessageAction(c *gin.Context) {
	switch c.Param("action") {
	case ":stream", ":send":
		h.handleSubmit(c)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	}
}

func (h *HTTPServer) handleSubmit(c *gin.Context) {
	identity := IdentityFrom(c)

	var body []byte
	var uploads []Upload
	var err error
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		body, uploads, err = h.readMultipartSubmit(c)
	} else {
		body, err = io.ReadAll(io.LimitReader(c.Request.Body, h.maxMessageBytes()))
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, a2a.NewErrorResponse(nil, a2a.CodeParseError, "failed to read request body"))
		return
	}

	envelope, err := a2a.ParseRequest(body)
	if err != nil {
		var rpcErr *a2a.RPCError
		if errors.As(err, &rpcErr) {
			c.JSON(http.StatusBadRequest, a2a.NewErrorResponse(nil, rpcErr.Code, rpcErr.Message))
			return
		}
		c.JSON(http.StatusBadRequest, a2a.NewErrorResponse(nil, a2a.CodeParseError, err.Error()))
		return
	}

	streaming := false
	switch envelope.Method {
	case a2a.MethodMessageStream:
		streaming = true
	case a2a.MethodMessageSend:
	default:
		c.JSON(http.StatusBadRequest, a2a.NewErrorResponse(envelope.ID, a2a.CodeMethodNotFound,
			fmt.Sprintf("unsupported method %q", envelope.Method)))
		return
	}

	var params submitParams
	if err := json.Unmarshal(envelope.Params, &params); err != nil {
		c.JSON(http.StatusBadRequest, a2a.NewErrorResponse(envelope.ID, a2a.CodeInvalidParams,
			fmt.Sprintf("invalid params: %v", err)))
		return
	}
	if params.AgentName == "" {
		c.JSON(http.StatusBadRequest, a2a.NewErrorResponse(envelope.ID, a2a.CodeInvalidParams,
			"params.agent_name is required"))
		return
	}
	if len(params.Message.Parts) == 0 {
		c.JSON(http.StatusBadRequest, a2a.NewErrorResponse(envelope.ID, a2a.CodeInvalidParams,
			"message.parts must not be empty"))
		return
	}

	taskID, err := h.service.SubmitTask(c.Request.Context(), SubmitRequest{
		TargetAgent: params.AgentName,
		Parts:       params.Message.Parts,
		Uploads:     uploads,
		SessionID:   params.Message.ContextID,
		Identity:    identity,
		ClientID:    c.GetHeader("X-Client-Id"),
		Streaming:   streaming,
		Metadata:    params.Metadata,
	})
	if err != nil {
		h.logger.Warn("Task submission failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, a2a.NewErrorResponse(envelope.ID, a2a.CodeInternalError, err.Error()))
		return
	}

	response, err := a2a.NewResponse(envelope.ID, gin.H{"id": taskID})
	if err != nil {
		c.JSON(http.StatusInternalServerError, a2a.NewErrorResponse(envelope.ID, a2a.CodeInternalError, err.Error()))
		return
	}
	c.JSON(http.StatusOK, response)
}

// readMultipartSubmit extracts the JSON-RPC envelope from the "request"
// form field and the attached files from the "files" field.
func (h *HTTPServer) readMultipartSubmit(c *gin.Context) ([]byte, []Upload, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, nil, err
	}

	requests := form.Value["request"]
	if len(requests) == 0 {
		return nil, nil, fmt.Errorf("multipart field \"request\" is required")
	}

	var uploads []Upload
	for _, header := range form.File["files"] {
		file, err := header.Open()
		if err != nil {
			return nil, nil, err
		}
		data, err := io.ReadAll(io.LimitReader(file, h.maxMessageBytes()))
		file.Close()
		if err != nil {
			return nil, nil, err
		}
		uploads = append(uploads, Upload{
			Filename: header.Filename,
			MimeType: header.Header.Get("Content-Type"),
			Data:     data,
		})
	}
	return []byte(requests[0]), uploads, nil
}

func (h *HTTPServer) maxMessageBytes() int64 {
	if h.server.MaxMessageBytes > 0 {
		return h.server.MaxMessageBytes
	}
	return 10 << 20
}

// handleTaskTrace returns the task record plus its buffered event trail.
func (h *HTTPServer) handleTaskTrace(c *gin.Context) {
	identity := IdentityFrom(c)
	taskID := c.Param("taskId")

	record, err := h.sessions.GetTask(c.Request.Context(), taskID)
	if err != nil || record.UserID != identity.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	events, err := h.buffer.GetBufferedEvents(c.Request.Context(), taskID, record.SessionID, identity.ID, 1)
	if err != nil {
		h.logger.Warn("Failed to load task events", zap.String("task_id", taskID), zap.Error(err))
	}

	type traceEvent struct {
		Sequence  int64           `json:"sequence"`
		EventType string          `json:"event_type"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt time.Time       `json:"created_at"`
	}
	trail := make([]traceEvent, 0, len(events))
	for _, ev := range events {
		trail = append(trail, traceEvent{
			Sequence:  ev.Sequence,
			EventType: ev.EventType,
			Payload:   json.RawMessage(ev.Payload),
			CreatedAt: ev.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"task": record, "events": trail})
}

func (h *HTTPServer) handleCancelTask(c *gin.Context) {
	identity := IdentityFrom(c)
	taskID := c.Param("taskId")

	record, err := h.sessions.GetTask(c.Request.Context(), taskID)
	if err != nil || record.UserID != identity.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	if err := h.service.CancelTask(c.Request.Context(), taskID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": taskID, "status": "cancellation requested"})
}

func (h *HTTPServer) handleListSessions(c *gin.Context) {
	identity := IdentityFrom(c)
	sessions, err := h.sessions.ListSessions(c.Request.Context(), identity.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *HTTPServer) handleListSessionTasks(c *gin.Context) {
	identity := IdentityFrom(c)
	sessionID := c.Param("sessionId")

	if !h.ownsSession(c, sessionID, identity.ID) {
		return
	}
	tasks, err := h.sessions.ListSessionTasks(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// ownsSession enforces that the session exists and belongs to the user.
// Missing and foreign sessions are indistinguishable to the caller.
func (h *HTTPServer) ownsSession(c *gin.Context, sessionID, userID string) bool {
	record, err := h.sessions.GetSession(c.Request.Context(), sessionID)
	if err != nil || record.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return false
	}
	return true
}

func (h *HTTPServer) handleListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.service.Agents().List()})
}

// handleListArtifacts returns the latest version of every artifact in the
// session scope.
func (h *HTTPServer) handleListArtifacts(c *gin.Context) {
	identity := IdentityFrom(c)
	sessionID := c.Param("sessionId")
	if !h.ownsSession(c, sessionID, identity.ID) {
		return
	}

	infos, err := h.store.List(c.Request.Context(), h.appName, identity.ID, sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list artifacts"})
		return
	}

	type artifactView struct {
		URI      string             `json:"uri"`
		Metadata artifacts.Metadata `json:"metadata"`
	}
	out := make([]artifactView, 0, len(infos))
	for _, info := range infos {
		out = append(out, artifactView{URI: info.URI.String(), Metadata: info.Metadata})
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": out})
}

// handleUploadArtifact stores a new version from a multipart upload. An
// optional metadata_json form field carries description and extra metadata.
func (h *HTTPServer) handleUploadArtifact(c *gin.Context) {
	identity := IdentityFrom(c)
	sessionID := c.Param("sessionId")
	filename := c.Param("filename")
	if !h.ownsSession(c, sessionID, identity.ID) {
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxMessageBytes()))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read upload"})
		return
	}

	meta := artifacts.Metadata{
		Filename: filename,
		MimeType: header.Header.Get("Content-Type"),
	}
	if raw := c.PostForm("metadata_json"); raw != "" {
		var extra struct {
			Description string         `json:"description"`
			MimeType    string         `json:"mime_type"`
			Extra       map[string]any `json:"extra"`
		}
		if err := json.Unmarshal([]byte(raw), &extra); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid metadata_json"})
			return
		}
		meta.Description = extra.Description
		if extra.MimeType != "" {
			meta.MimeType = extra.MimeType
		}
		meta.Extra = extra.Extra
	}

	key := artifacts.Key{App: h.appName, User: identity.ID, Session: sessionID, Filename: filename}
	uri, err := h.store.Save(c.Request.Context(), key, data, meta)
	if err != nil {
		if errors.Is(err, artifacts.ErrQuotaExceeded) {
			c.JSON(http.StatusInsufficientStorage, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store artifact"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"uri": uri.String(), "version": uri.Version})
}

// handleGetArtifact returns one artifact version's bytes. Without ?version=
// the latest version is served.
func (h *HTTPServer) handleGetArtifact(c *gin.Context) {
	identity := IdentityFrom(c)
	sessionID := c.Param("sessionId")
	filename := c.Param("filename")
	if !h.ownsSession(c, sessionID, identity.ID) {
		return
	}

	key := artifacts.Key{App: h.appName, User: identity.ID, Session: sessionID, Filename: filename}
	version, err := h.resolveVersion(c, key)
	if err != nil {
		return
	}

	uri := artifacts.URI{App: key.App, User: key.User, Session: key.Session, Filename: key.Filename, Version: version}
	data, err := h.store.Load(c.Request.Context(), uri)
	if err != nil {
		h.artifactError(c, err)
		return
	}
	meta, err := h.store.LoadMetadata(c.Request.Context(), uri)
	if err != nil {
		h.artifactError(c, err)
		return
	}

	mimeType := meta.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	c.Header("X-Artifact-Version", fmt.Sprintf("%d", version))
	c.Data(http.StatusOK, mimeType, data)
}

// resolveVersion picks the requested or latest version; writes the error
// response itself on failure.
func (h *HTTPServer) resolveVersion(c *gin.Context, key artifacts.Key) (int, error) {
	if raw := c.Query("version"); raw != "" {
		var version int
		if _, err := fmt.Sscanf(raw, "%d", &version); err != nil || version < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version"})
			return 0, fmt.Errorf("invalid version %q", raw)
		}
		return version, nil
	}

	versions, err := h.store.Versions(c.Request.Context(), key)
	if err != nil || len(versions) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact not found"})
		return 0, artifacts.ErrNotFound
	}
	return versions[len(versions)-1], nil
}

func (h *HTTPServer) handleArtifactVersions(c *gin.Context) {
	identity := IdentityFrom(c)
	sessionID := c.Param("sessionId")
	filename := c.Param("filename")
	if !h.ownsSession(c, sessionID, identity.ID) {
		return
	}

	key := artifacts.Key{App: h.appName, User: identity.ID, Session: sessionID, Filename: filename}
	versions, err := h.store.Versions(c.Request.Context(), key)
	if err != nil {
		h.artifactError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"filename": filename, "versions": versions})
}

func (h *HTTPServer) handleDeleteArtifact(c *gin.Context) {
	identity := IdentityFrom(c)
	sessionID := c.Param("sessionId")
	filename := c.Param("filename")
	if !h.ownsSession(c, sessionID, identity.ID) {
		return
	}

	key := artifacts.Key{App: h.appName, User: identity.ID, Session: sessionID, Filename: filename}
	if err := h.store.Delete(c.Request.Context(), key); err != nil {
		h.artifactError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"filename": filename, "deleted": true})
}

func (h *HTTPServer) artifactError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, artifacts.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact not found"})
	case errors.Is(err, artifacts.ErrCorrupted):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "artifact file corrupted"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "artifact operation failed"})
	}
}

type shareRequest struct {
	AccessMode string   `json:"access_mode"`
	Domains    []string `json:"domains,omitempty"`
}

func (h *HTTPServer) handleCreateShare(c *gin.Context) {
	identity := IdentityFrom(c)
	sessionID := c.Param("id")
	if !h.ownsSession(c, sessionID, identity.ID) {
		return
	}

	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid share request"})
		return
	}

	share, err := h.shares.Create(c.Request.Context(), sessionID, identity.ID, req.AccessMode, req.Domains)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, share)
}

func (h *HTTPServer) handleUpdateShare(c *gin.Context) {
	identity := IdentityFrom(c)
	shareID := c.Param("id")

	share, err := h.loadOwnedShare(c, shareID, identity.ID)
	if err != nil {
		return
	}

	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid share request"})
		return
	}
	if req.AccessMode == "" {
		req.AccessMode = share.AccessMode
	}

	updated, err := h.shares.Update(c.Request.Context(), shareID, req.AccessMode, req.Domains)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *HTTPServer) handleDeleteShare(c *gin.Context) {
	identity := IdentityFrom(c)
	shareID := c.Param("id")

	if _, err := h.loadOwnedShare(c, shareID, identity.ID); err != nil {
		return
	}
	if err := h.shares.Delete(c.Request.Context(), shareID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete share"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": shareID, "deleted": true})
}

// loadOwnedShare loads a share and enforces creator ownership; writes the
// error response itself on failure.
func (h *HTTPServer) loadOwnedShare(c *gin.Context, shareID, userID string) (ShareLink, error) {
	share, err := h.shares.Get(c.Request.Context(), shareID)
	if err != nil || share.CreatedBy != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "share not found"})
		return ShareLink{}, ErrShareNotFound
	}
	return share, nil
}

// handleViewShare serves the anonymized read-only view of a shared session.
// Access is decided by the share's mode against the caller's identity.
func (h *HTTPServer) handleViewShare(c *gin.Context) {
	identity := IdentityFrom(c)
	shareID := c.Param("id")

	share, err := h.shares.Get(c.Request.Context(), shareID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "share not found"})
		return
	}

	allowed, reason := CheckShareAccess(share, identity.ID, identity.Email)
	if !allowed {
		status := http.StatusForbidden
		if reason == ShareReasonAuthRequired {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": "access denied", "reason": reason})
		return
	}

	tasks, err := h.sessions.ListSessionTasks(c.Request.Context(), share.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load shared session"})
		return
	}

	// User and session ids are anonymized; task ids stay verbatim so the
	// viewer can correlate with artifacts produced by the same task.
	type sharedTask struct {
		TaskID    string    `json:"task_id"`
		Agent     string    `json:"agent"`
		State     string    `json:"state"`
		Request   string    `json:"request,omitempty"`
		CreatedAt time.Time `json:"created_at"`
	}
	view := make([]sharedTask, 0, len(tasks))
	for _, task := range tasks {
		view = append(view, sharedTask{
			TaskID:    task.TaskID,
			Agent:     task.Agent,
			State:     task.State,
			Request:   task.Request,
			CreatedAt: task.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"session": AnonymizeID(share.SessionID),
		"owner":   AnonymizeID(share.CreatedBy),
		"reason":  reason,
		"tasks":   view,
	})
}
