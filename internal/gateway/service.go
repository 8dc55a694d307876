// Package gateway implements the client-facing component: it submits tasks
// onto the mesh, records and fans out the resulting event streams, and
// serves the HTTP surface for SSE, artifacts, share links, and sessions.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/artifacts"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/eventbuffer"
	"github.com/agentmesh/agentmesh/internal/mesh"
	"github.com/agentmesh/agentmesh/internal/taskctx"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// errorEventType is the buffered event type for JSON-RPC error envelopes.
// Like the terminal Task document, an error ends the task's stream.
const errorEventType = "error"

// isTerminalEventType reports whether an event type closes the stream.
func isTerminalEventType(eventType string) bool {
	return eventType == a2a.EventKindTask || eventType == errorEventType
}

// Upload is one client-provided file attached to a submission.
type Upload struct {
	Filename string
	MimeType string
	Data     []byte
	Metadata map[string]any
}

// SubmitRequest carries everything needed to dispatch one task.
type SubmitRequest struct {
	TargetAgent string
	Parts       []a2a.Part
	Uploads     []Upload
	SessionID   string
	Identity    taskctx.UserIdentity
	ClientID    string
	Streaming   bool
	Metadata    map[string]any
}

// Service is the gateway core: submit-task plus the event sinks feeding the
// buffer and the live SSE hub.
type Service struct {
	cfg       config.GatewayConfig
	namespace string
	appName   string
	bus       mesh.Bus
	buffer    *eventbuffer.Buffer
	store     artifacts.Store
	sessions  *SessionStore
	hub       *Hub
	agents    *AgentRegistry
	logger    *logger.Logger

	registry *taskctx.Registry

	mu      sync.Mutex
	seqs    map[string]int64  // task id -> last assigned buffer sequence
	targets map[string]string // task id -> target agent name

	subs []mesh.Subscription
	done chan struct{}
	wg   sync.WaitGroup
}

// NewService wires the gateway core.
func NewService(cfg config.GatewayConfig, namespace, appName string, bus mesh.Bus, buffer *eventbuffer.Buffer, store artifacts.Store, sessions *SessionStore, agents *AgentRegistry, log *logger.Logger) *Service {
	return &Service{
		cfg:       cfg,
		namespace: namespace,
		appName:   appName,
		bus:       bus,
		buffer:    buffer,
		store:     store,
		sessions:  sessions,
		hub:       NewHub(),
		agents:    agents,
		logger:    log.WithComponent("gateway"),
		registry:  taskctx.NewRegistry(),
		seqs:      make(map[string]int64),
		targets:   make(map[string]string),
	}
}

// Hub exposes the live fan-out for the SSE handlers.
func (s *Service) Hub() *Hub { return s.hub }

// Registry exposes the task context registry.
func (s *Service) Registry() *taskctx.Registry { return s.registry }

// Agents exposes the discovered-agent registry.
func (s *Service) Agents() *AgentRegistry { return s.agents }

// Start subscribes to the gateway-owned status and response topics and
// starts the heartbeat publisher when configured.
func (s *Service) Start(ctx context.Context) error {
	s.done = make(chan struct{})

	statusSub, err := s.bus.Subscribe(a2a.GatewayStatusWildcard(s.namespace, s.cfg.ID), s.handleStatusMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to status topic: %w", err)
	}
	s.subs = append(s.subs, statusSub)

	responseSub, err := s.bus.Subscribe(a2a.GatewayResponseWildcard(s.namespace, s.cfg.ID), s.handleResponseMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to response topic: %w", err)
	}
	s.subs = append(s.subs, responseSub)

	if s.cfg.HeartbeatSeconds > 0 {
		s.wg.Add(1)
		go s.heartbeatLoop()
	}

	s.logger.Info("Gateway started", zap.String("gateway_id", s.cfg.ID))
	return nil
}

// Stop cancels all in-flight tasks and joins the workers.
func (s *Service) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.registry.ForEach(func(tc *taskctx.TaskContext) {
		tc.Cancellation.Cancel()
	})
	if s.done != nil {
		close(s.done)
	}
	s.wg.Wait()
}

func (s *Service) heartbeatLoop() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.HeartbeatSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	topic := a2a.DeployerHeartbeatTopic(s.namespace)
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			payload, _ := json.Marshal(map[string]any{
				"gateway_id": s.cfg.ID,
				"timestamp":  a2a.NowTimestamp(),
			})
			if err := s.bus.Publish(context.Background(), mesh.NewMessage(topic, payload, nil)); err != nil {
				s.logger.Warn("Heartbeat publish failed", zap.Error(err))
			}
		}
	}
}

// SubmitTask persists a TaskContext, saves uploads as artifacts, publishes
// the A2A request to the target agent, and returns the LogicalTaskId.
func (s *Service) SubmitTask(ctx context.Context, req SubmitRequest) (string, error) {
	if req.TargetAgent == "" {
		return "", fmt.Errorf("target agent is required")
	}
	if len(req.Parts) == 0 && len(req.Uploads) == 0 {
		return "", fmt.Errorf("message must carry at least one part")
	}

	taskID := uuid.New().String()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	// The gateway is an attached client even when the caller sends no id;
	// agents distinguish interactive from background tasks by this field.
	clientID := req.ClientID
	if clientID == "" {
		clientID = s.cfg.ID
	}

	tc := taskctx.New(taskID)
	tc.JSONRPCRequestID = taskID
	tc.SessionID = sessionID
	tc.ClientID = clientID
	tc.UserIdentity = req.Identity
	tc.AppName = s.appName
	tc.StatusTopic = a2a.GatewayStatusTopic(s.namespace, s.cfg.ID, taskID)
	tc.ReplyToTopic = a2a.GatewayResponseTopic(s.namespace, s.cfg.ID, taskID)

	parts := make([]a2a.Part, 0, len(req.Parts)+len(req.Uploads))
	parts = append(parts, req.Parts...)
	for _, upload := range req.Uploads {
		part, err := s.saveUpload(ctx, tc, upload)
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}

	message := a2a.NewMessage(a2a.RoleUser, parts)
	message.TaskID = taskID
	message.ContextID = sessionID

	method := a2a.MethodMessageSend
	if req.Streaming {
		method = a2a.MethodMessageStream
	}
	envelope, err := a2a.NewRequest(taskID, method, a2a.MessageSendParams{
		Message:  message,
		Metadata: req.Metadata,
	})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	if err := s.registry.Create(tc); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.targets[taskID] = req.TargetAgent
	s.mu.Unlock()

	if err := s.buffer.SetTaskMetadata(ctx, taskID, sessionID, req.Identity.ID); err != nil {
		s.teardownTask(taskID)
		return "", fmt.Errorf("failed to register task metadata: %w", err)
	}

	now := time.Now().UTC()
	if err := s.sessions.TouchSession(ctx, sessionID, req.Identity.ID); err != nil {
		s.logger.Warn("Failed to touch session", zap.Error(err))
	}
	if err := s.sessions.CreateTask(ctx, TaskRecord{
		TaskID:    taskID,
		SessionID: sessionID,
		UserID:    req.Identity.ID,
		Agent:     req.TargetAgent,
		State:     a2a.TaskStateSubmitted,
		Request:   message.TextContent(),
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		s.logger.Warn("Failed to record task", zap.Error(err))
	}

	msg := mesh.NewMessage(a2a.AgentRequestTopic(s.namespace, req.TargetAgent), payload, map[string]string{
		a2a.UserPropReplyTo:     tc.ReplyToTopic,
		a2a.UserPropStatusTopic: tc.StatusTopic,
		a2a.UserPropUserID:      req.Identity.ID,
		a2a.UserPropSessionID:   sessionID,
		a2a.UserPropClientID:    clientID,
	})
	if err := s.bus.Publish(ctx, msg); err != nil {
		s.teardownTask(taskID)
		return "", fmt.Errorf("failed to publish request: %w", err)
	}

	s.scheduleTimeout(tc)

	s.logger.Info("Task submitted",
		zap.String("task_id", taskID),
		zap.String("agent", req.TargetAgent),
		zap.String("session_id", sessionID))
	return taskID, nil
}

// saveUpload persists one uploaded file and returns the FilePart referencing
// its artifact URI.
func (s *Service) saveUpload(ctx context.Context, tc *taskctx.TaskContext, upload Upload) (a2a.Part, error) {
	filename := upload.Filename
	if filename == "" {
		filename = "upload-" + uuid.New().String()
	}
	user := tc.UserIdentity.ID
	if user == "" {
		user = "anonymous"
	}
	uri, err := s.store.Save(ctx, artifacts.Key{
		App:      tc.AppName,
		User:     user,
		Session:  tc.SessionID,
		Filename: filename,
	}, upload.Data, artifacts.Metadata{MimeType: upload.MimeType, Extra: upload.Metadata})
	if err != nil {
		return a2a.Part{}, fmt.Errorf("failed to save upload %s: %w", filename, err)
	}
	tc.AddProducedArtifact(filename, uri.Version)
	return a2a.FilePart(a2a.FileContent{
		Name:     filename,
		MimeType: upload.MimeType,
		URI:      uri.String(),
	}), nil
}

// scheduleTimeout arms the hard per-task timeout.
func (s *Service) scheduleTimeout(tc *taskctx.TaskContext) {
	timeout := s.cfg.TaskTimeoutDuration()
	if timeout <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-tc.Cancellation.Done():
		case <-timer.C:
			if s.registry.Get(tc.LogicalTaskID) == nil {
				return
			}
			s.logger.Warn("Task timed out", zap.String("task_id", tc.LogicalTaskID))
			s.CancelTask(context.Background(), tc.LogicalTaskID)
		}
	}()
}

// CancelTask publishes a cancel to the task's target agent and sets the
// local cancellation token. The canceled terminal event arrives through the
// normal response path once the downstream confirms.
func (s *Service) CancelTask(ctx context.Context, taskID string) error {
	tc := s.registry.Get(taskID)
	if tc == nil {
		return ErrTaskNotFound
	}
	tc.Cancellation.Cancel()

	s.mu.Lock()
	target := s.targets[taskID]
	s.mu.Unlock()
	if target == "" {
		return fmt.Errorf("task %s has no recorded target", taskID)
	}

	envelope, err := a2a.NewRequest(uuid.New().String(), a2a.MethodTasksCancel, a2a.TaskIDParams{ID: taskID})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	msg := mesh.NewMessage(a2a.AgentRequestTopic(s.namespace, target), payload, map[string]string{
		a2a.UserPropReplyTo: tc.ReplyToTopic,
	})
	if err := s.bus.Publish(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish cancel: %w", err)
	}
	s.logger.Info("Cancel published", zap.String("task_id", taskID), zap.String("agent", target))
	return nil
}

// handleStatusMessage records and fans out intermediate events.
func (s *Service) handleStatusMessage(ctx context.Context, msg *mesh.Message) error {
	return s.ingest(ctx, msg, false)
}

// handleResponseMessage records and fans out terminal events.
func (s *Service) handleResponseMessage(ctx context.Context, msg *mesh.Message) error {
	return s.ingest(ctx, msg, true)
}

// ingest processes one mesh event envelope: buffer it with the task's
// session and user, fan it out live, and on the terminal Task tear the
// context down.
func (s *Service) ingest(ctx context.Context, msg *mesh.Message, terminal bool) error {
	taskID := a2a.TopicTail(msg.Topic)
	tc := s.registry.Get(taskID)

	envelope, err := a2a.ParseResponse(msg.Payload)
	if err != nil {
		s.logger.Warn("Ignoring malformed event envelope",
			zap.String("topic", msg.Topic), zap.Error(err))
		return nil
	}

	if envelope.Error != nil {
		s.recordAndFanOut(ctx, taskID, errorEventType, msg.Payload)
		if terminal {
			s.finishTask(ctx, tc, taskID, a2a.TaskStateFailed)
		}
		return nil
	}

	event, err := a2a.ParseEvent(envelope.Result)
	if err != nil {
		s.logger.Warn("Ignoring malformed event payload",
			zap.String("topic", msg.Topic), zap.Error(err))
		return nil
	}

	payload := envelope.Result
	if event.Kind == a2a.EventKindTask && tc != nil {
		payload = s.enhanceTerminalTask(tc, event.Task)
	}

	s.recordAndFanOut(ctx, taskID, event.Kind, payload)

	if event.Kind == a2a.EventKindTask {
		s.finishTask(ctx, tc, taskID, event.Task.Status.State)
	} else if event.Kind == a2a.EventKindStatusUpdate {
		if err := s.sessions.UpdateTaskState(ctx, taskID, event.StatusUpdate.Status.State); err != nil {
			s.logger.Warn("Failed to update task state", zap.Error(err))
		}
	}
	return nil
}

// enhanceTerminalTask appends a produced-artifact block to the terminal
// task's text so late-resolving clients can fetch the artifacts by URI.
func (s *Service) enhanceTerminalTask(tc *taskctx.TaskContext, task *a2a.Task) json.RawMessage {
	manifest := tc.ProducedArtifacts()
	raw, err := json.Marshal(task)
	if err != nil {
		s.logger.Error("Failed to marshal terminal task", zap.Error(err))
		return nil
	}
	if len(manifest) == 0 {
		return raw
	}

	block := "\n\n**Artifacts produced:**\n"
	user := tc.UserIdentity.ID
	if user == "" {
		user = "anonymous"
	}
	for _, ref := range manifest {
		uri := artifacts.URI{
			App:      tc.AppName,
			User:     user,
			Session:  tc.SessionID,
			Filename: ref.Filename,
			Version:  ref.Version,
		}
		block += fmt.Sprintf("- %s (version %d): %s\n", ref.Filename, ref.Version, uri.String())
	}

	if task.Status.Message == nil {
		message := a2a.NewMessage(a2a.RoleModel, nil)
		task.Status.Message = &message
	}
	task.Status.Message.Parts = append(task.Status.Message.Parts, a2a.TextPart(block))

	enhanced, err := json.Marshal(task)
	if err != nil {
		s.logger.Error("Failed to marshal enhanced task", zap.Error(err))
		return raw
	}
	return enhanced
}

// recordAndFanOut buffers one event and delivers it to live subscribers.
func (s *Service) recordAndFanOut(ctx context.Context, taskID, eventType string, payload []byte) {
	seq := s.nextSequence(ctx, taskID)

	if !s.buffer.BufferEvent(ctx, taskID, eventType, string(payload), seq) {
		s.logger.Warn("Event not buffered",
			zap.String("task_id", taskID),
			zap.String("event_type", eventType))
	}

	s.hub.Publish(StreamEvent{TaskID: taskID, Sequence: seq, Type: eventType, Data: payload})
}

// nextSequence assigns the next live-fanout sequence for a task. On first use
// after a restart the counter is seeded from the buffer so ids continue past
// the persisted events instead of restarting at 1.
func (s *Service) nextSequence(ctx context.Context, taskID string) int64 {
	s.mu.Lock()
	if _, known := s.seqs[taskID]; !known {
		s.mu.Unlock()
		last := s.buffer.LastSequence(ctx, taskID)
		s.mu.Lock()
		if _, known := s.seqs[taskID]; !known && last > s.seqs[taskID] {
			s.seqs[taskID] = last
		}
	}
	s.seqs[taskID]++
	seq := s.seqs[taskID]
	s.mu.Unlock()
	return seq
}

// finishTask flushes the buffer, records the final state, and destroys the
// task context.
func (s *Service) finishTask(ctx context.Context, tc *taskctx.TaskContext, taskID, state string) {
	s.buffer.FlushTaskBuffer(taskID)
	if err := s.sessions.UpdateTaskState(ctx, taskID, state); err != nil {
		s.logger.Warn("Failed to record final task state", zap.Error(err))
	}
	if tc != nil {
		tc.Cancellation.Cancel()
	}
	s.teardownTask(taskID)
	s.logger.Info("Task finished", zap.String("task_id", taskID), zap.String("state", state))
}

func (s *Service) teardownTask(taskID string) {
	s.registry.Remove(taskID)
	s.mu.Lock()
	delete(s.targets, taskID)
	delete(s.seqs, taskID)
	s.mu.Unlock()
}
