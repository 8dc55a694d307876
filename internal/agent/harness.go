package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/a2a/translate"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/mesh"
	"github.com/agentmesh/agentmesh/internal/skills"
	"github.com/agentmesh/agentmesh/internal/taskctx"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

const (
	// maxToolIterations bounds the tool loop of one task.
	maxToolIterations = 8

	// shutdownJoin bounds how long Stop waits for in-flight tasks.
	shutdownJoin = 5 * time.Second
)

// Harness is the agent-side runtime: it subscribes to the agent's request
// topic, dispatches tasks onto worker goroutines, publishes streaming events
// back to the mesh, and republishes the agent card on a timer.
type Harness struct {
	cfg        config.AgentConfig
	namespace  string
	bus        mesh.Bus
	translator *translate.Translator
	registry   *taskctx.Registry
	sessions   *SessionStore
	compactor  *Compactor
	llm        LLM
	catalog    *skills.Catalog
	logger     *logger.Logger

	card a2a.AgentCard

	submit chan func()
	done   chan struct{}
	loopWG sync.WaitGroup
	taskWG sync.WaitGroup
	sub    mesh.Subscription
}

// New creates a harness. Compaction is driven by the agent configuration; a
// zero threshold disables it.
func New(cfg config.AgentConfig, namespace string, bus mesh.Bus, llm LLM, catalog *skills.Catalog, log *logger.Logger) (*Harness, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent.name is required")
	}
	log = log.WithComponent("agent").WithAgent(cfg.Name)

	compactor, err := NewCompactor(cfg, llm, log)
	if err != nil {
		return nil, err
	}

	requestTopic := a2a.AgentRequestTopic(namespace, cfg.Name)
	card := a2a.AgentCard{
		Name:         cfg.Name,
		Description:  cfg.Description,
		URL:          a2a.MeshURL(requestTopic),
		Version:      "1.0.0",
		Capabilities: a2a.AgentCapabilities{Streaming: true},
	}
	for _, entry := range catalog.List() {
		card.Skills = append(card.Skills, a2a.AgentSkillDescriptor{
			ID:          entry.Name,
			Name:        entry.Name,
			Description: entry.Description,
		})
	}

	return &Harness{
		cfg:        cfg,
		namespace:  namespace,
		bus:        bus,
		translator: translate.New(log),
		registry:   taskctx.NewRegistry(),
		sessions:   NewSessionStore(),
		compactor:  compactor,
		llm:        llm,
		catalog:    catalog,
		logger:     log,
		card:       card,
		submit:     make(chan func(), 64),
	}, nil
}

// Start subscribes to the request topic and launches the harness loop.
func (h *Harness) Start(ctx context.Context) error {
	requestTopic := a2a.AgentRequestTopic(h.namespace, h.cfg.Name)
	sub, err := h.bus.Subscribe(requestTopic, h.handleMeshMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to request topic: %w", err)
	}
	h.sub = sub
	h.done = make(chan struct{})

	h.publishCard(ctx)

	h.loopWG.Add(1)
	go h.loop()

	h.logger.Info("Agent harness started", zap.String("request_topic", requestTopic))
	return nil
}

// Submit schedules work onto the harness loop from another goroutine.
func (h *Harness) Submit(fn func()) {
	select {
	case h.submit <- fn:
	case <-h.done:
	}
}

// loop is the harness event loop: submitted work and the card republish
// timer funnel through here.
func (h *Harness) loop() {
	defer h.loopWG.Done()

	republish := time.Duration(h.cfg.CardRepublishSeconds) * time.Second
	if republish <= 0 {
		republish = time.Minute
	}
	ticker := time.NewTicker(republish)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case fn := <-h.submit:
			fn()
		case <-ticker.C:
			h.publishCard(context.Background())
		}
	}
}

// Stop cancels all in-flight tasks, stops the loop, and waits for workers
// with a bounded join.
func (h *Harness) Stop() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
	}
	h.registry.ForEach(func(tc *taskctx.TaskContext) {
		tc.Cancellation.Cancel()
	})
	if h.done != nil {
		close(h.done)
	}
	h.loopWG.Wait()

	joined := make(chan struct{})
	go func() {
		h.taskWG.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(shutdownJoin):
		h.logger.Warn("Tasks did not finish before shutdown deadline",
			zap.Int("remaining", h.registry.Len()))
	}
}

// publishCard announces the agent on the discovery topic and the legacy
// registration topic.
func (h *Harness) publishCard(ctx context.Context) {
	payload, err := json.Marshal(h.card)
	if err != nil {
		h.logger.Error("Failed to marshal agent card", zap.Error(err))
		return
	}
	for _, topic := range []string{
		a2a.DiscoveryTopic(h.namespace),
		a2a.RegistrationTopic(h.namespace, h.cfg.Name),
	} {
		if err := h.bus.Publish(ctx, mesh.NewMessage(topic, payload, nil)); err != nil {
			h.logger.Warn("Failed to publish agent card", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// handleMeshMessage parses, translates, and dispatches one inbound request.
// A returned error nacks the mesh message.
func (h *Harness) handleMeshMessage(ctx context.Context, msg *mesh.Message) error {
	replyTo := msg.Property(a2a.UserPropReplyTo)

	req, err := a2a.ParseRequest(msg.Payload)
	if err != nil {
		h.respondError(ctx, replyTo, nil, a2a.CodeInvalidRequest, err.Error())
		return err
	}

	modern, err := h.translator.Inbound(req)
	if err != nil {
		h.respondError(ctx, replyTo, req.ID, a2a.CodeInvalidRequest, err.Error())
		return err
	}

	switch modern.Method {
	case a2a.MethodTasksCancel:
		return h.handleCancel(ctx, modern, replyTo)
	case a2a.MethodMessageSend, a2a.MethodMessageStream:
		return h.handleSend(ctx, modern, msg)
	default:
		h.respondError(ctx, replyTo, modern.ID, a2a.CodeMethodNotFound, "unsupported method "+modern.Method)
		return fmt.Errorf("unsupported method %s", modern.Method)
	}
}

func (h *Harness) handleCancel(ctx context.Context, req *a2a.Request, replyTo string) error {
	params, err := req.CancelParams()
	if err != nil {
		h.respondError(ctx, replyTo, req.ID, a2a.CodeInvalidParams, err.Error())
		return err
	}
	tc := h.registry.Get(params.ID)
	if tc == nil {
		h.respondError(ctx, replyTo, req.ID, a2a.CodeInvalidParams, "unknown task "+params.ID)
		return nil
	}
	tc.Cancellation.Cancel()
	h.logger.Info("Cancellation requested", zap.String("task_id", params.ID))
	return nil
}

func (h *Harness) handleSend(ctx context.Context, req *a2a.Request, msg *mesh.Message) error {
	params, err := req.SendParams()
	if err != nil {
		h.respondError(ctx, msg.Property(a2a.UserPropReplyTo), req.ID, a2a.CodeInvalidParams, err.Error())
		return err
	}

	logicalTaskID := params.Message.TaskID
	if logicalTaskID == "" {
		logicalTaskID = uuid.New().String()
	}

	tc := taskctx.New(logicalTaskID)
	tc.JSONRPCRequestID = req.ID
	tc.SessionID = params.Message.ContextID
	tc.ReplyToTopic = msg.Property(a2a.UserPropReplyTo)
	tc.StatusTopic = msg.Property(a2a.UserPropStatusTopic)
	if tc.StatusTopic == "" {
		tc.StatusTopic = a2a.AgentStatusTopic(h.namespace, h.cfg.Name, logicalTaskID)
	}
	tc.UserIdentity = taskctx.UserIdentity{ID: msg.Property(a2a.UserPropUserID)}
	tc.ClientID = msg.Property(a2a.UserPropClientID)

	if err := h.registry.Create(tc); err != nil {
		h.respondError(ctx, tc.ReplyToTopic, req.ID, a2a.CodeInvalidRequest,
			fmt.Sprintf("task %s already in flight", logicalTaskID))
		return err
	}

	message := params.Message
	metadata := params.Metadata
	h.taskWG.Add(1)
	go func() {
		defer h.taskWG.Done()
		h.runTask(tc, message, metadata)
	}()
	return nil
}

// runTask drives one task to a terminal event: status updates stream to the
// status topic, the final Task goes to the reply topic.
func (h *Harness) runTask(tc *taskctx.TaskContext, incoming a2a.Message, metadata map[string]any) {
	log := h.logger.WithTaskID(tc.LogicalTaskID)
	defer h.registry.Remove(tc.LogicalTaskID)

	timeout := time.Duration(h.cfg.DeploymentTimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	go func() {
		select {
		case <-tc.Cancellation.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	h.publishStatus(ctx, tc, a2a.TaskStateSubmitted, nil, false)
	h.publishStatus(ctx, tc, a2a.TaskStateWorking, nil, false)

	session := h.sessions.Get(sessionKey(tc))
	session.Append(incoming)

	tools := []skills.Tool{activateSkillTool(h.catalog)}

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		if tc.Cancellation.IsCancelled() {
			h.publishFinal(context.Background(), tc, a2a.TaskStateCanceled, nil)
			return
		}

		h.maybeCompact(ctx, tc, session, metadata, false)

		completion, err := h.llm.Complete(ctx, CompletionRequest{
			System:   h.systemPrompt(),
			Messages: session.History(),
			Tools:    tools,
		})
		if err != nil && IsContextLimit(err) {
			log.Warn("Context limit hit, attempting emergency compaction", zap.Error(err))
			h.maybeCompact(ctx, tc, session, metadata, true)
			completion, err = h.llm.Complete(ctx, CompletionRequest{
				System:   h.systemPrompt(),
				Messages: session.History(),
				Tools:    tools,
			})
		}
		if err != nil {
			if tc.Cancellation.IsCancelled() {
				h.publishFinal(context.Background(), tc, a2a.TaskStateCanceled, nil)
				return
			}
			log.Error("Model call failed", zap.Error(err))
			failure := a2a.NewMessage(a2a.RoleModel, []a2a.Part{a2a.TextPart(err.Error())})
			h.publishFinal(context.Background(), tc, a2a.TaskStateFailed, &failure)
			return
		}

		if len(completion.ToolCalls) == 0 {
			session.Append(completion.Message)
			final := completion.Message
			h.publishFinal(ctx, tc, a2a.TaskStateCompleted, &final)
			return
		}

		for _, call := range completion.ToolCalls {
			result, activated := h.runTool(tc, call)
			if activated != nil {
				tools = mergeTools(tools, activated.Tools)
			}
			session.Append(result)
		}
	}

	failure := a2a.NewMessage(a2a.RoleModel, []a2a.Part{
		a2a.TextPart(fmt.Sprintf("task exceeded %d tool iterations", maxToolIterations)),
	})
	h.publishFinal(context.Background(), tc, a2a.TaskStateFailed, &failure)
}

// sessionKey picks the conversation key: the context id when present,
// otherwise the task runs in its own throwaway session.
func sessionKey(tc *taskctx.TaskContext) string {
	if tc.SessionID != "" {
		return tc.SessionID
	}
	return tc.LogicalTaskID
}

func (h *Harness) systemPrompt() string {
	prompt := h.cfg.Description
	if section := h.catalog.SystemPromptSection(); section != "" {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += section
	}
	return prompt
}

// maybeCompact compacts the session history when it has crossed the
// threshold, or unconditionally when force is set (context-limit recovery).
// A user-visible notice is emitted on the status topic when compaction
// actually happened.
func (h *Harness) maybeCompact(ctx context.Context, tc *taskctx.TaskContext, session *Session, metadata map[string]any, force bool) {
	history := session.History()
	if !force && !h.compactor.NeedsCompaction(history) {
		return
	}
	if force && len(history) < 2 {
		return
	}

	newHistory, state, err := h.compactor.Compact(ctx, history, session.Compaction())
	if err != nil {
		h.logger.Warn("Compaction failed", zap.String("task_id", tc.LogicalTaskID), zap.Error(err))
		return
	}
	if len(newHistory) == len(history) {
		return
	}
	session.Replace(newHistory, state)
	tc.SetCompaction(state)

	notice := "ℹ️ Your conversation history reached the limit and earlier messages were " +
		"summarized so the conversation can continue."
	if tc.IsBackground(metadata) {
		notice = "ℹ️ Note: earlier conversation history was summarized to stay within the " +
			"model's context limit."
	}
	message := a2a.NewMessage(a2a.RoleModel, []a2a.Part{a2a.TextPart(notice)})
	h.publishStatus(ctx, tc, a2a.TaskStateWorking, &message, false)
}

// runTool executes one tool call and returns its result as a conversation
// message, plus the activated skill when the call loaded one.
func (h *Harness) runTool(tc *taskctx.TaskContext, call ToolCall) (a2a.Message, *skills.ActivatedSkill) {
	result := map[string]any{"tool": call.Name}
	var activated *skills.ActivatedSkill

	if call.Name == skills.ActivateToolName {
		name, _ := call.Arguments["skill_name"].(string)
		activation, err := skills.Activate(h.catalog, tc, name)
		if err != nil {
			result["status"] = "error"
			result["error"] = err.Error()
		} else {
			result["status"] = activation.Status
			result["skill"] = name
			activated = activation.Skill
		}
	} else {
		result["status"] = "error"
		result["error"] = "unknown tool " + call.Name
	}

	message := a2a.NewMessage(a2a.RoleUser, []a2a.Part{a2a.DataPart(result)})
	message.TaskID = tc.LogicalTaskID
	return message, activated
}

// mergeTools appends newly loaded tools, skipping names already present.
func mergeTools(tools, loaded []skills.Tool) []skills.Tool {
	have := make(map[string]bool, len(tools))
	for _, t := range tools {
		have[t.Name] = true
	}
	for _, t := range loaded {
		if !have[t.Name] {
			tools = append(tools, t)
		}
	}
	return tools
}

// activateSkillTool builds the built-in activation tool descriptor.
func activateSkillTool(catalog *skills.Catalog) skills.Tool {
	return skills.Tool{
		Name:        skills.ActivateToolName,
		Description: "Load a skill from the catalog into this task, making its instructions and tools available.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"skill_name": map[string]any{
					"type":        "string",
					"description": "Name of the skill to activate.",
				},
			},
			"required": []string{"skill_name"},
		},
	}
}

// publishStatus emits an intermediate status update on the task's status
// topic, wrapped in a JSON-RPC response keyed by the hop's request id.
func (h *Harness) publishStatus(ctx context.Context, tc *taskctx.TaskContext, state string, message *a2a.Message, final bool) {
	event := a2a.TaskStatusUpdateEvent{
		Kind:      a2a.EventKindStatusUpdate,
		TaskID:    tc.LogicalTaskID,
		ContextID: tc.SessionID,
		Status:    a2a.TaskStatus{State: state, Message: message, Timestamp: a2a.NowTimestamp()},
		Final:     final,
	}
	h.publishEvent(ctx, tc.StatusTopic, tc.JSONRPCRequestID, event)
}

// PublishArtifact emits an artifact update on the task's status topic.
// Exposed for LLM implementations that produce artifacts mid-task.
func (h *Harness) PublishArtifact(ctx context.Context, tc *taskctx.TaskContext, artifact a2a.Artifact, lastChunk bool) {
	event := a2a.TaskArtifactUpdateEvent{
		Kind:      a2a.EventKindArtifactUpdate,
		TaskID:    tc.LogicalTaskID,
		ContextID: tc.SessionID,
		Artifact:  artifact,
		LastChunk: lastChunk,
	}
	h.publishEvent(ctx, tc.StatusTopic, tc.JSONRPCRequestID, event)
}

// publishFinal emits the final=true status marker followed by the terminal
// Task on the reply topic, then the context is torn down by the caller.
func (h *Harness) publishFinal(ctx context.Context, tc *taskctx.TaskContext, state string, message *a2a.Message) {
	h.publishStatus(ctx, tc, state, nil, true)

	task := a2a.Task{
		Kind:      a2a.EventKindTask,
		ID:        tc.LogicalTaskID,
		ContextID: tc.SessionID,
		Status:    a2a.TaskStatus{State: state, Message: message, Timestamp: a2a.NowTimestamp()},
	}
	topic := tc.ReplyToTopic
	if topic == "" {
		topic = tc.StatusTopic
	}
	h.publishEvent(ctx, topic, tc.JSONRPCRequestID, task)
	h.logger.Info("Task finished",
		zap.String("task_id", tc.LogicalTaskID),
		zap.String("state", state))
}

func (h *Harness) publishEvent(ctx context.Context, topic string, rpcID any, payload any) {
	if topic == "" {
		return
	}
	resp, err := a2a.NewResponse(rpcID, payload)
	if err != nil {
		h.logger.Error("Failed to build event envelope", zap.Error(err))
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("Failed to marshal event envelope", zap.Error(err))
		return
	}
	if err := h.bus.Publish(ctx, mesh.NewMessage(topic, raw, nil)); err != nil {
		h.logger.Warn("Failed to publish event", zap.String("topic", topic), zap.Error(err))
	}
}

func (h *Harness) respondError(ctx context.Context, replyTo string, rpcID any, code int, message string) {
	if replyTo == "" {
		return
	}
	raw, err := json.Marshal(a2a.NewErrorResponse(rpcID, code, message))
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, mesh.NewMessage(replyTo, raw, nil)); err != nil {
		h.logger.Warn("Failed to publish error response", zap.String("topic", replyTo), zap.Error(err))
	}
}
