// Package proxy bridges the event mesh and downstream HTTP agents speaking
// the modern dialect. It publishes discovery records for each proxied agent,
// accepts A2A requests on per-agent topics, forwards them over HTTP, and
// republishes the resulting event stream onto the mesh with inline artifact
// bytes persisted to the artifact store.
package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/a2a/translate"
	"github.com/agentmesh/agentmesh/internal/artifacts"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/mesh"
	"github.com/agentmesh/agentmesh/internal/taskctx"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// Proxy fronts one or more downstream HTTP agents on the mesh.
type Proxy struct {
	cfg       config.ProxyConfig
	namespace string
	appName   string
	bus       mesh.Bus
	store     artifacts.Store

	translator    *translate.Translator
	registry      *taskctx.Registry
	logger        *logger.Logger
	discoveryHTTP *http.Client

	mu        sync.Mutex
	cards     map[string]*a2a.AgentCard
	endpoints map[string]string
	clients   map[string]*agentClient
	legacy    map[string]bool // logical task id -> inbound request was legacy dialect

	subs []mesh.Subscription
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a proxy. appName is the artifact namespace for persisted
// inline bytes.
func New(cfg config.ProxyConfig, namespace, appName string, bus mesh.Bus, store artifacts.Store, log *logger.Logger) *Proxy {
	log = log.WithComponent("proxy")
	return &Proxy{
		cfg:           cfg,
		namespace:     namespace,
		appName:       appName,
		bus:           bus,
		store:         store,
		translator:    translate.New(log),
		registry:      taskctx.NewRegistry(),
		logger:        log,
		discoveryHTTP: &http.Client{Timeout: 30 * time.Second},
		cards:         make(map[string]*a2a.AgentCard),
		endpoints:     make(map[string]string),
		clients:       make(map[string]*agentClient),
		legacy:        make(map[string]bool),
	}
}

// Start performs the initial blocking discovery pass, schedules periodic
// discovery, and subscribes to one request topic per proxied agent.
func (p *Proxy) Start(ctx context.Context) error {
	p.done = make(chan struct{})

	p.discoverAll(ctx)

	if p.cfg.DiscoveryIntervalSeconds > 0 {
		p.wg.Add(1)
		go p.discoveryLoop()
	}

	for _, agent := range p.cfg.Agents {
		topic := a2a.AgentRequestTopic(p.namespace, agent.Alias)
		sub, err := p.bus.Subscribe(topic, p.handleRequest)
		if err != nil {
			return fmt.Errorf("failed to subscribe for agent %s: %w", agent.Alias, err)
		}
		p.subs = append(p.subs, sub)
		p.logger.Info("Proxying agent", zap.String("alias", agent.Alias), zap.String("topic", topic))
	}
	return nil
}

// Stop cancels in-flight tasks, closes per-agent clients, and joins workers
// with a bounded timeout.
func (p *Proxy) Stop() {
	for _, sub := range p.subs {
		_ = sub.Unsubscribe()
	}
	p.registry.ForEach(func(tc *taskctx.TaskContext) {
		tc.Cancellation.Cancel()
	})
	if p.done != nil {
		close(p.done)
	}

	joined := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(5 * time.Second):
		p.logger.Warn("Proxy workers did not finish before shutdown deadline")
	}

	p.mu.Lock()
	for alias, client := range p.clients {
		client.Close()
		delete(p.clients, alias)
	}
	p.mu.Unlock()
}

func (p *Proxy) discoveryLoop() {
	defer p.wg.Done()
	interval := time.Duration(p.cfg.DiscoveryIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.discoverAll(context.Background())
		}
	}
}

// agentConfig returns the configuration entry for an alias.
func (p *Proxy) agentConfig(alias string) (config.ProxiedAgent, bool) {
	for _, agent := range p.cfg.Agents {
		if agent.Alias == alias {
			return agent, true
		}
	}
	return config.ProxiedAgent{}, false
}

// clientFor returns the cached HTTP client for an alias, constructing it on
// demand with the agent-specific timeout and bearer token.
func (p *Proxy) clientFor(alias string) (*agentClient, error) {
	agent, ok := p.agentConfig(alias)
	if !ok {
		return nil, fmt.Errorf("unknown agent alias %q", alias)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[alias]; ok {
		return client, nil
	}
	endpoint := p.endpoints[alias]
	if endpoint == "" {
		return nil, fmt.Errorf("agent %q has no discovered endpoint", alias)
	}
	client := newAgentClient(endpoint, agent.BearerToken, p.cfg.Timeout(agent))
	p.clients[alias] = client
	return client, nil
}

// handleRequest dispatches one inbound mesh request. A returned error nacks
// the message.
func (p *Proxy) handleRequest(ctx context.Context, msg *mesh.Message) error {
	replyTo := msg.Property(a2a.UserPropReplyTo)
	alias := a2a.TopicTail(msg.Topic)

	req, err := a2a.ParseRequest(msg.Payload)
	if err != nil {
		p.respondError(ctx, replyTo, nil, a2a.CodeInvalidRequest, err.Error())
		return err
	}
	wasLegacy := translate.IsLegacyMethod(req.Method)

	modern, err := p.translator.Inbound(req)
	if err != nil {
		p.respondError(ctx, replyTo, req.ID, a2a.CodeInvalidRequest, err.Error())
		return err
	}

	switch modern.Method {
	case a2a.MethodTasksCancel:
		params, err := modern.CancelParams()
		if err != nil {
			p.respondError(ctx, replyTo, modern.ID, a2a.CodeInvalidParams, err.Error())
			return err
		}
		if tc := p.registry.Get(params.ID); tc != nil {
			tc.Cancellation.Cancel()
			p.logger.Info("Cancellation requested", zap.String("task_id", params.ID))
		}
		return nil

	case a2a.MethodMessageSend, a2a.MethodMessageStream:
		return p.dispatchSend(ctx, modern, msg, alias, wasLegacy)

	default:
		p.respondError(ctx, replyTo, modern.ID, a2a.CodeMethodNotFound, "unsupported method "+modern.Method)
		return fmt.Errorf("unsupported method %s", modern.Method)
	}
}

func (p *Proxy) dispatchSend(ctx context.Context, req *a2a.Request, msg *mesh.Message, alias string, wasLegacy bool) error {
	replyTo := msg.Property(a2a.UserPropReplyTo)
	params, err := req.SendParams()
	if err != nil {
		p.respondError(ctx, replyTo, req.ID, a2a.CodeInvalidParams, err.Error())
		return err
	}

	logicalTaskID := params.Message.TaskID
	if logicalTaskID == "" {
		logicalTaskID = uuid.New().String()
	}

	tc := taskctx.New(logicalTaskID)
	tc.JSONRPCRequestID = req.ID
	tc.StatusTopic = msg.Property(a2a.UserPropStatusTopic)
	tc.ReplyToTopic = replyTo
	tc.SessionID = params.Message.ContextID
	tc.AppName = p.appName
	tc.UserIdentity = taskctx.UserIdentity{ID: msg.Property(a2a.UserPropUserID)}
	tc.ClientID = msg.Property(a2a.UserPropClientID)

	if err := p.registry.Create(tc); err != nil {
		p.respondError(ctx, replyTo, req.ID, a2a.CodeInvalidRequest,
			fmt.Sprintf("task %s already in flight", logicalTaskID))
		return err
	}
	p.mu.Lock()
	p.legacy[logicalTaskID] = wasLegacy
	p.mu.Unlock()

	client, err := p.clientFor(alias)
	if err != nil {
		p.removeTask(logicalTaskID)
		p.respondError(ctx, replyTo, req.ID, a2a.CodeInternalError, err.Error())
		return err
	}

	streaming := req.Method == a2a.MethodMessageStream
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.forward(tc, req, client, streaming, wasLegacy)
	}()
	return nil
}

func (p *Proxy) removeTask(taskID string) {
	p.registry.Remove(taskID)
	p.mu.Lock()
	delete(p.legacy, taskID)
	p.mu.Unlock()
}

// forward drives one task against the downstream agent and republishes its
// events onto the mesh.
func (p *Proxy) forward(tc *taskctx.TaskContext, req *a2a.Request, client *agentClient, streaming, wasLegacy bool) {
	log := p.logger.WithTaskID(tc.LogicalTaskID)
	defer p.removeTask(tc.LogicalTaskID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-tc.Cancellation.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	var err error
	if streaming {
		err = client.Stream(ctx, req, func(envelope *a2a.Response) error {
			return p.handleDownstream(ctx, tc, envelope, wasLegacy)
		})
	} else {
		var envelope *a2a.Response
		envelope, err = client.Send(ctx, req)
		if err == nil {
			err = p.handleDownstream(ctx, tc, envelope, wasLegacy)
		}
	}

	if err != nil {
		if tc.Cancellation.IsCancelled() {
			p.publishTerminal(context.Background(), tc, a2a.TaskStateCanceled, "task canceled", wasLegacy)
			return
		}
		log.Error("Downstream forwarding failed", zap.Error(err))
		p.publishTerminal(context.Background(), tc, a2a.TaskStateFailed, err.Error(), wasLegacy)
	}
}

// handleDownstream processes one envelope from the downstream agent: persist
// inline bytes, force the logical task id, translate if needed, publish.
func (p *Proxy) handleDownstream(ctx context.Context, tc *taskctx.TaskContext, envelope *a2a.Response, wasLegacy bool) error {
	if envelope.Error != nil {
		p.respondError(ctx, tc.ReplyToTopic, tc.JSONRPCRequestID, envelope.Error.Code, envelope.Error.Message)
		return fmt.Errorf("downstream error: %s", envelope.Error.Message)
	}
	if len(envelope.Result) == 0 {
		return nil
	}

	event, err := a2a.ParseEvent(envelope.Result)
	if err != nil {
		return fmt.Errorf("invalid downstream event: %w", err)
	}

	if err := p.persistInlineBytes(ctx, tc, event); err != nil {
		p.logger.Warn("Failed to persist inline artifact bytes",
			zap.String("task_id", tc.LogicalTaskID), zap.Error(err))
	}
	p.forceLogicalID(tc, event)

	switch event.Kind {
	case a2a.EventKindStatusUpdate:
		p.publishPayload(ctx, tc.StatusTopic, tc.JSONRPCRequestID, event.StatusUpdate, wasLegacy)
	case a2a.EventKindArtifactUpdate:
		p.publishPayload(ctx, tc.StatusTopic, tc.JSONRPCRequestID, event.ArtifactUpdate, wasLegacy)
	case a2a.EventKindTask:
		p.publishPayload(ctx, tc.ReplyToTopic, tc.JSONRPCRequestID, event.Task, wasLegacy)
	case a2a.EventKindMessage:
		// Non-streaming agents may answer with a bare message; wrap it in a
		// terminal completed Task so the mesh contract holds.
		task := a2a.Task{
			Kind:      a2a.EventKindTask,
			ID:        tc.LogicalTaskID,
			ContextID: tc.SessionID,
			Status: a2a.TaskStatus{
				State:     a2a.TaskStateCompleted,
				Message:   event.Message,
				Timestamp: a2a.NowTimestamp(),
			},
		}
		p.publishPayload(ctx, tc.ReplyToTopic, tc.JSONRPCRequestID, task, wasLegacy)
	}
	return nil
}

// forceLogicalID rewrites the event's task id back to the LogicalTaskId so a
// downstream renaming never leaks through.
func (p *Proxy) forceLogicalID(tc *taskctx.TaskContext, event *a2a.Event) {
	switch event.Kind {
	case a2a.EventKindTask:
		event.Task.ID = tc.LogicalTaskID
	case a2a.EventKindStatusUpdate:
		event.StatusUpdate.TaskID = tc.LogicalTaskID
	case a2a.EventKindArtifactUpdate:
		event.ArtifactUpdate.TaskID = tc.LogicalTaskID
	case a2a.EventKindMessage:
		event.Message.TaskID = tc.LogicalTaskID
	}
}

// persistInlineBytes saves every inline FilePart payload to the artifact
// store and replaces the bytes with an artifact:// URI. The produced
// artifacts are appended to the task's manifest.
func (p *Proxy) persistInlineBytes(ctx context.Context, tc *taskctx.TaskContext, event *a2a.Event) error {
	switch event.Kind {
	case a2a.EventKindStatusUpdate:
		if event.StatusUpdate.Status.Message != nil {
			return p.persistParts(ctx, tc, event.StatusUpdate.Status.Message.Parts, "")
		}
	case a2a.EventKindArtifactUpdate:
		artifact := &event.ArtifactUpdate.Artifact
		return p.persistParts(ctx, tc, artifact.Parts, artifact.ArtifactID)
	case a2a.EventKindTask:
		task := event.Task
		if task.Status.Message != nil {
			if err := p.persistParts(ctx, tc, task.Status.Message.Parts, ""); err != nil {
				return err
			}
		}
		for i := range task.Artifacts {
			if err := p.persistParts(ctx, tc, task.Artifacts[i].Parts, task.Artifacts[i].ArtifactID); err != nil {
				return err
			}
		}
		for i := range task.History {
			if err := p.persistParts(ctx, tc, task.History[i].Parts, ""); err != nil {
				return err
			}
		}
	case a2a.EventKindMessage:
		return p.persistParts(ctx, tc, event.Message.Parts, "")
	}
	return nil
}

func (p *Proxy) persistParts(ctx context.Context, tc *taskctx.TaskContext, parts []a2a.Part, artifactID string) error {
	for i := range parts {
		part := &parts[i]
		if part.Kind != a2a.PartKindFile || part.File == nil || part.File.Bytes == "" {
			continue
		}

		data, err := base64.StdEncoding.DecodeString(part.File.Bytes)
		if err != nil {
			return fmt.Errorf("invalid base64 in file part: %w", err)
		}

		filename := part.File.Name
		if filename == "" {
			filename = "artifact-" + uuid.New().String()
		}
		user := tc.UserIdentity.ID
		if user == "" {
			user = "anonymous"
		}

		meta := artifacts.Metadata{MimeType: part.File.MimeType}
		if artifactID != "" {
			meta.Extra = map[string]any{"proxied_from_artifact_id": artifactID}
		}
		uri, err := p.store.Save(ctx, artifacts.Key{
			App:      tc.AppName,
			User:     user,
			Session:  tc.SessionID,
			Filename: filename,
		}, data, meta)
		if err != nil {
			return fmt.Errorf("failed to persist artifact bytes: %w", err)
		}

		part.File.Bytes = ""
		part.File.URI = uri.String()
		part.File.Name = filename
		tc.AddProducedArtifact(filename, uri.Version)
	}
	return nil
}

// publishTerminal emits a synthesized terminal Task for error and
// cancellation paths.
func (p *Proxy) publishTerminal(ctx context.Context, tc *taskctx.TaskContext, state, text string, wasLegacy bool) {
	message := a2a.NewMessage(a2a.RoleModel, []a2a.Part{a2a.TextPart(text)})
	task := a2a.Task{
		Kind:      a2a.EventKindTask,
		ID:        tc.LogicalTaskID,
		ContextID: tc.SessionID,
		Status:    a2a.TaskStatus{State: state, Message: &message, Timestamp: a2a.NowTimestamp()},
	}
	p.publishPayload(ctx, tc.ReplyToTopic, tc.JSONRPCRequestID, task, wasLegacy)
}

// publishPayload wraps an event payload in a JSON-RPC response, translates
// to the legacy dialect when the task came in legacy, and publishes it.
func (p *Proxy) publishPayload(ctx context.Context, topic string, rpcID any, payload any, wasLegacy bool) {
	if topic == "" {
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal event payload", zap.Error(err))
		return
	}
	if wasLegacy {
		raw, err = p.translator.Outbound(raw)
		if err != nil {
			p.logger.Error("Outbound translation failed", zap.Error(err))
			return
		}
	}

	resp := &a2a.Response{JSONRPC: "2.0", ID: rpcID, Result: raw}
	body, err := json.Marshal(resp)
	if err != nil {
		p.logger.Error("Failed to marshal event envelope", zap.Error(err))
		return
	}
	if err := p.bus.Publish(ctx, mesh.NewMessage(topic, body, nil)); err != nil {
		p.logger.Warn("Failed to publish event", zap.String("topic", topic), zap.Error(err))
	}
}

func (p *Proxy) respondError(ctx context.Context, replyTo string, rpcID any, code int, message string) {
	if replyTo == "" {
		return
	}
	raw, err := json.Marshal(a2a.NewErrorResponse(rpcID, code, message))
	if err != nil {
		return
	}
	if err := p.bus.Publish(ctx, mesh.NewMessage(replyTo, raw, nil)); err != nil {
		p.logger.Warn("Failed to publish error response", zap.String("topic", replyTo), zap.Error(err))
	}
}
