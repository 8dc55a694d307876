package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/pkg/a2a"
)

const sseChannelBuffer = 64

// sseWriter renders events and keepalives onto one SSE connection.
type sseWriter struct {
	c       *gin.Context
	flusher http.Flusher
}

func newSSEWriter(c *gin.Context) (*sseWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return nil, false
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{c: c, flusher: flusher}, true
}

func (w *sseWriter) event(seq int64, eventType string, data []byte) {
	fmt.Fprintf(w.c.Writer, "id: %d\nevent: %s\ndata: %s\n\n", seq, eventType, data)
	w.flusher.Flush()
}

func (w *sseWriter) keepalive() {
	fmt.Fprint(w.c.Writer, ": keepalive\n\n")
	w.flusher.Flush()
}

// handleSSESubscribe streams one task's events: buffered events past the
// resume cursor first, then the live stream until the terminal event.
func (h *HTTPServer) handleSSESubscribe(c *gin.Context) {
	taskID := c.Param("taskId")
	identity := IdentityFrom(c)

	record, err := h.sessions.GetTask(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if record.UserID != identity.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	cursor := resumeCursor(c)

	writer, ok := newSSEWriter(c)
	if !ok {
		return
	}

	// Join live before replaying so no event falls between the two.
	live, cancel := h.service.Hub().Subscribe(taskID, sseChannelBuffer)
	defer cancel()

	lastSeq, terminal := h.replay(c, writer, taskID, record.SessionID, identity.ID, cursor)
	if terminal {
		h.markConsumed(taskID, lastSeq)
		return
	}

	h.streamLive(c, writer, live, taskID, lastSeq)
}

// replay writes buffered events with sequence > cursor. Returns the last
// sequence written and whether a terminal event was replayed.
func (h *HTTPServer) replay(c *gin.Context, writer *sseWriter, taskID, sessionID, userID string, cursor int64) (int64, bool) {
	events, err := h.buffer.GetBufferedEvents(c.Request.Context(), taskID, sessionID, userID, cursor+1)
	if err != nil {
		h.logger.Warn("Event replay failed", zap.String("task_id", taskID), zap.Error(err))
		return cursor, false
	}

	lastSeq := cursor
	for _, ev := range events {
		if ev.Sequence <= cursor {
			continue
		}
		writer.event(ev.Sequence, ev.EventType, []byte(ev.Payload))
		lastSeq = ev.Sequence
		if isTerminalEventType(ev.EventType) {
			return lastSeq, true
		}
	}
	return lastSeq, false
}

// streamLive forwards hub events until the terminal task event, client
// disconnect, or shutdown. Keepalive comments go out on the configured
// interval.
func (h *HTTPServer) streamLive(c *gin.Context, writer *sseWriter, live <-chan StreamEvent, taskID string, lastSeq int64) {
	keepalive := time.Duration(h.cfg.SSEKeepalive) * time.Second
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()
	defer func() { h.markConsumed(taskID, lastSeq) }()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			writer.keepalive()
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.Sequence <= lastSeq {
				continue
			}
			writer.event(ev.Sequence, ev.Type, ev.Data)
			lastSeq = ev.Sequence
			if isTerminalEventType(ev.Type) {
				return
			}
		}
	}
}

func (h *HTTPServer) markConsumed(taskID string, upTo int64) {
	if upTo < 1 {
		return
	}
	if err := h.buffer.MarkEventsConsumed(context.Background(), taskID, upTo); err != nil {
		h.logger.Warn("Failed to mark events consumed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// handleSSESession resumes every unfinished task of a session on one
// connection: unconsumed events replay first, then the live streams.
func (h *HTTPServer) handleSSESession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	identity := IdentityFrom(c)

	pending, err := h.buffer.GetUnconsumedEventsForSession(c.Request.Context(), sessionID, identity.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session events"})
		return
	}

	// Running tasks whose events were all consumed earlier have no pending
	// entry but still need live delivery. Union them in from the task store.
	resume := make(map[string]bool, len(pending))
	for taskID := range pending {
		resume[taskID] = true
	}
	records, err := h.sessions.ListSessionTasks(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session tasks"})
		return
	}
	for _, rec := range records {
		if rec.UserID == identity.ID && !a2a.IsTerminalState(rec.State) {
			resume[rec.TaskID] = true
		}
	}

	writer, ok := newSSEWriter(c)
	if !ok {
		return
	}

	type liveStream struct {
		taskID string
		ch     <-chan StreamEvent
		cancel func()
	}

	var streams []liveStream
	defer func() {
		for _, s := range streams {
			s.cancel()
		}
	}()

	open := make(map[string]int64)
	for taskID := range resume {
		ch, cancel := h.service.Hub().Subscribe(taskID, sseChannelBuffer)
		streams = append(streams, liveStream{taskID: taskID, ch: ch, cancel: cancel})

		lastSeq := int64(0)
		finished := false
		for _, ev := range pending[taskID] {
			writer.event(ev.Sequence, ev.EventType, []byte(ev.Payload))
			lastSeq = ev.Sequence
			if isTerminalEventType(ev.EventType) {
				finished = true
			}
		}
		h.markConsumed(taskID, lastSeq)
		if !finished {
			open[taskID] = lastSeq
		}
	}

	if len(open) == 0 {
		return
	}

	// Merge the per-task live channels into one.
	merged := make(chan StreamEvent, sseChannelBuffer)
	ctx := c.Request.Context()
	for _, s := range streams {
		if _, ok := open[s.taskID]; !ok {
			continue
		}
		go func(ch <-chan StreamEvent) {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					select {
					case merged <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(s.ch)
	}

	keepalive := time.Duration(h.cfg.SSEKeepalive) * time.Second
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for taskID, seq := range open {
				h.markConsumed(taskID, seq)
			}
			return
		case <-ticker.C:
			writer.keepalive()
		case ev := <-merged:
			last, tracked := open[ev.TaskID]
			if !tracked || ev.Sequence <= last {
				continue
			}
			writer.event(ev.Sequence, ev.Type, ev.Data)
			open[ev.TaskID] = ev.Sequence
			if isTerminalEventType(ev.Type) {
				h.markConsumed(ev.TaskID, ev.Sequence)
				delete(open, ev.TaskID)
				if len(open) == 0 {
					return
				}
			}
		}
	}
}

func resumeCursor(c *gin.Context) int64 {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("lastEventId")
	}
	if raw == "" {
		return 0
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0
	}
	return cursor
}
