package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/taskctx"
	"github.com/agentmesh/agentmesh/pkg/a2a"
)

// Rough per-part token estimates for non-text content. Audio is not counted
// yet; providers bill it separately.
const (
	imageTokenEstimate = 768
	videoTokenEstimate = 2048
)

// metadata key marking the synthetic summary message that replaces a
// compacted prefix.
const summaryMetadataKey = "conversationSummary"

const summarizeSystemPrompt = "You are a conversation summarizer. Produce a concise summary of the " +
	"conversation so far, preserving user goals, decisions, constraints, and any named entities or " +
	"identifiers. Write the summary as plain prose."

// Compactor shrinks a session's conversation history once it crosses the
// configured token threshold, replacing the prefix before a user-turn
// boundary with a single synthetic summary message.
type Compactor struct {
	encoding  *tiktoken.Tiktoken
	threshold int
	target    int
	llm       LLM
	logger    *logger.Logger
}

// NewCompactor builds a compactor from the agent configuration. A zero
// threshold disables compaction.
func NewCompactor(cfg config.AgentConfig, llm LLM, log *logger.Logger) (*Compactor, error) {
	encoding, err := tiktoken.GetEncoding(cfg.TokenizerEncoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer encoding %q: %w", cfg.TokenizerEncoding, err)
	}
	return &Compactor{
		encoding:  encoding,
		threshold: cfg.CompactionThreshold,
		target:    cfg.CompactionTargetTokens,
		llm:       llm,
		logger:    log.WithComponent("compaction"),
	}, nil
}

// Enabled reports whether threshold-based compaction is active.
func (c *Compactor) Enabled() bool { return c.threshold > 0 }

// Threshold returns the configured token threshold.
func (c *Compactor) Threshold() int { return c.threshold }

// CountTokens estimates the token footprint of a message history. Inline
// images and video are accounted with fixed estimates; audio is skipped.
func (c *Compactor) CountTokens(messages []a2a.Message) int {
	total := 0
	for i := range messages {
		total += c.countMessage(&messages[i])
	}
	return total
}

func (c *Compactor) countMessage(m *a2a.Message) int {
	total := 0
	for _, part := range m.Parts {
		switch part.Kind {
		case a2a.PartKindText:
			total += len(c.encoding.Encode(part.Text, nil, nil))
		case a2a.PartKindFile:
			if part.File == nil {
				continue
			}
			switch {
			case strings.HasPrefix(part.File.MimeType, "image/"):
				total += imageTokenEstimate
			case strings.HasPrefix(part.File.MimeType, "video/"):
				total += videoTokenEstimate
			case strings.HasPrefix(part.File.MimeType, "audio/"):
				// Skipped: no stable token model for audio input.
			default:
				total += len(c.encoding.Encode(part.File.Name, nil, nil))
			}
		case a2a.PartKindData:
			raw, err := json.Marshal(part.Data)
			if err == nil {
				total += len(c.encoding.Encode(string(raw), nil, nil))
			}
		}
	}
	return total
}

// NeedsCompaction reports whether the history has crossed the threshold.
func (c *Compactor) NeedsCompaction(history []a2a.Message) bool {
	return c.Enabled() && c.CountTokens(history) > c.threshold
}

// Compact summarizes the history prefix before the user-turn boundary
// nearest the target token count and replaces it with one synthetic summary
// message. The last user turn is never part of the summarized prefix. When
// the session was compacted before, the previous summary is prepended to the
// summarizer input as plain conversational context so the new summary builds
// on it.
//
// Returns the new history and the updated compaction state; when no usable
// boundary exists the history is returned unchanged.
func (c *Compactor) Compact(ctx context.Context, history []a2a.Message, state *taskctx.CompactionState) ([]a2a.Message, *taskctx.CompactionState, error) {
	cutoff := c.cutoffIndex(history)
	if cutoff <= 0 {
		return history, state, nil
	}

	prefix := history[:cutoff]
	summarizerInput := prefix
	if state != nil && state.Summary != "" {
		// Progressive summarization: the previous summary enters the
		// input as an ordinary user message, not as a marked summary, so
		// the model treats it as context rather than output format.
		carried := a2a.NewMessage(a2a.RoleUser, []a2a.Part{a2a.TextPart(state.Summary)})
		summarizerInput = append([]a2a.Message{carried}, prefix...)
	}

	completion, err := c.llm.Complete(ctx, CompletionRequest{
		System:   summarizeSystemPrompt,
		Messages: summarizerInput,
	})
	if err != nil {
		return history, state, fmt.Errorf("summarization failed: %w", err)
	}
	summary := completion.Message.TextContent()

	summaryMessage := a2a.NewMessage(a2a.RoleUser, []a2a.Part{
		a2a.TextPart("Summary of the earlier conversation:\n\n" + summary),
	})
	summaryMessage.Metadata = map[string]any{summaryMetadataKey: true}

	newHistory := make([]a2a.Message, 0, 1+len(history)-cutoff)
	newHistory = append(newHistory, summaryMessage)
	newHistory = append(newHistory, history[cutoff:]...)

	newState := &taskctx.CompactionState{
		Summary:    summary,
		LastTokens: c.CountTokens(newHistory),
	}
	if state != nil {
		newState.Compactions = state.Compactions
	}
	newState.Compactions++

	c.logger.Info("Compacted conversation history",
		zap.Int("removed_messages", cutoff),
		zap.Int("remaining_tokens", newState.LastTokens),
		zap.Int("compactions", newState.Compactions))

	return newHistory, newState, nil
}

// cutoffIndex picks the user-turn boundary whose suffix token count is
// nearest the target, strictly before the last user turn.
func (c *Compactor) cutoffIndex(history []a2a.Message) int {
	lastUserTurn := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == a2a.RoleUser {
			lastUserTurn = i
			break
		}
	}
	if lastUserTurn <= 0 {
		return 0
	}

	// Suffix token counts from each index to the end, computed once.
	suffixTokens := make([]int, len(history)+1)
	for i := len(history) - 1; i >= 0; i-- {
		suffixTokens[i] = suffixTokens[i+1] + c.countMessage(&history[i])
	}

	best := 0
	bestDistance := -1
	for i := 1; i <= lastUserTurn; i++ {
		if history[i].Role != a2a.RoleUser {
			continue
		}
		distance := suffixTokens[i] - c.target
		if distance < 0 {
			distance = -distance
		}
		if bestDistance < 0 || distance < bestDistance {
			best = i
			bestDistance = distance
		}
	}
	return best
}
