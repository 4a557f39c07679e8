package translate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	originAIEditor  = "AI_EDITOR"
	agentTaskType   = "vibe"
	chatTriggerType = "MANUAL"

	systemAck      = "Understood. I will follow these instructions."
	maxThinkingLen = 200_000
)

const toolSizeAdvisory = "When calling tools, keep every argument under the size limits. " +
	"Split large file writes and edits into multiple smaller calls."

// thinkingBudget resolves the reasoning token budget: explicit values win,
// then effort presets, then the clamped default.
func thinkingBudget(explicit int, effort string) int {
	if explicit > 0 {
		if explicit > maxThinkingLen {
			return maxThinkingLen
		}
		return explicit
	}
	switch strings.ToLower(effort) {
	case "low":
		return 1280
	case "medium":
		return 2048
	case "high":
		return 4096
	}
	return maxThinkingLen
}

// Builder assembles upstream payloads from canonical conversations.
type Builder struct {
	sessions *Sessions
	now      func() time.Time
	newID    func() string
}

func NewBuilder() *Builder {
	return &Builder{
		sessions: NewSessions(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Built is one buildable request with its degraded-retry variants.
type Built struct {
	b              *Builder
	conv           *Conversation
	conversationID string
}

// Build sanitizes the conversation and binds it to a conversation id.
func (b *Builder) Build(conv *Conversation, sessionID string) (*Built, error) {
	conv.Messages = Sanitize(conv.Messages)
	if len(conv.Messages) == 0 {
		return nil, fmt.Errorf("conversation has no usable messages")
	}
	if conv.System != "" {
		conv.Messages = append([]Message{
			{Role: RoleUser, Text: conv.System},
			{Role: RoleAssistant, Text: systemAck},
		}, conv.Messages...)
	}
	if conv.Messages[len(conv.Messages)-1].Role == RoleAssistant {
		conv.Messages = append(conv.Messages, Message{Role: RoleUser, Text: fillerUser})
	}
	if conv.ConversationID == "" {
		conv.ConversationID = b.sessions.ConversationID(sessionID)
	}
	return &Built{b: b, conv: conv, conversationID: conv.ConversationID}, nil
}

// Bytes renders the full payload.
func (bt *Built) Bytes() ([]byte, error) {
	return bt.render(bt.conv.Messages)
}

// SetOrigin retags subsequent renders with the given endpoint origin. The two
// upstream endpoints each expect their own tag.
func (bt *Built) SetOrigin(origin string) {
	bt.conv.Origin = origin
}

// Truncate renders a reduced payload for the given tier: 1 keeps the last
// half of history, 2 the last quarter, 3 drops history entirely.
func (bt *Built) Truncate(tier int) ([]byte, bool) {
	msgs := bt.conv.Messages
	if len(msgs) < 2 {
		return nil, false
	}
	hist := msgs[:len(msgs)-1]
	var keep int
	switch tier {
	case 1:
		keep = len(hist) / 2
	case 2:
		keep = len(hist) / 4
	case 3:
		keep = 0
	default:
		return nil, false
	}
	kept := append([]Message{}, hist[len(hist)-keep:]...)
	kept = append(kept, msgs[len(msgs)-1])
	out, err := bt.render(Sanitize(kept))
	if err != nil {
		return nil, false
	}
	return out, true
}

// SanitizeAggressive renders the payload with every tool exchange removed.
func (bt *Built) SanitizeAggressive() ([]byte, bool) {
	out, err := bt.render(StripToolExchanges(bt.conv.Messages))
	if err != nil {
		return nil, false
	}
	return out, true
}

func (bt *Built) render(msgs []Message) ([]byte, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("conversation has no usable messages")
	}
	if msgs[len(msgs)-1].Role != RoleUser {
		msgs = append(msgs, Message{Role: RoleUser, Text: fillerUser})
	}
	hist := msgs[:len(msgs)-1]
	current := msgs[len(msgs)-1]

	tools := CompleteHistoryTools(bt.conv.Tools, hist)
	payloadTools := ConvertTools(tools)

	entries := make([]HistoryEntry, 0, len(hist))
	for _, m := range hist {
		switch m.Role {
		case RoleUser:
			uim := bt.userInputMessage(m, nil)
			entries = append(entries, HistoryEntry{UserInputMessage: uim})
		case RoleAssistant:
			arm := &AssistantResponseMessage{Content: m.Text}
			for _, tu := range m.ToolUses {
				arm.ToolUses = append(arm.ToolUses, PayloadToolUse{
					ToolUseID: tu.ID, Name: tu.Name, Input: tu.Input,
				})
			}
			entries = append(entries, HistoryEntry{AssistantResponseMessage: arm})
		}
	}

	current.Text = bt.decorate(current.Text, len(tools) > 0)
	cur := bt.userInputMessage(current, payloadTools)

	p := Payload{
		ConversationState: ConversationState{
			AgentContinuationID: bt.b.newID(),
			AgentTaskType:       agentTaskType,
			ChatTriggerType:     chatTriggerType,
			ConversationID:      bt.conversationID,
			CurrentMessage:      CurrentMessage{UserInputMessage: *cur},
			History:             entries,
		},
		ProfileArn: bt.conv.ProfileArn,
	}
	return json.Marshal(&p)
}

func (bt *Built) userInputMessage(m Message, tools []PayloadTool) *UserInputMessage {
	origin := bt.conv.Origin
	if origin == "" {
		origin = originAIEditor
	}
	uim := &UserInputMessage{
		Content: m.Text,
		ModelID: bt.conv.ModelID,
		Origin:  origin,
	}
	for _, img := range m.Images {
		pi := PayloadImage{Format: img.Format}
		pi.Source.Bytes = img.Data
		uim.Images = append(uim.Images, pi)
	}
	if len(tools) > 0 || len(m.ToolResults) > 0 {
		ctx := &UserInputMessageContext{Tools: tools}
		for _, tr := range m.ToolResults {
			status := "success"
			if tr.IsError {
				status = "error"
			}
			ctx.ToolResults = append(ctx.ToolResults, PayloadToolResult{
				ToolUseID: tr.ID,
				Status:    status,
				Content:   []PayloadToolContent{{Text: tr.Content}},
			})
		}
		uim.UserInputMessageContext = ctx
	}
	return uim
}

// decorate prepends the synthetic control blocks to the current user text:
// timestamp, tool advisory when tools are declared, and the thinking tags.
func (bt *Built) decorate(text string, hasTools bool) string {
	var prefix []string
	if th := bt.conv.Thinking; th != nil {
		if th.Mode == "adaptive" && th.Effort != "" {
			prefix = append(prefix, fmt.Sprintf("<thinking_mode>adaptive</thinking_mode>\n<thinking_effort>%s</thinking_effort>", th.Effort))
		} else {
			prefix = append(prefix, fmt.Sprintf("<thinking_mode>%s</thinking_mode>\n<max_thinking_length>%d</max_thinking_length>", th.Mode, th.Budget))
		}
	}
	if hasTools {
		prefix = append(prefix, toolSizeAdvisory)
	}
	prefix = append(prefix, "Current time: "+bt.b.now().UTC().Format(time.RFC3339))
	if text != "" {
		prefix = append(prefix, text)
	}
	return strings.Join(prefix, "\n\n")
}
