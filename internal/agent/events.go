// Package agent runs the coding-agent CLI as a per-turn subprocess and
// translates its stream-json output into a small typed event protocol.
// Unknown event types degrade to opaque system events so new CLI versions
// never abort a turn.
package agent

import "encoding/json"

// EventType discriminates the events an invocation emits.
type EventType string

const (
	// EventInit is the agent's startup handshake carrying the thread id.
	EventInit EventType = "init"
	// EventText is an incremental chunk of assistant text.
	EventText EventType = "text"
	// EventToolUse reports one tool invocation by the agent.
	EventToolUse EventType = "tool_use"
	// EventResult is the terminal event of a run.
	EventResult EventType = "result"
	// EventSystem is any other agent-side notice, including event types
	// this bridge does not understand.
	EventSystem EventType = "system"
)

// ToolUse describes one tool call observed during a run.
type ToolUse struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// Result is the terminal outcome of one agent run.
type Result struct {
	Text          string  `json:"text"`
	ThreadID      string  `json:"thread_id,omitempty"`
	IsError       bool    `json:"is_error"`
	CostUSD       float64 `json:"cost_usd"`
	NumTurns      int     `json:"num_turns"`
	DurationAPIMS int64   `json:"duration_api_ms"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
}

// Event is one item of the invocation stream.
type Event struct {
	Type EventType
	// Text holds the chunk for EventText.
	Text string
	// Tool is set for EventToolUse.
	Tool *ToolUse
	// Result is set for EventResult.
	Result *Result
	// Subtype carries the wire-level type or subtype for EventSystem
	// and EventInit.
	Subtype string
}

// wireEvent is one NDJSON line from `--output-format stream-json`.
type wireEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	CostUSD   float64         `json:"total_cost_usd,omitempty"`
	NumTurns  int             `json:"num_turns,omitempty"`
	APIMS     int64           `json:"duration_api_ms,omitempty"`
	Usage     *wireUsage      `json:"usage,omitempty"`
}

type wireUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

type wireContentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// streamParser turns wire lines into typed events. It remembers whether
// partial text deltas have been seen so complete assistant messages do not
// re-emit text the deltas already delivered.
type streamParser struct {
	deltasSeen bool
	threadID   string
}

// parse maps one NDJSON line to zero or more events. Unparseable lines and
// unknown event types never fail; they surface as system events.
func (p *streamParser) parse(line []byte) []Event {
	var ev wireEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return []Event{{Type: EventSystem, Subtype: "unparseable", Text: string(line)}}
	}
	if ev.SessionID != "" {
		p.threadID = ev.SessionID
	}

	switch ev.Type {
	case "system":
		if ev.Subtype == "init" {
			return []Event{{Type: EventInit, Subtype: ev.Subtype}}
		}
		return []Event{{Type: EventSystem, Subtype: ev.Subtype}}

	case "stream_event":
		if text, ok := textDelta(ev.Event); ok && text != "" {
			p.deltasSeen = true
			return []Event{{Type: EventText, Text: text}}
		}
		return nil

	case "assistant":
		return p.parseAssistant(ev.Message)

	case "user":
		// Echoed tool results; nothing for the bridge to do.
		return nil

	case "result":
		res := &Result{
			Text:          ev.Result,
			ThreadID:      p.threadID,
			IsError:       ev.IsError,
			CostUSD:       ev.CostUSD,
			NumTurns:      ev.NumTurns,
			DurationAPIMS: ev.APIMS,
		}
		if ev.Usage != nil {
			res.InputTokens = ev.Usage.InputTokens + ev.Usage.CacheCreationInputTokens + ev.Usage.CacheReadInputTokens
			res.OutputTokens = ev.Usage.OutputTokens
		}
		return []Event{{Type: EventResult, Result: res}}

	default:
		return []Event{{Type: EventSystem, Subtype: ev.Type}}
	}
}

// parseAssistant emits tool-use events for every tool_use block and, only
// when no partial deltas were seen, text events for text blocks.
func (p *streamParser) parseAssistant(raw json.RawMessage) []Event {
	if len(raw) == 0 {
		return nil
	}
	var msg struct {
		Content []wireContentBlock `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return []Event{{Type: EventSystem, Subtype: "assistant"}}
	}
	var out []Event
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if !p.deltasSeen && block.Text != "" {
				out = append(out, Event{Type: EventText, Text: block.Text})
			}
		case "tool_use":
			out = append(out, Event{Type: EventToolUse, Tool: &ToolUse{Name: block.Name, Input: block.Input}})
		}
	}
	return out
}

// textDelta extracts the text of a content_block_delta stream event.
func textDelta(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var inner struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(raw, &inner); err != nil {
		return "", false
	}
	if inner.Type != "content_block_delta" || inner.Delta.Type != "text_delta" {
		return "", false
	}
	return inner.Delta.Text, true
}
