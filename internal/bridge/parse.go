package bridge

import (
	"encoding/json"
	"strings"

	. "github.com/roelfdiedericks/clawgram/internal/logging"
)

// parsed is the structured view of backend stdout
type parsed struct {
	Content  string
	Token    string // continuation token (session_id), may be empty
	IsError  bool
	ErrorMsg string
}

// arrayEvent is one entry of the CLI's JSON-array output format
type arrayEvent struct {
	Type      string `json:"type"`
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Error     string `json:"error"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// parseOutput extracts the result from backend stdout. Preference order:
// JSON array of typed events, single JSON object, plain text. Malformed
// structured output degrades to plain text, never to a failure.
func parseOutput(output string) parsed {
	trimmed := strings.TrimSpace(output)

	var events []arrayEvent
	if err := json.Unmarshal([]byte(trimmed), &events); err == nil {
		return parseEvents(events)
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		return parseObject(obj)
	}

	L_debug("bridge: output is not JSON, using raw text", "length", len(trimmed))
	return parsed{Content: trimmed}
}

// parseEvents handles the array format: the "result" event carries the
// final text and session ID, with "assistant" events as fallback content.
func parseEvents(events []arrayEvent) parsed {
	var p parsed

	for _, ev := range events {
		switch ev.Type {
		case "result":
			p.Content = ev.Result
			p.Token = ev.SessionID
			if ev.IsError {
				p.IsError = true
				p.ErrorMsg = ev.Error
				if p.ErrorMsg == "" {
					p.ErrorMsg = "unknown error"
				}
			}
		case "assistant":
			if p.Content != "" {
				continue
			}
			var texts []string
			for _, c := range ev.Message.Content {
				if c.Type == "text" && c.Text != "" {
					texts = append(texts, c.Text)
				}
			}
			p.Content = strings.Join(texts, "\n")
		}
	}

	L_debug("bridge: parsed array output", "contentLength", len(p.Content), "hasToken", p.Token != "")
	return p
}

// parseObject handles the legacy single-object format
func parseObject(obj map[string]interface{}) parsed {
	var p parsed

	if errVal, ok := obj["error"]; ok && errVal != nil {
		if s, ok := errVal.(string); ok && s != "" {
			return parsed{IsError: true, ErrorMsg: s}
		}
	}

	var content interface{}
	for _, key := range []string{"result", "content", "text"} {
		if v, ok := obj[key]; ok && v != nil {
			content = v
			break
		}
	}

	switch v := content.(type) {
	case string:
		p.Content = v
	case []interface{}:
		var texts []string
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				if text, ok := m["text"].(string); ok {
					texts = append(texts, text)
					continue
				}
			}
			texts = append(texts, stringify(item))
		}
		p.Content = strings.Join(texts, "\n")
	default:
		if content != nil {
			p.Content = stringify(content)
		}
	}

	if sid, ok := obj["session_id"].(string); ok {
		p.Token = sid
	}

	L_debug("bridge: parsed object output", "contentLength", len(p.Content), "hasToken", p.Token != "")
	return p
}

func stringify(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
