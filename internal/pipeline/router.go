package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// LLM is the chat surface the stages need.
type LLM interface {
	Chat(ctx context.Context, system, user string) (string, error)
	ChatJSON(ctx context.Context, system, user string) (string, error)
}

// Intent is the Router's extraction. Raw keeps the model reply as returned.
type Intent struct {
	Task         string `json:"task"`
	Budget       string `json:"budget,omitempty"`
	Material     string `json:"material,omitempty"`
	Brand        string `json:"brand,omitempty"`
	SafetyFlag   bool   `json:"safety_flag"`
	SafetyReason string `json:"safety_reason,omitempty"`
	Raw          string `json:"raw,omitempty"`
}

// Summary renders the intent in the bullet form the Planner reads.
func (i Intent) Summary() string {
	if i.Task == "" && i.Raw != "" {
		return i.Raw
	}
	flag := "No"
	if i.SafetyFlag {
		flag = "Yes"
		if i.SafetyReason != "" {
			flag += " - " + i.SafetyReason
		}
	}
	return fmt.Sprintf("* Task: %s\n* Constraints:\n  - Budget: %s\n  - Material: %s\n  - Brand: %s\n* Safety Flags: %s",
		i.Task, orNone(i.Budget), orNone(i.Material), orNone(i.Brand), flag)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}

type Router struct {
	llm LLM
}

func NewRouter(llm LLM) *Router { return &Router{llm: llm} }

// Route asks the model for an intent. A reply that is not JSON is kept as raw text.
func (r *Router) Route(ctx context.Context, q Query) (Routed, error) {
	reply, err := r.llm.ChatJSON(ctx, routerSystemPrompt, routerUserPrompt(q.Input))
	if err != nil {
		return Routed{}, fmt.Errorf("router: %w", err)
	}
	return Routed{Query: q, Intent: parseIntent(reply)}, nil
}

func parseIntent(reply string) Intent {
	in := Intent{Raw: strings.TrimSpace(reply)}
	var m map[string]any
	if doc := extractJSON(reply); doc == "" || json.Unmarshal([]byte(doc), &m) != nil {
		return in
	}
	in.Task = text(m["task"])
	in.Budget = text(m["budget"])
	in.Material = text(m["material"])
	in.Brand = text(m["brand"])
	in.SafetyReason = text(m["safety_reason"])
	switch v := m["safety_flag"].(type) {
	case bool:
		in.SafetyFlag = v
	case string:
		in.SafetyFlag = strings.EqualFold(strings.TrimSpace(v), "yes") || strings.EqualFold(strings.TrimSpace(v), "true")
	}
	return in
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			if s := text(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}
