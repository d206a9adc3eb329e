package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/fademem/fademem/pkg/llm"
	"github.com/fademem/fademem/pkg/storage"
)

// existingContextLimit caps the scope memories shown to the extraction
// prompt.
const existingContextLimit = 20

// fact is one candidate memory pulled out of a conversation.
type fact struct {
	content  string
	metadata map[string]any
}

// extract turns messages into facts. Without inference every non-system
// message is a fact. With inference the generator extracts them, falling
// back to the last user message when its answer cannot be used.
func (e *Engine) extract(ctx context.Context, req AddRequest, msgs []Message) []fact {
	var facts []fact
	if !req.Infer {
		for _, m := range msgs {
			if m.Role == RoleSystem {
				continue
			}
			meta := map[string]any{"role": m.Role}
			if m.Name != "" {
				meta["actor_id"] = m.Name
			}
			facts = append(facts, fact{content: m.Content, metadata: meta})
		}
		return filterFacts(facts, req.Includes, req.Excludes)
	}

	facts, err := e.inferFacts(ctx, req, msgs)
	if err != nil {
		e.log.WarnContext(ctx, "fact extraction failed, storing last user message", "error", err)
		facts = nil
		if last := lastUserMessage(msgs); last != "" {
			facts = []fact{{content: last, metadata: map[string]any{"role": RoleUser}}}
		}
	}
	return filterFacts(facts, req.Includes, req.Excludes)
}

func (e *Engine) inferFacts(ctx context.Context, req AddRequest, msgs []Message) ([]fact, error) {
	if e.gen == nil {
		return nil, fmt.Errorf("no generator configured")
	}
	existing, err := e.store.ListMemories(ctx, &storage.MemoryQuery{Scope: req.Scope, Limit: existingContextLimit})
	if err != nil {
		return nil, fmt.Errorf("list scope memories: %w", err)
	}
	agent := req.Scope.AgentID != "" && hasRole(msgs, RoleAssistant)

	raw, err := e.gen.Generate(ctx, extractionPrompt(msgs, existing, agent))
	if err != nil {
		return nil, err
	}
	obj, err := llm.ParseObject(raw)
	if err != nil {
		return nil, err
	}
	list := obj.Get("memories")
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: memories is not a list", llm.ErrUnparseable)
	}
	var facts []fact
	for _, it := range list.Array() {
		content := strings.TrimSpace(it.Get("content").String())
		if content == "" {
			continue
		}
		meta := map[string]any{}
		if c := strings.TrimSpace(it.Get("category").String()); c != "" {
			meta["extracted_category"] = c
		}
		if v := it.Get("importance"); v.Exists() {
			meta["importance"] = v.Float()
		}
		if v := it.Get("confidence"); v.Exists() {
			meta["extraction_confidence"] = v.Float()
		}
		facts = append(facts, fact{content: content, metadata: meta})
	}
	return facts, nil
}

func extractionPrompt(msgs []Message, existing []*storage.Memory, agent bool) string {
	var b strings.Builder
	if agent {
		b.WriteString("Extract facts about the AI assistant from the conversation below: its stated preferences, capabilities, commitments and decisions. Use only the assistant's messages.\n\n")
	} else {
		b.WriteString("Extract facts about the user from the conversation below: preferences, personal details, plans, corrections and anything worth remembering. Use only the user's messages.\n\n")
	}
	if len(existing) > 0 {
		b.WriteString("ALREADY KNOWN (do not repeat):\n")
		for _, m := range existing {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString("CONVERSATION:\n")
	for _, m := range msgs {
		if m.Role == RoleSystem {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	b.WriteString(`
Each fact must be a short self-contained statement.

Respond with JSON only:
{"memories": [{"content": "...", "category": "preference|fact|context|procedure|correction", "importance": 0.0-1.0, "confidence": 0.0-1.0}]}`)
	return b.String()
}

func filterFacts(facts []fact, includes, excludes string) []fact {
	if includes == "" && excludes == "" {
		return facts
	}
	inc, exc := strings.ToLower(includes), strings.ToLower(excludes)
	out := facts[:0]
	for _, f := range facts {
		lower := strings.ToLower(f.content)
		if inc != "" && !strings.Contains(lower, inc) {
			continue
		}
		if exc != "" && strings.Contains(lower, exc) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func lastUserMessage(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser && strings.TrimSpace(msgs[i].Content) != "" {
			return msgs[i].Content
		}
	}
	return ""
}

func hasRole(msgs []Message, role string) bool {
	for _, m := range msgs {
		if m.Role == role {
			return true
		}
	}
	return false
}
