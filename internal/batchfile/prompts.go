package batchfile

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// PromptSet is the human-written source of a batch. It is read as YAML, so
// plain JSON works too.
//
//	model: gpt-4
//	max_tokens: 800
//	system: You write short product ads.
//	prompts:
//	  - id: ad-1
//	    user: Write an ad for our summer sale.
//	  - id: ad-2
//	    messages:
//	      - {role: user, content: Draft a launch post.}
//	      - {role: assistant, content: "Introducing..."}
//	      - {role: user, content: Shorter please.}
type PromptSet struct {
	Model     string   `yaml:"model"`
	MaxTokens int      `yaml:"max_tokens"`
	System    string   `yaml:"system"`
	Prompts   []Prompt `yaml:"prompts"`
}

// Prompt is one conversation. User is shorthand for a single user message;
// when both are set User is appended after Messages.
type Prompt struct {
	ID       string    `yaml:"id"`
	User     string    `yaml:"user"`
	Messages []Message `yaml:"messages"`
}

// ReadPromptSet decodes a prompt set.
func ReadPromptSet(r io.Reader) (*PromptSet, error) {
	var ps PromptSet
	if err := yaml.NewDecoder(r).Decode(&ps); err != nil {
		return nil, fmt.Errorf("%w: decode prompts: %v", ErrInvalidRecord, err)
	}
	return &ps, nil
}

// Lines expands the set into request lines. Prompts without an id get
// "prompt-<n>" (1-based).
func (ps *PromptSet) Lines() ([]Line, error) {
	lines := make([]Line, 0, len(ps.Prompts))
	for i, p := range ps.Prompts {
		id := p.ID
		if id == "" {
			id = fmt.Sprintf("prompt-%d", i+1)
		}

		var msgs []Message
		if ps.System != "" {
			msgs = append(msgs, Message{Role: RoleSystem, Content: ps.System})
		}
		msgs = append(msgs, p.Messages...)
		if p.User != "" {
			msgs = append(msgs, Message{Role: RoleUser, Content: p.User})
		}
		if len(msgs) == 0 {
			return nil, fmt.Errorf("%w: prompt %s has no messages", ErrInvalidRecord, id)
		}

		l, err := ChatRequest(id, ps.Model, msgs, ps.MaxTokens)
		if err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, nil
}
