// Package batchfile builds and checks the line-delimited request files the
// batch API accepts.
//
// Each line is one request:
//
//	{"custom_id":"q-1","method":"POST","url":"/v1/chat/completions",
//	 "body":{"model":"gpt-4","messages":[...],"max_tokens":1500}}
//
// custom_id values must be unique within a file; they are how results are
// matched back to requests.
package batchfile

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ChuLiYu/batchkeeper/internal/provider"
)

// ErrInvalidRecord marks input the provider would reject. It matches
// provider.ErrPermanent so a malformed submission is never retried.
var ErrInvalidRecord = fmt.Errorf("invalid batch record: %w", provider.ErrPermanent)

const (
	DefaultModel     = "gpt-4"
	DefaultMaxTokens = 1500
	ChatEndpoint     = "/v1/chat/completions"

	// MaxLineBytes bounds a single request line.
	MaxLineBytes = 4 << 20
)

// Role of a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Line is one request of a batch file.
type Line struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

type chatBody struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
}

// ChatRequest builds a chat completion request line. Empty model and
// non-positive maxTokens take the defaults.
func ChatRequest(customID, model string, messages []Message, maxTokens int) (Line, error) {
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	body, err := json.Marshal(chatBody{Model: model, Messages: messages, MaxTokens: maxTokens})
	if err != nil {
		return Line{}, err
	}
	return Line{CustomID: customID, Method: "POST", URL: ChatEndpoint, Body: body}, nil
}

// Encode writes lines as JSONL, one request per line.
func Encode(w io.Writer, lines []Line) error {
	enc := json.NewEncoder(w)
	for _, l := range lines {
		if err := enc.Encode(l); err != nil {
			return fmt.Errorf("encode %s: %w", l.CustomID, err)
		}
	}
	return nil
}

// Marshal is Encode into memory, followed by Validate.
func Marshal(lines []Line) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, lines); err != nil {
		return nil, err
	}
	if _, err := Validate(buf.Bytes()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate checks a JSONL record set and returns the number of requests.
// Blank lines are ignored. Every failure wraps ErrInvalidRecord and names
// the offending line.
func Validate(data []byte) (int, error) {
	seen := make(map[string]int)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64<<10), MaxLineBytes)

	lineNo, count := 0, 0
	for sc.Scan() {
		lineNo++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}

		var l Line
		if err := json.Unmarshal(raw, &l); err != nil {
			return 0, fmt.Errorf("%w: line %d: %v", ErrInvalidRecord, lineNo, err)
		}
		if err := l.check(); err != nil {
			return 0, fmt.Errorf("%w: line %d: %v", ErrInvalidRecord, lineNo, err)
		}
		if prev, dup := seen[l.CustomID]; dup {
			return 0, fmt.Errorf("%w: line %d: custom_id %q already used on line %d", ErrInvalidRecord, lineNo, l.CustomID, prev)
		}
		seen[l.CustomID] = lineNo
		count++
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return 0, fmt.Errorf("%w: line %d exceeds %d bytes", ErrInvalidRecord, lineNo+1, MaxLineBytes)
		}
		return 0, err
	}
	if count == 0 {
		return 0, fmt.Errorf("%w: no requests", ErrInvalidRecord)
	}
	return count, nil
}

func (l Line) check() error {
	switch {
	case l.CustomID == "":
		return errors.New("missing custom_id")
	case l.Method != "POST":
		return fmt.Errorf("method must be POST, got %q", l.Method)
	case l.URL == "":
		return errors.New("missing url")
	}
	body := bytes.TrimSpace(l.Body)
	if len(body) == 0 || body[0] != '{' {
		return errors.New("body must be a JSON object")
	}
	return nil
}
