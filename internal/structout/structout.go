// Package structout recovers JSON payloads from free-form model output.
//
// Models asked for JSON answer in one of three shapes: bare JSON, JSON inside
// a fenced code block, or JSON embedded in prose. Extract tries those shapes
// in that order and returns the first candidate that is valid JSON.
package structout

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned when no tier yields valid JSON.
var ErrNoJSON = errors.New("structout: no JSON payload found")

// Tier identifies which fallback produced the payload.
type Tier int

const (
	TierNone Tier = iota
	TierRaw
	TierFenced
	TierSpan
)

func (t Tier) String() string {
	switch t {
	case TierRaw:
		return "raw"
	case TierFenced:
		return "fenced"
	case TierSpan:
		return "span"
	}
	return "none"
}

// Extract returns the first valid JSON document found in text.
func Extract(text string) (json.RawMessage, Tier, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, TierNone, ErrNoJSON
	}

	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), TierRaw, nil
	}

	for _, block := range fencedBlocks(trimmed) {
		if json.Valid([]byte(block)) {
			return json.RawMessage(block), TierFenced, nil
		}
	}

	if span, ok := firstBalancedSpan(trimmed); ok {
		return json.RawMessage(span), TierSpan, nil
	}
	return nil, TierNone, ErrNoJSON
}

// Decode extracts the payload from text and unmarshals it into v.
func Decode(text string, v any) (Tier, error) {
	raw, tier, err := Extract(text)
	if err != nil {
		return TierNone, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return tier, err
	}
	return tier, nil
}

// fencedBlocks returns the bodies of ``` fenced blocks in order. The info
// string after the opening fence (e.g. "json") is dropped.
func fencedBlocks(s string) []string {
	var blocks []string
	rest := s
	for {
		open := strings.Index(rest, "```")
		if open < 0 {
			return blocks
		}
		rest = rest[open+3:]
		// Skip the info string up to the end of the line.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], "{[") {
			rest = rest[nl+1:]
		}
		end := strings.Index(rest, "```")
		if end < 0 {
			// Unterminated fence: take the remainder.
			blocks = append(blocks, strings.TrimSpace(rest))
			return blocks
		}
		blocks = append(blocks, strings.TrimSpace(rest[:end]))
		rest = rest[end+3:]
	}
}

// firstBalancedSpan scans for the first '{' or '[' whose matching close
// bracket yields valid JSON, skipping over string literals.
func firstBalancedSpan(s string) (string, bool) {
	for start := 0; start < len(s); start++ {
		if s[start] != '{' && s[start] != '[' {
			continue
		}
		if end, ok := matchBracket(s, start); ok {
			candidate := s[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
	}
	return "", false
}

func matchBracket(s string, start int) (int, bool) {
	var stack []byte
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return 0, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
