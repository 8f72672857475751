package batch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

const (
	rootPath = "query"
	maxDepth = 32
)

var ErrMalformedJobSpec = errors.New("malformed job spec")

// MalformedJobSpecError reports the first node of a payload that does not
// fit the job grammar.
type MalformedJobSpecError struct {
	Path   string
	Reason string
}

func (e *MalformedJobSpecError) Error() string {
	return fmt.Sprintf("%s at %s: %s", ErrMalformedJobSpec, e.Path, e.Reason)
}

func (e *MalformedJobSpecError) Is(target error) bool {
	return target == ErrMalformedJobSpec
}

// Parse builds a Tree from a job payload: a SQL string, an array of payloads,
// or an object with a required "query" key and optional "onsuccess",
// "onerror" and "timeout" (milliseconds) keys. A timeout applies to every
// leaf beneath the object unless a nearer object sets its own.
func Parse(raw json.RawMessage) (*Tree, error) {
	tree := &Tree{byPath: map[string]NodeID{}}
	root, err := tree.parse(raw, rootPath, 0, 0)
	if err != nil {
		return nil, err
	}
	tree.root = root
	return tree, nil
}

func (t *Tree) parse(raw json.RawMessage, path string, timeout time.Duration, depth int) (NodeID, error) {
	if depth > maxDepth {
		return NoNode, malformed(path, fmt.Sprintf("nesting exceeds %d levels", maxDepth))
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return NoNode, malformed(path, "query is required")
	}

	switch trimmed[0] {
	case '"':
		var sqlText string
		if err := json.Unmarshal(trimmed, &sqlText); err != nil {
			return NoNode, malformed(path, "invalid string")
		}
		if strings.TrimSpace(sqlText) == "" {
			return NoNode, malformed(path, "statement is empty")
		}
		return t.add(Node{Kind: KindLeaf, Path: path, SQL: sqlText, Timeout: timeout, Query: NoNode, OnSuccess: NoNode, OnError: NoNode}), nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return NoNode, malformed(path, "invalid array")
		}
		if len(items) == 0 {
			return NoNode, malformed(path, "sequence is empty")
		}
		id := t.add(Node{Kind: KindSequence, Path: path, Query: NoNode, OnSuccess: NoNode, OnError: NoNode})
		children := make([]NodeID, 0, len(items))
		for i, item := range items {
			child, err := t.parse(item, fmt.Sprintf("%s[%d]", path, i), timeout, depth+1)
			if err != nil {
				return NoNode, err
			}
			children = append(children, child)
		}
		t.nodes[id].Items = children
		return id, nil
	case '{':
		return t.parseConditional(trimmed, path, timeout, depth)
	default:
		return NoNode, malformed(path, "expected a string, an array or an object")
	}
}

func (t *Tree) parseConditional(raw json.RawMessage, path string, timeout time.Duration, depth int) (NodeID, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return NoNode, malformed(path, "invalid object")
	}

	var unknown []string
	for key := range fields {
		switch key {
		case "query", "onsuccess", "onerror", "timeout":
		default:
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return NoNode, malformed(path, fmt.Sprintf("unknown keys %s", strings.Join(unknown, ", ")))
	}

	if rawTimeout, ok := fields["timeout"]; ok {
		parsed, err := parseTimeout(rawTimeout)
		if err != nil {
			return NoNode, malformed(path+".timeout", err.Error())
		}
		timeout = parsed
	}

	rawQuery, ok := fields["query"]
	if !ok {
		return NoNode, malformed(path, "query is required")
	}

	id := t.add(Node{Kind: KindConditional, Path: path, Timeout: timeout, Query: NoNode, OnSuccess: NoNode, OnError: NoNode})

	queryID, err := t.parse(rawQuery, path+".query", timeout, depth+1)
	if err != nil {
		return NoNode, err
	}
	t.nodes[id].Query = queryID

	if rawBranch, ok := fields["onsuccess"]; ok {
		branch, err := t.parse(rawBranch, path+".onsuccess", timeout, depth+1)
		if err != nil {
			return NoNode, err
		}
		t.nodes[id].OnSuccess = branch
	}
	if rawBranch, ok := fields["onerror"]; ok {
		branch, err := t.parse(rawBranch, path+".onerror", timeout, depth+1)
		if err != nil {
			return NoNode, err
		}
		t.nodes[id].OnError = branch
	}
	return id, nil
}

func parseTimeout(raw json.RawMessage) (time.Duration, error) {
	var millis int64
	if err := json.Unmarshal(raw, &millis); err != nil {
		return 0, fmt.Errorf("timeout must be an integer number of milliseconds")
	}
	if millis <= 0 {
		return 0, fmt.Errorf("timeout must be positive")
	}
	if millis > math.MaxInt64/int64(time.Millisecond) {
		return 0, fmt.Errorf("timeout is too large")
	}
	return time.Duration(millis) * time.Millisecond, nil
}

func malformed(path, reason string) error {
	return &MalformedJobSpecError{Path: path, Reason: reason}
}
