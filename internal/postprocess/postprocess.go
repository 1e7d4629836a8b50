// Package postprocess turns raw command output into lines through a chain of
// named steps.
package postprocess

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	StepTrim         = "trim"
	StepDropEmpty    = "drop_empty"
	StepSplitFields  = "split_fields"
	StepKeyValue     = "key_value"
	StepKeyValueJSON = "key_value_json"
)

// Step transforms output lines.
type Step interface {
	Name() string
	Apply(lines []string) ([]string, error)
}

// Chain holds registered steps by name.
type Chain struct {
	steps map[string]Step
}

func NewChain() *Chain {
	c := &Chain{steps: make(map[string]Step)}
	c.Register(trimStep{})
	c.Register(dropEmptyStep{})
	c.Register(splitFieldsStep{})
	c.Register(keyValueStep{})
	c.Register(keyValueJSONStep{})
	return c
}

func (c *Chain) Register(s Step) {
	c.steps[s.Name()] = s
}

// Validate reports the first unknown step name.
func (c *Chain) Validate(names []string) error {
	for _, name := range names {
		if _, ok := c.steps[name]; !ok {
			return fmt.Errorf("unknown post-process step %q", name)
		}
	}
	return nil
}

// Run splits output into lines and applies the named steps in order.
func (c *Chain) Run(output string, names ...string) ([]string, error) {
	if err := c.Validate(names); err != nil {
		return nil, err
	}
	lines := SplitLines(output)
	for _, name := range names {
		var err error
		lines, err = c.steps[name].Apply(lines)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return lines, nil
}

// SplitLines splits on newlines, dropping the empty tail after a final one.
func SplitLines(s string) []string {
	s = strings.TrimSuffix(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "\n")
}

type trimStep struct{}

func (trimStep) Name() string { return StepTrim }

func (trimStep) Apply(lines []string) ([]string, error) {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = strings.TrimSpace(l)
	}
	return out, nil
}

type dropEmptyStep struct{}

func (dropEmptyStep) Name() string { return StepDropEmpty }

func (dropEmptyStep) Apply(lines []string) ([]string, error) {
	out := lines[:0:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out, nil
}

type splitFieldsStep struct{}

func (splitFieldsStep) Name() string { return StepSplitFields }

func (splitFieldsStep) Apply(lines []string) ([]string, error) {
	out := make([]string, 0, len(lines)*3)
	for _, l := range lines {
		out = append(out, strings.Fields(l)...)
	}
	return out, nil
}

// parseKeyValues reads "key: value" lines; lines without a colon are skipped.
func parseKeyValues(lines []string) (map[string]string, error) {
	kv := make(map[string]string)
	for _, line := range lines {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("empty key in line: %q", line)
		}
		kv[key] = strings.TrimSpace(value)
	}
	return kv, nil
}

type keyValueStep struct{}

func (keyValueStep) Name() string { return StepKeyValue }

// Apply normalizes to "key: value", sorted by key. A repeated key keeps its
// last value.
func (keyValueStep) Apply(lines []string) ([]string, error) {
	kv, err := parseKeyValues(lines)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+": "+kv[k])
	}
	return out, nil
}

type keyValueJSONStep struct{}

func (keyValueJSONStep) Name() string { return StepKeyValueJSON }

func (keyValueJSONStep) Apply(lines []string) ([]string, error) {
	kv, err := parseKeyValues(lines)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(kv)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return []string{string(b)}, nil
}
