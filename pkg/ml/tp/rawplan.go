// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tp

import (
	"bytes"
	"io"
	"iter"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RawPlan is an ordered mapping from path pattern to strategy name, as read from configuration. Strategy names
// are only validated when the plan is resolved against a Registry.
//
// It unmarshals from YAML and JSON objects preserving the order of the keys.
type RawPlan struct {
	keys   []string
	values map[string]string
}

// NewRawPlan creates a RawPlan from pattern/name pairs: it panics if given an odd number of strings.
func NewRawPlan(patternAndNames ...string) *RawPlan {
	if len(patternAndNames)%2 != 0 {
		panic(errors.Errorf("NewRawPlan requires pairs of (pattern, strategy name), got %d strings", len(patternAndNames)))
	}
	p := &RawPlan{values: make(map[string]string, len(patternAndNames)/2)}
	for ii := 0; ii < len(patternAndNames); ii += 2 {
		p.Set(patternAndNames[ii], patternAndNames[ii+1])
	}
	return p
}

// Set the strategy name for pattern. If the pattern is already in the plan, it keeps its position.
func (p *RawPlan) Set(pattern, name string) {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, found := p.values[pattern]; !found {
		p.keys = append(p.keys, pattern)
	}
	p.values[pattern] = name
}

// Get the strategy name for pattern.
func (p *RawPlan) Get(pattern string) (string, bool) {
	if p == nil {
		return "", false
	}
	name, found := p.values[pattern]
	return name, found
}

// Len returns the number of entries. A nil plan has 0 entries.
func (p *RawPlan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// All iterates over the entries in order.
func (p *RawPlan) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		if p == nil {
			return
		}
		for _, k := range p.keys {
			if !yield(k, p.values[k]) {
				return
			}
		}
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *RawPlan) UnmarshalYAML(value *yaml.Node) error {
	*p = RawPlan{values: make(map[string]string)}
	if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return errors.Errorf("line %d: sharding plan must be a mapping of path to strategy name", value.Line)
	}
	for ii := 0; ii+1 < len(value.Content); ii += 2 {
		keyNode, valueNode := value.Content[ii], value.Content[ii+1]
		if valueNode.Kind != yaml.ScalarNode {
			return errors.Errorf("line %d: strategy for %q must be a string", valueNode.Line, keyNode.Value)
		}
		if _, found := p.values[keyNode.Value]; found {
			return errors.Errorf("line %d: duplicate sharding plan entry %q", keyNode.Line, keyNode.Value)
		}
		p.Set(keyNode.Value, valueNode.Value)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (p *RawPlan) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for k, name := range p.All() {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: k},
			&yaml.Node{Kind: yaml.ScalarNode, Value: name})
	}
	return node, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *RawPlan) UnmarshalJSON(data []byte) error {
	*p = RawPlan{values: make(map[string]string)}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return errors.Wrap(err, "reading sharding plan")
	}
	if tok == nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.Errorf("sharding plan must be a JSON object, got %v", tok)
	}
	for dec.More() {
		tok, err = dec.Token()
		if err != nil {
			return errors.Wrap(err, "reading sharding plan key")
		}
		key, ok := tok.(string)
		if !ok {
			return errors.Errorf("sharding plan key must be a string, got %v", tok)
		}
		var name string
		if err := dec.Decode(&name); err != nil {
			return errors.Wrapf(err, "strategy for %q must be a string", key)
		}
		if _, found := p.values[key]; found {
			return errors.Errorf("duplicate sharding plan entry %q", key)
		}
		p.Set(key, name)
	}
	if _, err = dec.Token(); err != nil && err != io.EOF {
		return errors.Wrap(err, "reading end of sharding plan")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (p *RawPlan) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for k, name := range p.All() {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		encodedKey, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		encodedName, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(encodedKey)
		buf.WriteByte(':')
		buf.Write(encodedName)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
