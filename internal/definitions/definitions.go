// Package definitions loads rule sets, chains and triggers from YAML files and
// applies them to the store.
//
// A definitions file holds any of three top-level lists:
//
//	rule_sets:
//	  - subject_type: work_order
//	    initial_status: draft
//	    transitions: {draft: [active], active: [done], done: []}
//	chains:
//	  - id: wo-activation
//	    name: Work order activation
//	    steps:
//	      - agent_ref: dispatcher
//	triggers:
//	  - id: wo-active
//	    entity_type: work_order
//	    status_to: active
//	    chain_id: wo-activation
//	    conditions: {dedup_window_minutes: 60}
//
// Field names are the JSON names of the schema types. Chains and triggers are
// enabled unless they say otherwise.
package definitions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/chainops/pkg/schema"
)

// Bundle is the content of one or more definitions files.
type Bundle struct {
	RuleSets []*schema.TransitionRuleSet `json:"rule_sets,omitempty"`
	Chains   []*schema.ChainDefinition   `json:"chains,omitempty"`
	Triggers []*schema.Trigger           `json:"triggers,omitempty"`
}

// Empty reports whether the bundle defines nothing.
func (b *Bundle) Empty() bool {
	return len(b.RuleSets) == 0 && len(b.Chains) == 0 && len(b.Triggers) == 0
}

// Merge appends other's definitions to b.
func (b *Bundle) Merge(other *Bundle) {
	if other == nil {
		return
	}
	b.RuleSets = append(b.RuleSets, other.RuleSets...)
	b.Chains = append(b.Chains, other.Chains...)
	b.Triggers = append(b.Triggers, other.Triggers...)
}

// Parse decodes every YAML document in data into one bundle.
func Parse(data []byte) (*Bundle, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	out := &Bundle{}
	for doc := 1; ; doc++ {
		var raw map[string]any
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse definitions document %d: %s", doc, err.Error()).WithCause(err)
		}
		b, err := decodeDocument(raw)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode definitions document %d: %s", doc, err.Error()).WithCause(err)
		}
		out.Merge(b)
	}
}

func decodeDocument(raw map[string]any) (*Bundle, error) {
	for key := range raw {
		switch key {
		case "rule_sets", "chains", "triggers":
		default:
			return nil, fmt.Errorf("unknown section %q", key)
		}
	}
	defaultEnabled(raw["chains"])
	defaultEnabled(raw["triggers"])

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	b := &Bundle{}
	if err := dec.Decode(b); err != nil {
		return nil, err
	}
	return b, nil
}

// defaultEnabled sets enabled: true on entries that leave it out.
func defaultEnabled(section any) {
	items, ok := section.([]any)
	if !ok {
		return
	}
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			if _, set := m["enabled"]; !set {
				m["enabled"] = true
			}
		}
	}
}

// LoadFile parses one definitions file.
func LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions %s: %w", path, err)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// LoadDir parses every *.yaml and *.yml file in dir, in name order.
func LoadDir(dir string) (*Bundle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := &Bundle{}
	for _, name := range names {
		b, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out.Merge(b)
	}
	return out, nil
}

// Load reads path, which may be a file or a directory.
func Load(path string) (*Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat definitions %s: %w", path, err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return LoadFile(path)
}
