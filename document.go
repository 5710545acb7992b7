package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// WorkflowDocument is the on-disk form of a workflow, authored in YAML or JSON.
type WorkflowDocument struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int        `json:"version,omitempty" yaml:"version,omitempty"`
	DSLVersion  int        `json:"dsl_version,omitempty" yaml:"dsl_version,omitempty"`
	IsBuiltIn   bool       `json:"is_built_in,omitempty" yaml:"is_built_in,omitempty"`
	Inactive    bool       `json:"inactive,omitempty" yaml:"inactive,omitempty"`
	Definition  Definition `json:"definition" yaml:"definition"`
}

// Workflow converts the document into an unsaved workflow.
func (d WorkflowDocument) Workflow() *Workflow {
	wf := &Workflow{
		Name:        d.Name,
		Description: d.Description,
		Version:     d.Version,
		DSLVersion:  d.DSLVersion,
		IsBuiltIn:   d.IsBuiltIn,
		IsActive:    !d.Inactive,
		Definition:  d.Definition,
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	if wf.DSLVersion == 0 {
		wf.DSLVersion = 1
	}
	if wf.Definition.Name == "" {
		wf.Definition.Name = d.Name
	}
	if wf.Definition.DSLVersion == 0 {
		wf.Definition.DSLVersion = wf.DSLVersion
	}
	return wf
}

// ParseWorkflowDocument decodes a workflow document. JSON input is detected by its
// leading brace; everything else is decoded as YAML.
func ParseWorkflowDocument(data []byte) (WorkflowDocument, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return WorkflowDocument{}, fmt.Errorf("flow: workflow document is empty")
	}
	var doc WorkflowDocument
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return WorkflowDocument{}, fmt.Errorf("flow: decode json document: %w", err)
		}
	} else if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return WorkflowDocument{}, fmt.Errorf("flow: decode yaml document: %w", err)
	}
	if strings.TrimSpace(doc.Name) == "" {
		return WorkflowDocument{}, fmt.Errorf("flow: workflow document has no name")
	}
	return doc, nil
}

// LoadWorkflowFile reads and parses a workflow document from disk.
func LoadWorkflowFile(path string) (WorkflowDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkflowDocument{}, fmt.Errorf("flow: read %s: %w", path, err)
	}
	doc, err := ParseWorkflowDocument(data)
	if err != nil {
		return WorkflowDocument{}, fmt.Errorf("flow: %s: %w", filepath.Clean(path), err)
	}
	return doc, nil
}
