// Package workflow implements the Workflow Engine of spec §4.4: template
// loading with JSON/YAML autodetection, the per-agent FIFO task queue, the
// trigger operation, and the dispatch loop with failure/retry handling.
package workflow

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"

	"opscore/internal/domain"
	"opscore/internal/opserr"
)

// ParseDefinition accepts a definition as raw text in either JSON or YAML
// and autodetects which. spec §4.4: "Accepts definitions as either parsed
// mappings or serialized text (JSON or YAML; autodetect by syntax)." A
// leading '{' or '[' (ignoring whitespace) is treated as JSON; anything else
// is parsed as YAML, which is a superset of JSON's document grammar but
// reads more naturally for hand-written templates.
func ParseDefinition(raw []byte) (domain.WorkflowDefinition, error) {
	trimmed := bytes.TrimSpace(raw)
	var def domain.WorkflowDefinition
	var err error
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		err = json.Unmarshal(trimmed, &def)
	} else {
		err = yaml.Unmarshal(trimmed, &def)
	}
	if err != nil {
		return domain.WorkflowDefinition{}, opserr.Wrap(opserr.KindInvalidRequest, err, "parse workflow definition")
	}
	if err := ValidateDefinition(def); err != nil {
		return domain.WorkflowDefinition{}, err
	}
	return def, nil
}

// ValidateDefinition enforces spec §4.4's load-time checks: name, version,
// and a non-empty task list (each task needing only a taskName — spec §9
// leaves parameter schema open).
func ValidateDefinition(def domain.WorkflowDefinition) error {
	if def.Name == "" {
		return opserr.New(opserr.KindInvalidRequest, "workflow definition requires a name")
	}
	if def.Version == "" {
		return opserr.New(opserr.KindInvalidRequest, "workflow definition requires a version")
	}
	if len(def.Tasks) == 0 {
		return opserr.New(opserr.KindInvalidRequest, "workflow definition requires a non-empty task list")
	}
	for i, t := range def.Tasks {
		if t.TaskName == "" {
			return opserr.New(opserr.KindInvalidRequest, "task %d is missing taskName", i)
		}
	}
	return nil
}

// definitionsEqual reports whether two definitions are the same payload
// modulo server-assigned ID, used to decide WorkflowDefinitionConflict on a
// repeated inline trigger (spec §8: "identical payloads succeed both
// times").
func definitionsEqual(a, b domain.WorkflowDefinition) bool {
	a.ID, b.ID = "", ""
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
