// Package directive validates the structured task list produced for a directive.
package directive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"aegis/internal/domain"
)

// ErrParse marks any deviation from the {"tasks":[{"dept","action"}]} contract.
var ErrParse = errors.New("directive parse failure")

// DefaultMaxTasks bounds the fan-out a single directive can request.
const DefaultMaxTasks = 16

type wireTask struct {
	Dept   *string `json:"dept"`
	Action *string `json:"action"`
}

type wirePlan struct {
	Tasks *[]wireTask `json:"tasks"`
}

// Parse decodes raw model output strictly. Surrounding prose, fences, unknown fields,
// unknown unit codes, empty actions and more than maxTasks tasks are all parse failures.
func Parse(raw string, maxTasks int) ([]domain.Task, error) {
	if maxTasks <= 0 {
		maxTasks = DefaultMaxTasks
	}
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return nil, fmt.Errorf("%w: output is not a bare JSON object", ErrParse)
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	dec.DisallowUnknownFields()
	var plan wirePlan
	if err := dec.Decode(&plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after object", ErrParse)
	}
	if plan.Tasks == nil {
		return nil, fmt.Errorf("%w: missing tasks", ErrParse)
	}
	if len(*plan.Tasks) > maxTasks {
		return nil, fmt.Errorf("%w: %d tasks exceeds limit %d", ErrParse, len(*plan.Tasks), maxTasks)
	}
	tasks := make([]domain.Task, 0, len(*plan.Tasks))
	for i, t := range *plan.Tasks {
		if t.Dept == nil || t.Action == nil {
			return nil, fmt.Errorf("%w: task %d missing dept or action", ErrParse, i)
		}
		unit, ok := domain.ParseUnit(*t.Dept)
		if !ok {
			return nil, fmt.Errorf("%w: task %d has unknown unit %q", ErrParse, i, *t.Dept)
		}
		action := strings.TrimSpace(*t.Action)
		if action == "" {
			return nil, fmt.Errorf("%w: task %d has empty action", ErrParse, i)
		}
		tasks = append(tasks, domain.Task{Unit: unit, Action: action})
	}
	return tasks, nil
}

// Instructions is the parser prompt body handed to the completion port.
func Instructions() string {
	var codes []string
	for _, u := range domain.Units {
		codes = append(codes, fmt.Sprintf("- %s: %s", u, u.Label()))
	}
	return `Decompose the directive into tasks for the execution units below.
Respond with exactly one JSON object and nothing else, no markdown fences, no commentary:
{"tasks":[{"dept":"<unit code>","action":"<what the unit must do>"}]}
Use only these unit codes:
` + strings.Join(codes, "\n")
}
