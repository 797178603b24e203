package schedule

import (
	"encoding/json"
	"errors"
	"strings"
)

// Metadata is what a job needs at fire time. Properties no longer contain
// any cron key; the resolved expression lives in Cron. Nil Properties and
// Arguments are stored as empty and decode as empty, non-nil collections.
type Metadata struct {
	TaskName   string
	Properties map[string]string
	Arguments  []string
	Cron       string
}

type wireDefinition struct {
	Name string `json:"name"`
}

// wireMetadata is the persisted blob layout. Field order is the encode order.
type wireMetadata struct {
	Definition           *wireDefinition   `json:"definition"`
	DeploymentProperties map[string]string `json:"deploymentProperties"`
	CommandlineArguments []string          `json:"commandlineArguments"`
	CronExpression       string            `json:"cronExpression"`
}

// EncodeMetadata renders m as the JSON blob stored with the job.
func EncodeMetadata(m Metadata) (string, error) {
	w := wireMetadata{
		Definition:           &wireDefinition{Name: m.TaskName},
		DeploymentProperties: m.Properties,
		CommandlineArguments: m.Arguments,
		CronExpression:       m.Cron,
	}
	if w.DeploymentProperties == nil {
		w.DeploymentProperties = map[string]string{}
	}
	if w.CommandlineArguments == nil {
		w.CommandlineArguments = []string{}
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", &EncodingError{Err: err}
	}
	return string(b), nil
}

// DecodeMetadata parses a blob written by EncodeMetadata. Missing or null
// collections decode as empty; a missing definition name is an error.
func DecodeMetadata(payload string) (Metadata, error) {
	if strings.TrimSpace(payload) == "" {
		return Metadata{}, &DecodeError{Reason: "empty payload"}
	}
	var w wireMetadata
	dec := json.NewDecoder(strings.NewReader(payload))
	if err := dec.Decode(&w); err != nil {
		return Metadata{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	if dec.More() {
		return Metadata{}, &DecodeError{Reason: "invalid json", Err: errors.New("trailing data")}
	}
	if w.Definition == nil || w.Definition.Name == "" {
		return Metadata{}, &DecodeError{Reason: "definition.name missing"}
	}
	m := Metadata{
		TaskName:   w.Definition.Name,
		Properties: w.DeploymentProperties,
		Arguments:  w.CommandlineArguments,
		Cron:       w.CronExpression,
	}
	if m.Properties == nil {
		m.Properties = map[string]string{}
	}
	if m.Arguments == nil {
		m.Arguments = []string{}
	}
	return m, nil
}
