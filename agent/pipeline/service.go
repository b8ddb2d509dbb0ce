// Package pipeline models the service graph the agent schedules over: an
// immutable DAG of service descriptors plus the readiness rule that decides
// which services run next for a given workflow state.
package pipeline

import (
	"context"

	"github.com/dialogstack/conductor/agent/connector"
	"github.com/dialogstack/conductor/dialog"
)

// Tag classifies a service's role in the pipeline.
type Tag string

const (
	TagInput      Tag = "input"
	TagResponder  Tag = "responder"
	TagSelector   Tag = "selector"
	TagLastChance Tag = "last_chance"
	TagTimeout    Tag = "timeout"
)

// StateHook mutates the dialog with a formatted service response. Hooks run
// serialized per dialog; ind addresses the parallel sub-task that produced
// the payload, attrs carries ingress message attributes.
type StateHook func(ctx context.Context, d *dialog.Dialog, payload any, label string, ind int, attrs map[string]any) error

// WorkflowFormatter renders the dialog into the generic state shape a
// service consumes. The default is dialog.AsMap.
type WorkflowFormatter func(d *dialog.Dialog) map[string]any

// DialogFormatter splits the formatted dialog state into one payload per
// parallel sub-task.
type DialogFormatter func(state map[string]any) ([]map[string]any, error)

// ResponseFormatter converts a raw connector response into the shape the
// service's state hook expects.
type ResponseFormatter func(resp any) (any, error)

// Service is an immutable descriptor of one pipeline node.
type Service struct {
	Name  string
	Label string
	Group string

	Connector         connector.Connector
	StateHook         StateHook
	WorkflowFormatter WorkflowFormatter
	DialogFormatter   DialogFormatter
	ResponseFormatter ResponseFormatter

	Previous         map[string]bool
	RequiredPrevious map[string]bool

	tags map[Tag]bool

	// Derived by Pipeline construction.
	next       []*Service
	dependents []*Service
	rank       int
}

// ServiceParams collects the constructor arguments for NewService.
type ServiceParams struct {
	Name              string
	Label             string
	Group             string
	Tags              []Tag
	Connector         connector.Connector
	StateHook         StateHook
	WorkflowFormatter WorkflowFormatter
	DialogFormatter   DialogFormatter
	ResponseFormatter ResponseFormatter
	Previous          []string
	RequiredPrevious  []string
}

// NewService builds a descriptor. The label defaults to the name.
func NewService(p ServiceParams) *Service {
	s := &Service{
		Name:              p.Name,
		Label:             p.Label,
		Group:             p.Group,
		Connector:         p.Connector,
		StateHook:         p.StateHook,
		WorkflowFormatter: p.WorkflowFormatter,
		DialogFormatter:   p.DialogFormatter,
		ResponseFormatter: p.ResponseFormatter,
		Previous:          map[string]bool{},
		RequiredPrevious:  map[string]bool{},
		tags:              map[Tag]bool{},
	}
	if s.Label == "" {
		s.Label = s.Name
	}
	for _, t := range p.Tags {
		s.tags[t] = true
	}
	for _, n := range p.Previous {
		s.Previous[n] = true
	}
	for _, n := range p.RequiredPrevious {
		s.RequiredPrevious[n] = true
	}
	return s
}

func (s *Service) HasTag(t Tag) bool { return s.tags[t] }

func (s *Service) IsInput() bool      { return s.tags[TagInput] }
func (s *Service) IsResponder() bool  { return s.tags[TagResponder] }
func (s *Service) IsSelector() bool   { return s.tags[TagSelector] }
func (s *Service) IsLastChance() bool { return s.tags[TagLastChance] }
func (s *Service) IsTimeout() bool    { return s.tags[TagTimeout] }

// Next returns the direct successors, set during Pipeline construction.
func (s *Service) Next() []*Service { return s.next }

// Dependents returns every service reachable downstream of s; they are
// skipped when s fails.
func (s *Service) Dependents() []*Service { return s.dependents }

// Payloads renders the dialog into the list of task payloads for this
// service: the workflow formatter produces the state shape, the dialog
// formatter (when present) splits it into parallel sub-tasks.
func (s *Service) Payloads(d *dialog.Dialog) ([]map[string]any, error) {
	var state map[string]any
	if s.WorkflowFormatter != nil {
		state = s.WorkflowFormatter(d)
	} else {
		state = d.AsMap()
	}
	if s.DialogFormatter == nil {
		return []map[string]any{state}, nil
	}
	return s.DialogFormatter(state)
}

// FormatResponse applies the response formatter, passing the raw response
// through when none is configured.
func (s *Service) FormatResponse(resp any) (any, error) {
	if s.ResponseFormatter == nil {
		return resp, nil
	}
	return s.ResponseFormatter(resp)
}
