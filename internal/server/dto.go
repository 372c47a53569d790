package server

import (
	"octoflow/internal/domain"
	"octoflow/internal/workflow"
)

// Request payloads

type OpenProcessRequest struct {
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	Workflow   string `json:"workflow"`
	Version    int    `json:"version,omitempty"`
	State      string `json:"state,omitempty"`
}

type AdvanceProcessRequest struct {
	Transition string `json:"transition,omitempty"`
}

type CompleteTaskRequest struct {
	Transition string `json:"transition"`
	Reason     string `json:"reason,omitempty"`
}

// Response payloads

type WorkflowResponse struct {
	Name         string               `json:"name"`
	Version      int                  `json:"version"`
	DisplayName  string               `json:"display_name"`
	TargetType   string               `json:"target_type,omitempty"`
	InitialState string               `json:"initial_state,omitempty"`
	States       []StateResponse      `json:"states"`
	Transitions  []TransitionResponse `json:"transitions"`
}

type StateResponse struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
}

type TransitionResponse struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Manual      bool   `json:"manual"`
	CreatesTask bool   `json:"creates_task"`
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
}

type ProcessResponse struct {
	ID              string         `json:"id"`
	TargetType      string         `json:"target_type"`
	TargetID        string         `json:"target_id"`
	Workflow        string         `json:"workflow"`
	WorkflowVersion int            `json:"workflow_version"`
	State           string         `json:"state"`
	Data            map[string]any `json:"data,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
}

type TaskResponse struct {
	ID        string         `json:"id"`
	ProcessID string         `json:"process_id"`
	Task      string         `json:"task"`
	Name      string         `json:"name,omitempty"`
	State     string         `json:"state" enum:"created,assigned,started,done"`
	Users     []string       `json:"users,omitempty"`
	Groups    []string       `json:"groups,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

// InstanceResponse is one workflow materialized for a target entity.
type InstanceResponse struct {
	Workflow    WorkflowResponse     `json:"workflow"`
	Process     ProcessResponse      `json:"process"`
	Transitions []TransitionResponse `json:"transitions"`
}

func workflowResponse(def *workflow.Definition) WorkflowResponse {
	states := make([]StateResponse, 0, len(def.States))
	for _, s := range def.States {
		states = append(states, StateResponse{Name: s.Name, Label: s.Label})
	}
	return WorkflowResponse{
		Name:         def.Name,
		Version:      def.EffectiveVersion(),
		DisplayName:  def.DisplayName(),
		TargetType:   def.TargetType,
		InitialState: def.InitialState,
		States:       states,
		Transitions:  mapTransitions(def.Transitions),
	}
}

func mapTransitions(trs []workflow.Transition) []TransitionResponse {
	out := make([]TransitionResponse, 0, len(trs))
	for _, tr := range trs {
		out = append(out, TransitionResponse{
			Name:        tr.Name,
			Source:      tr.Source,
			Destination: tr.Destination,
			Manual:      tr.Manual,
			CreatesTask: tr.CreatesTask(),
			Label:       tr.Label,
			Description: tr.Description,
		})
	}
	return out
}

func processResponse(p domain.Process) ProcessResponse {
	return ProcessResponse{
		ID:              p.ID,
		TargetType:      p.Target.Type,
		TargetID:        p.Target.ID,
		Workflow:        p.WorkflowName,
		WorkflowVersion: p.WorkflowVersion,
		State:           p.State,
		Data:            p.Data,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func mapProcesses(items []domain.Process) []ProcessResponse {
	out := make([]ProcessResponse, 0, len(items))
	for _, p := range items {
		out = append(out, processResponse(p))
	}
	return out
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:        t.ID,
		ProcessID: t.ProcessID,
		Task:      t.Task,
		Name:      t.Name,
		State:     t.State,
		Users:     t.Users,
		Groups:    t.Groups,
		Data:      t.Data,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func instanceResponse(in workflow.Instance) InstanceResponse {
	return InstanceResponse{
		Workflow:    workflowResponse(in.Definition),
		Process:     processResponse(in.Process),
		Transitions: mapTransitions(in.Transitions),
	}
}
