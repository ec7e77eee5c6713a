package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kazz187/featureguild/internal/task"
)

// TaskService is the part of the lifecycle controller the task tools use.
type TaskService interface {
	Create(ctx context.Context, title, description string) (*task.Task, error)
	List(ctx context.Context) ([]*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	Update(ctx context.Context, id string, req task.UpdateRequest) (*task.Task, error)
}

type ListTasks struct {
	Tasks TaskService
}

func (t *ListTasks) Spec() Spec {
	return Spec{
		Name:        "list_tasks",
		Description: "List tasks, optionally filtered by status.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"status": {"enum": ["backlog", "todo", "in_progress", "wait_approval", "done", "rejected"]}
			},
			"additionalProperties": false
		}`),
	}
}

func (t *ListTasks) Invoke(ctx context.Context, _ Env, input json.RawMessage) (any, error) {
	var in struct {
		Status task.Status `json:"status"`
	}
	if err := decodeInput("list_tasks", input, &in); err != nil {
		return nil, err
	}
	tasks, err := t.Tasks.List(ctx)
	if err != nil {
		return nil, err
	}
	out := []task.Summary{}
	for _, tk := range tasks {
		if in.Status != "" && tk.Status != in.Status {
			continue
		}
		out = append(out, tk.Summarize())
	}
	return map[string]any{"tasks": out}, nil
}

type QueryTask struct {
	Tasks TaskService
}

func (t *QueryTask) Spec() Spec {
	return Spec{
		Name:        "query_task",
		Description: "Fetch one task with its activity log.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"id": {"type": "string", "minLength": 1}},
			"required": ["id"],
			"additionalProperties": false
		}`),
	}
}

func (t *QueryTask) Invoke(ctx context.Context, _ Env, input json.RawMessage) (any, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := decodeInput("query_task", input, &in); err != nil {
		return nil, err
	}
	return t.Tasks.Get(ctx, in.ID)
}

type CreateTask struct {
	Tasks TaskService
}

type createTaskInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (t *CreateTask) Spec() Spec {
	return Spec{
		Name:        "create_task",
		Description: "Create a new backlog task, for example a follow-up discovered while working.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"title": {"type": "string", "minLength": 1, "maxLength": 200},
				"description": {"type": "string"}
			},
			"required": ["title"],
			"additionalProperties": false
		}`),
		NeedsApproval: true,
	}
}

func (t *CreateTask) Prepare(_ Env, input json.RawMessage) (string, error) {
	var in createTaskInput
	if err := decodeInput("create_task", input, &in); err != nil {
		return "", err
	}
	return fmt.Sprintf("create task %q", in.Title), nil
}

func (t *CreateTask) Invoke(ctx context.Context, _ Env, input json.RawMessage) (any, error) {
	var in createTaskInput
	if err := decodeInput("create_task", input, &in); err != nil {
		return nil, err
	}
	created, err := t.Tasks.Create(ctx, in.Title, in.Description)
	if err != nil {
		return nil, err
	}
	return created.Summarize(), nil
}

type UpdateTask struct {
	Tasks TaskService
}

type updateTaskInput struct {
	ID          string  `json:"id"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Note        string  `json:"note"`
}

func (t *UpdateTask) Spec() Spec {
	return Spec{
		Name:        "update_task",
		Description: "Edit the title or description of a task, or add a note to its activity log. Status cannot be changed.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"title": {"type": "string", "minLength": 1, "maxLength": 200},
				"description": {"type": "string"},
				"note": {"type": "string", "minLength": 1}
			},
			"required": ["id"],
			"anyOf": [
				{"required": ["title"]},
				{"required": ["description"]},
				{"required": ["note"]}
			],
			"additionalProperties": false
		}`),
		NeedsApproval: true,
	}
}

func (t *UpdateTask) Prepare(_ Env, input json.RawMessage) (string, error) {
	var in updateTaskInput
	if err := decodeInput("update_task", input, &in); err != nil {
		return "", err
	}
	switch {
	case in.Title != nil:
		return fmt.Sprintf("rename task %s to %q", in.ID, *in.Title), nil
	case in.Description != nil:
		return fmt.Sprintf("rewrite description of task %s", in.ID), nil
	default:
		return fmt.Sprintf("add note to task %s", in.ID), nil
	}
}

func (t *UpdateTask) Invoke(ctx context.Context, _ Env, input json.RawMessage) (any, error) {
	var in updateTaskInput
	if err := decodeInput("update_task", input, &in); err != nil {
		return nil, err
	}
	updated, err := t.Tasks.Update(ctx, in.ID, task.UpdateRequest{
		Title:       in.Title,
		Description: in.Description,
		Note:        in.Note,
	})
	if err != nil {
		return nil, err
	}
	return updated.Summarize(), nil
}
