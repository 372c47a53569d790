package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"octoflow/internal/domain"
	"octoflow/internal/repo"
	"octoflow/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   workflow.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"transition_unavailable"`
	Message string         `json:"message" example:"no transition from state done"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Octoflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Octoflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkflows(group, cfg.Engine)
	registerTargets(group, cfg.Engine)
	registerProcesses(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound),
		errors.Is(err, workflow.ErrWorkflowNotRegistered):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, workflow.ErrTaskAlreadyProcessed):
		return newAPIError(http.StatusConflict, "task_already_processed", err.Error(), nil)
	case errors.Is(err, workflow.ErrTransitionDoesNotExist),
		errors.Is(err, workflow.ErrInvalidTransition):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, workflow.ErrTransitionUnavailable):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	case workflow.IsDefinitionError(err):
		return newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Octoflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerWorkflows(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List registered workflows",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkflowResponse `json:"body"`
	}, error) {
		if _, authErr := requireUser(ctx); authErr != nil {
			return nil, authErr
		}
		defs := e.Registry.All()
		out := make([]WorkflowResponse, 0, len(defs))
		for _, d := range defs {
			out = append(out, workflowResponse(d))
		}
		return &struct {
			Body []WorkflowResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{name}",
		Summary:     "Get workflow definition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name    string `path:"name"`
		Version int    `query:"version"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		if _, authErr := requireUser(ctx); authErr != nil {
			return nil, authErr
		}
		def, err := e.Registry.Lookup(input.Name, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(def)}, nil
	})
}

func registerTargets(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "target-workflow-instances",
		Method:      http.MethodGet,
		Path:        "/targets/{type}/{id}/workflows",
		Summary:     "Workflow instances for a target entity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Type string `path:"type"`
		ID   string `path:"id"`
	}) (*struct {
		Body []InstanceResponse `json:"body"`
	}, error) {
		user, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		instances, err := e.WorkflowInstances(ctx, input.Type, input.ID, &user)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]InstanceResponse, 0, len(instances))
		for _, in := range instances {
			out = append(out, instanceResponse(in))
		}
		return &struct {
			Body []InstanceResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerProcesses(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-process",
		Method:        http.MethodPost,
		Path:          "/processes",
		Summary:       "Open a process for a target entity",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body OpenProcessRequest `json:"body"`
	}) (*struct {
		Body ProcessResponse `json:"body"`
	}, error) {
		user, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.TargetType == "" || input.Body.TargetID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target_type and target_id are required", nil)
		}
		if input.Body.Workflow == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "workflow is required", nil)
		}
		def, err := e.Registry.Lookup(input.Body.Workflow, input.Body.Version)
		if err != nil {
			return nil, handleError(err)
		}
		allowed, err := e.IsAllowed(ctx, def, &user, workflow.PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if !allowed {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "not allowed to open this workflow", nil)
		}
		tgt := domain.TargetRef{Type: input.Body.TargetType, ID: input.Body.TargetID}
		p, err := e.Open(ctx, def, tgt, input.Body.State, user.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcessResponse `json:"body"`
		}{Body: processResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-processes",
		Method:      http.MethodGet,
		Path:        "/processes",
		Summary:     "List processes",
	}, func(ctx context.Context, input *struct {
		TargetType string `query:"target_type"`
		TargetID   string `query:"target_id"`
		Workflow   string `query:"workflow"`
		State      string `query:"state"`
	}) (*struct {
		Body []ProcessResponse `json:"body"`
	}, error) {
		if _, authErr := requireUser(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListProcesses(ctx, repo.ProcessFilters{
			TargetType:   input.TargetType,
			TargetID:     input.TargetID,
			WorkflowName: input.Workflow,
			State:        input.State,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProcessResponse `json:"body"`
		}{Body: mapProcesses(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-process",
		Method:      http.MethodGet,
		Path:        "/processes/{id}",
		Summary:     "Get process",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ProcessResponse `json:"body"`
	}, error) {
		if _, authErr := requireUser(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetProcess(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcessResponse `json:"body"`
		}{Body: processResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-process",
		Method:      http.MethodPost,
		Path:        "/processes/{id}/advance",
		Summary:     "Advance a process",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body AdvanceProcessRequest `json:"body"`
	}) (*struct {
		Body ProcessResponse `json:"body"`
	}, error) {
		user, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetProcess(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		def, err := e.Definition(p)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Transition != "" {
			// Transitions that pause on a task must go through task
			// completion, not the advance endpoint.
			tr, ok := def.TransitionByName(input.Body.Transition)
			if !ok {
				return nil, handleError(fmt.Errorf("%w: %s", workflow.ErrTransitionDoesNotExist, input.Body.Transition))
			}
			if tr.Manual && tr.CreatesTask() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request",
					fmt.Sprintf("transition %s creates a task; complete the task instead", tr.Name), nil)
			}
			authorized, err := e.AuthorizedTransitions(ctx, def, p, &user)
			if err != nil {
				return nil, handleError(err)
			}
			if !transitionIn(authorized, tr.Name) {
				return nil, newAPIError(http.StatusForbidden, "forbidden", "not allowed to fire this transition", nil)
			}
			if _, err := e.AdvanceOnce(ctx, p.ID, tr.Name, user.ID); err != nil {
				return nil, handleError(err)
			}
		}
		p, err = e.Advance(ctx, p.ID, user.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcessResponse `json:"body"`
		}{Body: processResponse(p)}, nil
	})
}

func registerTasks(api huma.API, e workflow.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks visible to the caller",
	}, func(ctx context.Context, input *struct {
		ProcessID string `query:"process_id"`
		State     string `query:"state"`
		All       bool   `query:"all"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		user, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.TaskFilters{
			ProcessID: input.ProcessID,
			State:     input.State,
		}
		if !input.All || !user.Superuser {
			f.FilterUser = true
			f.User = user.ID
			f.UserGroups = user.Groups
		}
		items, err := e.Repo.ListTasks(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if _, authErr := requireUser(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Complete a task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body CompleteTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		user, authErr := requireUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Transition == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "transition is required", nil)
		}
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !taskVisible(t, user) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "task is assigned to someone else", nil)
		}
		p, err := e.Repo.GetProcess(ctx, t.ProcessID)
		if err != nil {
			return nil, handleError(err)
		}
		def, err := e.Definition(p)
		if err != nil {
			return nil, handleError(err)
		}
		authorized, err := e.AuthorizedTransitions(ctx, def, p, &user)
		if err != nil {
			return nil, handleError(err)
		}
		if !transitionIn(authorized, input.Body.Transition) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "not allowed to fire this transition", nil)
		}
		var data map[string]any
		if input.Body.Reason != "" {
			data = map[string]any{"reason": input.Body.Reason}
		}
		t, err = e.Complete(ctx, input.ID, input.Body.Transition, user.ID, data)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

// taskVisible implements the task predicate: unassigned tasks are open to
// anyone, assigned tasks only to the named users or groups. Superusers see
// everything.
func taskVisible(t domain.Task, user workflow.User) bool {
	if user.Superuser {
		return true
	}
	if len(t.Users) == 0 && len(t.Groups) == 0 {
		return true
	}
	for _, u := range t.Users {
		if u == user.ID {
			return true
		}
	}
	for _, g := range t.Groups {
		if user.InGroup(g) {
			return true
		}
	}
	return false
}

func transitionIn(trs []workflow.Transition, name string) bool {
	for _, tr := range trs {
		if tr.Name == name {
			return true
		}
	}
	return false
}
