// Package server exposes the contract layer over HTTP. Every mutation
// follows the same order: idempotency, token validation, domain logic,
// envelope, optional task handoff.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"signline/internal/domain"
	"signline/internal/engine"
	"signline/internal/envelope"
	"signline/internal/etag"
	"signline/internal/idempotency"
	"signline/internal/repo"
	"signline/internal/resilience"
	"signline/internal/tasks"
)

// Config for the HTTP API handler.
type Config struct {
	Engine         engine.Engine
	BasePath       string
	RateLimitRPS   float64
	RateLimitBurst int
	Log            zerolog.Logger
}

type correlationKey struct{}

// apiError is the error envelope: the same shape as a success
// envelope, with a null result and populated errors.
type apiError struct {
	status int
	Body   errorBody
}

func (e *apiError) GetStatus() int { return e.status }

func (e *apiError) Error() string {
	if len(e.Body.Errors) > 0 {
		return e.Body.Errors[0].Error()
	}
	return http.StatusText(e.status)
}

// New returns an HTTP handler exposing the signline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, msg)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema-level failures are 400; 422 is reserved for domain
			// rule violations like status-graph breaks
			status = http.StatusBadRequest
		}
		return newAPIError(status, msg)
	}

	router := chi.NewRouter()
	router.Use(correlationMiddleware)
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		router.Use(rateLimitMiddleware(rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)))
	}
	hcfg := huma.DefaultConfig("Signline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerDeadLetters(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, msg string) huma.StatusError {
	return &apiError{
		status: status,
		Body: errorBody{
			Assumptions: []string{},
			Warnings:    []string{},
			Errors:      []envelope.FieldError{{Field: "request", Message: msg}},
		},
	}
}

// handleError maps domain errors onto the HTTP contract. A stale token
// is a 412 carrying the current token; a status-graph violation is a
// 422; dead-lettered or unavailable downstreams are 503; anything
// unexpected is a 500 tagged with the request's correlation id.
func handleError(ctx context.Context, log zerolog.Logger, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var pre etag.PreconditionError
	if errors.As(err, &pre) {
		return &apiError{
			status: http.StatusPreconditionFailed,
			Body: errorBody{
				Assumptions:  []string{},
				Warnings:     []string{},
				Errors:       []envelope.FieldError{{Field: "if_match", Message: err.Error()}},
				CurrentToken: pre.CurrentToken,
			},
		}
	}
	var tr etag.TransitionError
	if errors.As(err, &tr) {
		return &apiError{
			status: http.StatusUnprocessableEntity,
			Body: errorBody{
				Assumptions: []string{},
				Warnings:    []string{},
				Errors:      []envelope.FieldError{{Field: "status", Message: err.Error()}},
			},
		}
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return &apiError{
			status: http.StatusUnprocessableEntity,
			Body: errorBody{
				Assumptions: []string{},
				Warnings:    []string{},
				Errors:      ve.Errors,
			},
		}
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "resource not found")
	case errors.Is(err, idempotency.ErrStoreUnavailable),
		errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, resilience.ErrDeadLettered),
		errors.Is(err, tasks.ErrQueueFull),
		errors.Is(err, tasks.ErrStopped):
		return newAPIError(http.StatusServiceUnavailable, err.Error())
	}
	correlationID, _ := ctx.Value(correlationKey{}).(string)
	log.Error().Str("correlation_id", correlationID).Err(err).Msg("request failed")
	return &apiError{
		status: http.StatusInternalServerError,
		Body: errorBody{
			Assumptions:   []string{},
			Warnings:      []string{},
			Errors:        []envelope.FieldError{{Field: "request", Message: "internal error"}},
			CorrelationID: correlationID,
		},
	}
}

// correlationMiddleware tags every request with an id echoed on the
// response and attached to 500 bodies.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", id)
		ctx := context.WithValue(r.Context(), correlationKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/health") {
				next.ServeHTTP(w, r)
				return
			}
			if !limiter.Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"result":null,"assumptions":[],"warnings":[],"errors":[{"field":"request","message":"rate limit exceeded"}],"confidence":0}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func etagFromEnvelope(env envelope.Envelope) string {
	m, ok := env.Result.(map[string]any)
	if !ok {
		return ""
	}
	token, _ := m["etag"].(string)
	return token
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Project counts by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := e.StatusCounts(ctx)
		if err != nil {
			return nil, handleError(ctx, e.Log, err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"projects": counts}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		IdempotencyKey string               `header:"Idempotency-Key"`
		Body           CreateProjectRequest `json:"body"`
	}) (*struct {
		Status int
		ETag   string            `header:"ETag"`
		Body   envelope.Envelope `json:"body"`
	}, error) {
		env, duplicate, err := e.CreateProject(ctx, input.IdempotencyKey, engine.CreateOptions{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Inputs:      input.Body.Inputs,
			ActorID:     "api",
		})
		if err != nil {
			return nil, handleError(ctx, e.Log, err)
		}
		status := http.StatusCreated
		if duplicate {
			// replay: same body, same token, but not a second creation
			status = http.StatusOK
		}
		return &struct {
			Status int
			ETag   string            `header:"ETag"`
			Body   envelope.Envelope `json:"body"`
		}{Status: status, ETag: etagFromEnvelope(env), Body: env}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []map[string]any `json:"body"`
	}, error) {
		items, err := e.ListProjects(ctx)
		if err != nil {
			return nil, handleError(ctx, e.Log, err)
		}
		views := make([]map[string]any, 0, len(items))
		for _, p := range items {
			views = append(views, engine.ProjectView(p))
		}
		return &struct {
			Body []map[string]any `json:"body"`
		}{Body: views}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID          string `path:"id"`
		IfNoneMatch string `header:"If-None-Match"`
	}) (*struct {
		Status int
		ETag   string             `header:"ETag"`
		Body   *envelope.Envelope `json:"body,omitempty"`
	}, error) {
		p, err := e.GetProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, e.Log, err)
		}
		out := &struct {
			Status int
			ETag   string             `header:"ETag"`
			Body   *envelope.Envelope `json:"body,omitempty"`
		}{Status: http.StatusOK, ETag: p.Token}
		if supplied := strings.Trim(strings.TrimSpace(input.IfNoneMatch), `"`); supplied != "" && supplied == p.Token {
			out.Status = http.StatusNotModified
			return out, nil
		}
		env := envelope.Build(engine.ProjectView(p), nil, nil, nil, 1.0, envelope.Trace{ConstantsVersion: p.ConstantsVersion})
		out.Body = &env
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{id}",
		Summary:     "Update project (conditional)",
		Errors: []int{
			http.StatusNotFound,
			http.StatusPreconditionFailed,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID      string               `path:"id"`
		IfMatch string               `header:"If-Match"`
		Body    UpdateProjectRequest `json:"body"`
	}) (*struct {
		ETag string            `header:"ETag"`
		Body envelope.Envelope `json:"body"`
	}, error) {
		env, err := e.UpdateProject(ctx, engine.UpdateOptions{
			ID:          input.ID,
			IfMatch:     input.IfMatch,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Status:      input.Body.Status,
			Inputs:      input.Body.Inputs,
			ActorID:     "api",
		})
		if err != nil {
			return nil, handleError(ctx, e.Log, err)
		}
		return &struct {
			ETag string            `header:"ETag"`
			Body envelope.Envelope `json:"body"`
		}{ETag: etagFromEnvelope(env), Body: env}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "calculate-project",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/calculate",
		Summary:     "Run the calculation synchronously",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body envelope.Envelope `json:"body"`
	}, error) {
		env, err := e.CalculateProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, e.Log, err)
		}
		return &struct {
			Body envelope.Envelope `json:"body"`
		}{Body: env}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-project",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/submit",
		Summary:       "Submit project (async pipeline)",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusNotFound,
			http.StatusPreconditionFailed,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID             string               `path:"id"`
		IfMatch        string               `header:"If-Match"`
		IdempotencyKey string               `header:"Idempotency-Key"`
		Body           SubmitProjectRequest `json:"body,omitempty"`
	}) (*struct {
		Status int
		ETag   string            `header:"ETag"`
		Body   envelope.Envelope `json:"body"`
	}, error) {
		env, duplicate, err := e.SubmitProject(ctx, input.IdempotencyKey, engine.SubmitOptions{
			ID:          input.ID,
			IfMatch:     input.IfMatch,
			NotifyEmail: input.Body.NotifyEmail,
			ActorID:     "api",
		})
		if err != nil {
			return nil, handleError(ctx, e.Log, err)
		}
		status := http.StatusAccepted
		if duplicate {
			status = http.StatusOK
		}
		return &struct {
			Status int
			ETag   string            `header:"ETag"`
			Body   envelope.Envelope `json:"body"`
		}{Status: status, ETag: etagFromEnvelope(env), Body: env}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Task status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		rec, err := e.Tasks.GetStatus(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(ctx, e.Log, err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/cancel",
		Summary:     "Cancel task (idempotent)",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body CancelTaskResponse `json:"body"`
	}, error) {
		state, err := e.Tasks.Cancel(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(ctx, e.Log, err)
		}
		return &struct {
			Body CancelTaskResponse `json:"body"`
		}{Body: CancelTaskResponse{TaskID: input.TaskID, State: state}}, nil
	})
}

func registerDeadLetters(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-deadletters",
		Method:      http.MethodGet,
		Path:        "/deadletters",
		Summary:     "List dead letters pending replay",
	}, func(ctx context.Context, input *struct {
		Service         string `query:"service"`
		IncludeReplayed bool   `query:"include_replayed"`
	}) (*struct {
		Body []domain.DeadLetterEntry `json:"body"`
	}, error) {
		letters, err := e.Repo.ListDeadLetters(ctx, input.Service, input.IncludeReplayed)
		if err != nil {
			return nil, handleError(ctx, e.Log, err)
		}
		if letters == nil {
			letters = []domain.DeadLetterEntry{}
		}
		return &struct {
			Body []domain.DeadLetterEntry `json:"body"`
		}{Body: letters}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events, newest first",
	}, func(ctx context.Context, input *struct {
		Limit     int    `query:"limit"`
		ProjectID string `query:"project_id"`
		Type      string `query:"type"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		evts, err := e.Repo.ListEvents(ctx, limit, input.ProjectID, input.Type)
		if err != nil {
			return nil, handleError(ctx, e.Log, err)
		}
		if evts == nil {
			evts = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}
