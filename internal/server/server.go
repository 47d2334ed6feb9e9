package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"tripgate/internal/domain"
	"tripgate/internal/engine"
	"tripgate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stale_suggestion"`
	Message string         `json:"message" example:"suggestion sg-1 is stale"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"suggestionId\":\"sg-1\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the tripgate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("tripgate API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSchedules(group, cfg.Engine)
	registerSuggestions(group, cfg.Engine)
	registerOptimize(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
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
	var (
		ve  engine.ValidationError
		nf  engine.NotFoundError
		ce  engine.ConflictError
		se  engine.StaleSuggestionError
		ee  engine.ExpiredError
		ane engine.ActionNotFoundError
		gre engine.GateRejectedError
		nue engine.NothingToUndoError
		nre engine.NothingToRedoError
		ate engine.AlreadyTerminalError
		cre engine.ConfirmationRequiredError
	)
	switch {
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	case errors.As(err, &nf):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind, "id": nf.ID})
	case errors.As(err, &se):
		return newAPIError(http.StatusConflict, "stale_suggestion", err.Error(), map[string]any{
			"suggestionId": se.SuggestionID,
			"expected":     se.Expected,
			"actual":       se.Actual,
		})
	case errors.As(err, &ce):
		details := map[string]any{"kind": ce.Kind, "id": ce.ID}
		if ce.Status != "" {
			details["status"] = ce.Status
		}
		return newAPIError(http.StatusConflict, "conflict", err.Error(), details)
	case errors.As(err, &ee):
		return newAPIError(http.StatusGone, "expired", err.Error(), map[string]any{"approvalId": ee.ApprovalID, "expiresAt": ee.ExpiresAt})
	case errors.As(err, &ane):
		return newAPIError(http.StatusNotFound, "action_not_found", err.Error(), map[string]any{"suggestionId": ane.SuggestionID, "actionId": ane.ActionID})
	case errors.As(err, &gre):
		return newAPIError(http.StatusUnprocessableEntity, "gate_rejected", err.Error(), map[string]any{
			"suggestionId": gre.SuggestionID,
			"actionId":     gre.ActionID,
			"verdicts":     gre.Verdicts,
		})
	case errors.As(err, &nue):
		return newAPIError(http.StatusConflict, "nothing_to_undo", err.Error(), map[string]any{"tripId": nue.TripID, "date": nue.Date})
	case errors.As(err, &nre):
		return newAPIError(http.StatusConflict, "nothing_to_redo", err.Error(), map[string]any{"tripId": nre.TripID, "date": nre.Date})
	case errors.As(err, &ate):
		return newAPIError(http.StatusConflict, "already_terminal", err.Error(), map[string]any{"taskId": ate.TaskID, "status": ate.Status})
	case errors.As(err, &cre):
		return newAPIError(http.StatusConflict, "confirmation_required", err.Error(), map[string]any{"riskLevel": cre.RiskLevel})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
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
	case http.StatusGone:
		return "expired"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
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
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>tripgate API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
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

func registerSchedules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "save-schedule",
		Method:      http.MethodPut,
		Path:        "/trips/{tripId}/schedules/{date}",
		Summary:     "Replace a day schedule and re-evaluate the trip",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		TripID string              `path:"tripId"`
		Date   string              `path:"date"`
		Body   SaveScheduleRequest `json:"body"`
	}) (*struct {
		Body engine.SaveResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		day := domain.DaySchedule{Date: input.Date, Items: input.Body.Items}
		res, err := e.SaveSchedule(ctx, input.TripID, day, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SaveResult `json:"body"`
		}{Body: mapSaveResult(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/trips/{tripId}/schedules/{date}",
		Summary:     "Get a day schedule",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TripID string `path:"tripId"`
		Date   string `path:"date"`
	}) (*struct {
		Body ScheduleResponse `json:"body"`
	}, error) {
		day, err := e.GetSchedule(ctx, input.TripID, input.Date)
		if err != nil {
			return nil, handleError(err)
		}
		day.Items = nonNilSlice(day.Items)
		return &struct {
			Body ScheduleResponse `json:"body"`
		}{Body: ScheduleResponse{Schedule: day}}, nil
	})
}

func registerSuggestions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-trip",
		Method:      http.MethodPost,
		Path:        "/trips/{tripId}/evaluate",
		Summary:     "Run the rules against the stored itinerary",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		TripID string `path:"tripId"`
	}) (*struct {
		Body SuggestionsResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Evaluate(ctx, input.TripID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SuggestionsResponse `json:"body"`
		}{Body: SuggestionsResponse{Suggestions: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-suggestions",
		Method:      http.MethodGet,
		Path:        "/trips/{tripId}/suggestions",
		Summary:     "List active and applied suggestions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TripID string `path:"tripId"`
	}) (*struct {
		Body engine.SuggestionList `json:"body"`
	}, error) {
		list, err := e.ListSuggestions(ctx, input.TripID)
		if err != nil {
			return nil, handleError(err)
		}
		list.Suggestions = nonNilSlice(list.Suggestions)
		list.Applied = nonNilSlice(list.Applied)
		return &struct {
			Body engine.SuggestionList `json:"body"`
		}{Body: list}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "apply-suggestion",
		Method:        http.MethodPost,
		Path:          "/suggestions/{id}/apply",
		Summary:       "Preview or apply one action of a suggestion",
		Description:   "Returns 202 with a pending approval when the change needs confirmation.",
		DefaultStatus: http.StatusOK,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body ApplySuggestionRequest `json:"body"`
	}) (*struct {
		Status int
		Body   domain.ApplyResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var (
			res domain.ApplyResult
			err error
		)
		if input.Body.Preview {
			res, err = e.Preview(ctx, input.ID, input.Body.ActionID)
		} else {
			res, err = e.Apply(ctx, engine.ApplyOptions{
				SuggestionID: input.ID,
				ActionID:     input.Body.ActionID,
				SessionID:    input.Body.SessionID,
				ActorID:      actorID,
			})
		}
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusOK
		if res.Approval != nil {
			status = http.StatusAccepted
		}
		return &struct {
			Status int
			Body   domain.ApplyResult `json:"body"`
		}{Status: status, Body: res}, nil
	})
}

func registerOptimize(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "auto-optimize",
		Method:      http.MethodPost,
		Path:        "/optimize/auto",
		Summary:     "Apply the primary action of the riskiest blockers",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body AutoOptimizeRequest `json:"body"`
	}) (*struct {
		Status int
		Body   domain.BatchApplyResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AutoOptimize(ctx, engine.AutoOptimizeOptions{
			TripID:  input.Body.TripID,
			Preview: input.Body.Preview,
			Limit:   input.Body.Limit,
			Async:   input.Body.Async,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res.Suggestions = nonNilSlice(res.Suggestions)
		status := http.StatusOK
		if res.TaskID != "" {
			status = http.StatusAccepted
		}
		return &struct {
			Status int
			Body   domain.BatchApplyResult `json:"body"`
		}{Status: status, Body: res}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-approval",
		Method:        http.MethodPost,
		Path:          "/approvals",
		Summary:       "Open an approval request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateApprovalRequest `json:"body"`
	}) (*struct {
		Body domain.Approval `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RequestApproval(ctx, engine.ApprovalRequestOptions{
			Kind:      input.Body.Kind,
			Payload:   input.Body.Payload,
			RiskLevel: input.Body.RiskLevel,
			SessionID: input.Body.SessionID,
			TTL:       time.Duration(input.Body.TTLSeconds) * time.Second,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Approval `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approvals, riskiest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		SessionID string `query:"sessionId"`
		Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body ApprovalListResponse `json:"body"`
	}, error) {
		items, err := e.ListApprovals(ctx, repo.ApprovalFilters{
			Status:    input.Status,
			SessionID: input.SessionID,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalListResponse `json:"body"`
		}{Body: ApprovalListResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{id}",
		Summary:     "Get an approval",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Approval `json:"body"`
	}, error) {
		a, err := e.GetApproval(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Approval `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/decision",
		Summary:     "Approve or reject a pending approval",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGone,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*struct {
		Body engine.DecisionResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.DecideApproval(ctx, engine.DecideOptions{
			ID:           input.ID,
			Approved:     input.Body.Approved,
			DecisionNote: input.Body.DecisionNote,
			ResumeAgent:  input.Body.ResumeAgent,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DecisionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/cancel",
		Summary:     "Withdraw a pending approval",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body *CancelApprovalRequest
	}) (*struct {
		Body domain.Approval `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var reason string
		if input.Body != nil {
			reason = input.Body.Reason
		}
		a, err := e.CancelApproval(ctx, input.ID, reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Approval `json:"body"`
		}{Body: a}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	type scheduleOut = struct {
		Body ScheduleResponse `json:"body"`
	}
	step := func(op string, fn func(ctx context.Context, tripID, date, actorID string) (domain.DaySchedule, error)) {
		huma.Register(api, huma.Operation{
			OperationID: op + "-schedule",
			Method:      http.MethodPost,
			Path:        "/trips/{tripId}/" + op,
			Summary:     strings.ToUpper(op[:1]) + op[1:] + " the last change of a day",
			Errors:      []int{http.StatusBadRequest, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			TripID string       `path:"tripId"`
			Body   ScopeRequest `json:"body"`
		}) (*scheduleOut, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			day, err := fn(ctx, input.TripID, input.Body.Date, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			day.Items = nonNilSlice(day.Items)
			return &scheduleOut{Body: ScheduleResponse{Schedule: day}}, nil
		})
	}
	step("undo", e.Undo)
	step("redo", e.Redo)

	huma.Register(api, huma.Operation{
		OperationID: "get-history",
		Method:      http.MethodGet,
		Path:        "/trips/{tripId}/history",
		Summary:     "Change history of a day",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TripID string `path:"tripId"`
		Date   string `query:"date" required:"true"`
	}) (*struct {
		Body domain.History `json:"body"`
	}, error) {
		h, err := e.History(ctx, input.TripID, input.Date)
		if err != nil {
			return nil, handleError(err)
		}
		h.Entries = nonNilSlice(h.Entries)
		return &struct {
			Body domain.History `json:"body"`
		}{Body: h}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List async tasks",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		items, err := e.ListTasks(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Poll an async task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.AsyncTask `json:"body"`
	}, error) {
		t, err := e.PollTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AsyncTask `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/cancel",
		Summary:     "Request cancellation of an async task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.AsyncTask `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.CancelTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AsyncTask `json:"body"`
		}{Body: t}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	type sessionOut = struct {
		Body domain.Session `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Open a planning session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateSessionRequest `json:"body"`
	}) (*sessionOut, error) {
		s, err := e.CreateSession(ctx, input.Body.TripID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOut{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{token}",
		Summary:     "Session state, including unconfirmed content",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Token string `path:"token"`
	}) (*sessionOut, error) {
		s, err := e.GetSession(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOut{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-session",
		Method:      http.MethodPatch,
		Path:        "/sessions/{token}",
		Summary:     "Mark or clear unsaved draft edits",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Token string               `path:"token"`
		Body  UpdateSessionRequest `json:"body"`
	}) (*sessionOut, error) {
		s, err := e.MarkSession(ctx, input.Token, input.Body.Draft)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOut{Body: s}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/trips/{tripId}/events",
		Summary:     "List recent events of a trip",
	}, func(ctx context.Context, input *struct {
		TripID string `path:"tripId"`
		Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.TripID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: nonNilSlice(items)}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actorId is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
