package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"storyline/internal/domain"
	"storyline/internal/planner"
	"storyline/internal/registry"
	"storyline/internal/repo"
	"storyline/internal/signal"
	"storyline/internal/status"
)

// StatusSource loads the current status document.
type StatusSource interface {
	Load() (*status.Snapshot, error)
}

// Config for the HTTP API handler. Every source is read; the API never
// mutates project state.
type Config struct {
	Status   StatusSource
	Planner  planner.Planner
	Registry *registry.Registry
	Signals  *signal.Protocol
	Events   repo.Repo
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"status_not_found"`
	Message string         `json:"message" example:"no status document found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the read-only storyline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Status == nil {
		return nil, errors.New("server: status source is required")
	}
	if cfg.Registry == nil || cfg.Signals == nil {
		return nil, errors.New("server: registry and signal protocol are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")
	cfg.Auth.Logger = logger

	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
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
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Storyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg)
	registerNext(group, cfg)
	registerDispatches(group, cfg)
	registerLocks(group, cfg)
	registerEvents(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		})
	}
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
	var pe *status.ParseError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusUnprocessableEntity, "status_parse_error", err.Error(), map[string]any{"path": pe.Path, "line": pe.Line})
	}
	if errors.Is(err, status.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "status_not_found", err.Error(), nil)
	}
	if errors.Is(err, status.ErrUnknownUnit) || errors.Is(err, registry.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
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
		if item.Get == nil {
			continue
		}
		if item.Get.Responses == nil {
			item.Get.Responses = map[string]*huma.Response{}
		}
		item.Get.Responses["default"] = &huma.Response{
			Description: "Error",
			Content: map[string]*huma.MediaType{
				"application/json": {
					Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
				},
			},
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		if item.Get == nil {
			continue
		}
		if route == healthPath {
			item.Get.Security = []map[string][]string{}
			continue
		}
		item.Get.Security = security
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Storyline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
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

func registerStatus(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Project status",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Kind   string `query:"kind"`
		Status string `query:"status"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		snap, err := cfg.Status.Load()
		if err != nil {
			return nil, handleError(err)
		}
		if input.Status != "" {
			if _, err := domain.ParseStatus(input.Status); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"status": input.Status})
			}
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(snap, domain.UnitKind(input.Kind), domain.Status(input.Status))}, nil
	})
}

func registerNext(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "next",
		Method:      http.MethodGet,
		Path:        "/next",
		Summary:     "Next recommended action",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		UnitID        string `query:"unit_id"`
		IncludeClaims bool   `query:"include_claimed"`
	}) (*struct {
		Body NextResponse `json:"body"`
	}, error) {
		snap, err := cfg.Status.Load()
		if err != nil {
			return nil, handleError(err)
		}
		var act *domain.Action
		switch {
		case input.UnitID != "":
			if _, ok := snap.Status(input.UnitID); !ok {
				return nil, handleError(fmt.Errorf("%w: %s", status.ErrUnknownUnit, input.UnitID))
			}
			act = cfg.Planner.NextFor(snap, input.UnitID)
		case input.IncludeClaims:
			act = cfg.Planner.Next(snap)
		default:
			claimed, err := cfg.Registry.Claimed()
			if err != nil {
				return nil, handleError(err)
			}
			skip := make(map[string]bool, len(claimed))
			for id := range claimed {
				skip[id] = true
			}
			act = cfg.Planner.NextExcluding(snap, skip)
		}
		return &struct {
			Body NextResponse `json:"body"`
		}{Body: NextResponse{Actionable: act != nil, Action: act}}, nil
	})
}

func registerDispatches(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-dispatches",
		Method:      http.MethodGet,
		Path:        "/dispatches",
		Summary:     "List dispatch records",
	}, func(ctx context.Context, input *struct {
		State string `query:"state"`
	}) (*struct {
		Body []DispatchResponse `json:"body"`
	}, error) {
		recs, err := cfg.Registry.List()
		if err != nil {
			return nil, handleError(err)
		}
		out := []DispatchResponse{}
		for _, rec := range recs {
			if input.State != "" && string(rec.State) != input.State {
				continue
			}
			out = append(out, dispatchResponse(rec, cfg.Registry.Stale(rec)))
		}
		return &struct {
			Body []DispatchResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stale-dispatches",
		Method:      http.MethodGet,
		Path:        "/dispatches/stale",
		Summary:     "List dispatch records whose heartbeat expired",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []DispatchResponse `json:"body"`
	}, error) {
		recs, err := cfg.Registry.Audit()
		if err != nil {
			return nil, handleError(err)
		}
		out := []DispatchResponse{}
		for _, rec := range recs {
			out = append(out, dispatchResponse(rec, true))
		}
		return &struct {
			Body []DispatchResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dispatch",
		Method:      http.MethodGet,
		Path:        "/dispatches/{unit_id}",
		Summary:     "Dispatch record for a unit",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UnitID string `path:"unit_id"`
	}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		rec, err := cfg.Registry.Get(input.UnitID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DispatchResponse `json:"body"`
		}{Body: dispatchResponse(rec, cfg.Registry.Stale(rec))}, nil
	})
}

func registerLocks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-locks",
		Method:      http.MethodGet,
		Path:        "/locks",
		Summary:     "List in-flight phase locks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []LockResponse `json:"body"`
	}, error) {
		locks, err := cfg.Signals.ListLocks()
		if err != nil {
			return nil, handleError(err)
		}
		out := []LockResponse{}
		for _, l := range locks {
			sig, ok, err := cfg.Signals.ReadSignal(l.UnitID)
			if err != nil {
				return nil, handleError(err)
			}
			resp := lockResponse(l, signal.ProcessAlive(l.OwnerPID))
			if ok {
				resp.Signal = &sig
			}
			out = append(out, resp)
		}
		return &struct {
			Body []LockResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent journal events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		UnitID string `query:"unit_id"`
		Phase  string `query:"phase"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := cfg.Events.LatestEvents(ctx, limit+1, cursorID, repo.EventFilter{
			Type:   input.Type,
			UnitID: input.UnitID,
			Phase:  input.Phase,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
