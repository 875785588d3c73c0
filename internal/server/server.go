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
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dealflow/internal/domain"
	"dealflow/internal/engine"
	"dealflow/internal/metrics"
	"dealflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"has_dependents"`
	Message string         `json:"message" example:"stage lead has 2 dependent deal(s)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"dependents\":2}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *output[T] { return &output[T]{Body: v} }

const maxListLimit = 200

// New returns an HTTP handler exposing the dealflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema validation failures are plain bad requests
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, data)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", metrics.Handler())

	hcfg := huma.DefaultConfig("Dealflow API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPipelines(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerDeals(group, cfg.Engine)
	registerActivities(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start))
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var de engine.DependencyError
	if errors.As(err, &de) {
		return newAPIError(http.StatusConflict, "has_dependents", err.Error(), map[string]any{
			"entity":     de.Entity,
			"id":         de.ID,
			"dependents": de.Dependents,
		})
	}
	var ie engine.InvariantError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusUnprocessableEntity, "invariant_violation", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
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
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invariant_violation"
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
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Dealflow API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;. The token carries the tenant_id claim.
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
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerPipelines(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-pipeline",
		Method:        http.MethodPost,
		Path:          "/pipelines",
		Summary:       "Create pipeline",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreatePipelineRequest `json:"body"`
	}) (*output[domain.Pipeline], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stages := make([]domain.Stage, 0, len(input.Body.Stages))
		for _, s := range input.Body.Stages {
			stages = append(stages, s.stage())
		}
		pl, err := e.CreatePipeline(ctx, engine.CreatePipelineOptions{
			TenantID:    p.TenantID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Stages:      stages,
			Currency:    input.Body.Currency,
			IsDefault:   input.Body.IsDefault,
			ActorID:     p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(pl), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pipelines",
		Method:      http.MethodGet,
		Path:        "/pipelines",
		Summary:     "List pipelines, default first",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[PipelineList], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListPipelines(ctx, p.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(PipelineList{Items: items, Total: len(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-default-pipeline",
		Method:      http.MethodGet,
		Path:        "/pipelines/default",
		Summary:     "Get the tenant's default pipeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*output[domain.Pipeline], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pl, err := e.GetDefaultPipeline(ctx, p.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(pl), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}",
		Summary:     "Get pipeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*output[domain.Pipeline], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pl, err := ownPipeline(ctx, e, p, input.PipelineID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(pl), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-pipeline",
		Method:      http.MethodPatch,
		Path:        "/pipelines/{pipeline_id}",
		Summary:     "Update pipeline",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string                `path:"pipeline_id"`
		Body       UpdatePipelineRequest `json:"body"`
	}) (*output[domain.Pipeline], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ownPipeline(ctx, e, p, input.PipelineID); err != nil {
			return nil, handleError(err)
		}
		pl, err := e.UpdatePipeline(ctx, input.PipelineID, engine.PipelineUpdate{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Currency:    input.Body.Currency,
			IsDefault:   input.Body.IsDefault,
			ActorID:     p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(pl), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-pipeline",
		Method:      http.MethodDelete,
		Path:        "/pipelines/{pipeline_id}",
		Summary:     "Delete a pipeline without deals",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*struct{}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ownPipeline(ctx, e, p, input.PipelineID); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeletePipeline(ctx, input.PipelineID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recalculate-pipeline-stats",
		Method:      http.MethodPost,
		Path:        "/pipelines/{pipeline_id}/stats/recalculate",
		Summary:     "Rebuild pipeline stats from its deals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*output[domain.PipelineStats], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ownPipeline(ctx, e, p, input.PipelineID); err != nil {
			return nil, handleError(err)
		}
		stats, err := e.RecalculatePipelineStats(ctx, input.PipelineID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(stats), nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-stage",
		Method:        http.MethodPost,
		Path:          "/pipelines/{pipeline_id}/stages",
		Summary:       "Append a stage",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string       `path:"pipeline_id"`
		Body       StageRequest `json:"body"`
	}) (*output[domain.Pipeline], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ownPipeline(ctx, e, p, input.PipelineID); err != nil {
			return nil, handleError(err)
		}
		pl, err := e.AddStage(ctx, input.PipelineID, input.Body.stage(), p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(pl), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reorder-stages",
		Method:      http.MethodPut,
		Path:        "/pipelines/{pipeline_id}/stages/order",
		Summary:     "Reorder stages",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string               `path:"pipeline_id"`
		Body       ReorderStagesRequest `json:"body"`
	}) (*output[domain.Pipeline], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ownPipeline(ctx, e, p, input.PipelineID); err != nil {
			return nil, handleError(err)
		}
		pl, err := e.ReorderStages(ctx, input.PipelineID, input.Body.StageIDs, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(pl), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-stage",
		Method:      http.MethodPatch,
		Path:        "/pipelines/{pipeline_id}/stages/{stage_id}",
		Summary:     "Update stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string             `path:"pipeline_id"`
		StageID    string             `path:"stage_id"`
		Body       UpdateStageRequest `json:"body"`
	}) (*output[domain.Pipeline], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ownPipeline(ctx, e, p, input.PipelineID); err != nil {
			return nil, handleError(err)
		}
		pl, err := e.UpdateStage(ctx, input.PipelineID, input.StageID, engine.StageUpdate{
			Name:        input.Body.Name,
			Probability: input.Body.Probability,
			Color:       input.Body.Color,
			RottenDays:  input.Body.RottenDays,
			IsWon:       input.Body.IsWon,
			IsLost:      input.Body.IsLost,
		}, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(pl), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-stage",
		Method:      http.MethodDelete,
		Path:        "/pipelines/{pipeline_id}/stages/{stage_id}",
		Summary:     "Delete an empty stage",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
		StageID    string `path:"stage_id"`
	}) (*output[domain.Pipeline], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ownPipeline(ctx, e, p, input.PipelineID); err != nil {
			return nil, handleError(err)
		}
		pl, err := e.DeleteStage(ctx, input.PipelineID, input.StageID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(pl), nil
	})
}

type listDealsInput struct {
	PipelineID        string `query:"pipeline_id"`
	StageID           string `query:"stage_id"`
	Status            string `query:"status" enum:"open,won,lost,archived"`
	OwnerID           string `query:"owner_id"`
	ContactID         string `query:"contact_id"`
	CompanyID         string `query:"company_id"`
	MinAmount         string `query:"min_amount"`
	MaxAmount         string `query:"max_amount"`
	Priority          string `query:"priority" enum:"low,medium,high,urgent"`
	Tags              string `query:"tags" doc:"Comma-separated; matches deals carrying any of them"`
	CreatedFrom       string `query:"created_from" format:"date-time"`
	CreatedTo         string `query:"created_to" format:"date-time"`
	ExpectedCloseFrom string `query:"expected_close_from" format:"date-time"`
	ExpectedCloseTo   string `query:"expected_close_to" format:"date-time"`
	Search            string `query:"search"`
	SortBy            string `query:"sort_by" enum:"createdAt,updatedAt,amount,name,probability,expectedCloseDate,stageMovedAt"`
	SortOrder         string `query:"sort_order" enum:"asc,desc"`
	Offset            int    `query:"offset" minimum:"0"`
	Limit             int    `query:"limit" minimum:"0"`
}

func (in listDealsInput) query(tenantID string) (engine.DealQuery, error) {
	q := engine.DealQuery{
		DealFilters: repo.DealFilters{
			TenantID:   tenantID,
			PipelineID: in.PipelineID,
			StageID:    in.StageID,
			Status:     domain.DealStatus(in.Status),
			OwnerID:    in.OwnerID,
			ContactID:  in.ContactID,
			CompanyID:  in.CompanyID,
			Priority:   domain.Priority(in.Priority),
			Search:     in.Search,
		},
		SortBy:    engine.SortField(in.SortBy),
		Ascending: in.SortOrder == "asc",
		Offset:    in.Offset,
		Limit:     min(in.Limit, maxListLimit),
	}
	for _, tag := range strings.Split(in.Tags, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			q.Tags = append(q.Tags, tag)
		}
	}
	var err error
	if q.MinAmount, err = parseAmount("min_amount", in.MinAmount); err != nil {
		return q, err
	}
	if q.MaxAmount, err = parseAmount("max_amount", in.MaxAmount); err != nil {
		return q, err
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  **time.Time
	}{
		{"created_from", in.CreatedFrom, &q.CreatedFrom},
		{"created_to", in.CreatedTo, &q.CreatedTo},
		{"expected_close_from", in.ExpectedCloseFrom, &q.ExpectedCloseFrom},
		{"expected_close_to", in.ExpectedCloseTo, &q.ExpectedCloseTo},
	} {
		if f.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, f.raw)
		if err != nil {
			return q, engine.ValidationError{Field: f.name, Message: "must be an RFC 3339 timestamp"}
		}
		*f.dst = &t
	}
	return q, nil
}

func parseAmount(field, raw string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, engine.ValidationError{Field: field, Message: "must be a number"}
	}
	return &v, nil
}

func registerDeals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-deal",
		Method:        http.MethodPost,
		Path:          "/deals",
		Summary:       "Create deal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateDealRequest `json:"body"`
	}) (*output[domain.Deal], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		d, err := e.CreateDeal(ctx, engine.CreateDealOptions{
			TenantID:          p.TenantID,
			PipelineID:        b.PipelineID,
			StageID:           b.StageID,
			Name:              b.Name,
			Description:       b.Description,
			Amount:            b.Amount,
			Currency:          b.Currency,
			Probability:       b.Probability,
			ExpectedCloseDate: b.ExpectedCloseDate,
			ContactID:         b.ContactID,
			CompanyID:         b.CompanyID,
			OwnerID:           b.OwnerID,
			Collaborators:     b.Collaborators,
			Tags:              b.Tags,
			CustomFields:      b.CustomFields,
			Priority:          b.Priority,
			Source:            b.Source,
			Campaign:          b.Campaign,
			Score:             b.Score,
			ActorID:           p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deals",
		Method:      http.MethodGet,
		Path:        "/deals",
		Summary:     "List deals",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *listDealsInput) (*output[DealList], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := input.query(p.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		page, err := e.ListDeals(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(DealList{Items: page.Items, Total: page.Total}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rotting-deals",
		Method:      http.MethodGet,
		Path:        "/deals/rotting",
		Summary:     "Open deals idle past their stage threshold",
	}, func(ctx context.Context, input *struct {
		PipelineID string `query:"pipeline_id"`
	}) (*output[DealList], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListRottingDeals(ctx, p.TenantID, input.PipelineID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(DealList{Items: items, Total: len(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deal",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}",
		Summary:     "Get deal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*output[domain.Deal], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := ownDeal(ctx, e, p, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-deal",
		Method:      http.MethodPatch,
		Path:        "/deals/{deal_id}",
		Summary:     "Update deal",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string            `path:"deal_id"`
		Body   UpdateDealRequest `json:"body"`
	}) (*output[domain.Deal], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ownDeal(ctx, e, p, input.DealID); err != nil {
			return nil, handleError(err)
		}
		d, err := e.UpdateDeal(ctx, input.DealID, input.Body.update(p.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-deal",
		Method:      http.MethodDelete,
		Path:        "/deals/{deal_id}",
		Summary:     "Delete deal with its activities and tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*struct{}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ownDeal(ctx, e, p, input.DealID); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteDeal(ctx, input.DealID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-deal",
		Method:      http.MethodPost,
		Path:        "/deals/{deal_id}/move",
		Summary:     "Move deal to another stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string          `path:"deal_id"`
		Body   MoveDealRequest `json:"body"`
	}) (*output[domain.Deal], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ownDeal(ctx, e, p, input.DealID); err != nil {
			return nil, handleError(err)
		}
		d, err := e.MoveDealToStage(ctx, input.DealID, input.Body.StageID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-deal",
		Method:      http.MethodPost,
		Path:        "/deals/{deal_id}/close",
		Summary:     "Mark deal won or lost",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string           `path:"deal_id"`
		Body   CloseDealRequest `json:"body"`
	}) (*output[domain.Deal], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ownDeal(ctx, e, p, input.DealID); err != nil {
			return nil, handleError(err)
		}
		d, err := e.CloseDeal(ctx, input.DealID, domain.DealStatus(input.Body.Outcome), p.ActorID, input.Body.LostReason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-deal",
		Method:      http.MethodPost,
		Path:        "/deals/{deal_id}/reopen",
		Summary:     "Reopen a closed deal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*output[domain.Deal], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ownDeal(ctx, e, p, input.DealID); err != nil {
			return nil, handleError(err)
		}
		d, err := e.ReopenDeal(ctx, input.DealID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})
}

func registerActivities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-activity",
		Method:        http.MethodPost,
		Path:          "/deals/{deal_id}/activities",
		Summary:       "Record activity",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string                `path:"deal_id"`
		Body   RecordActivityRequest `json:"body"`
	}) (*output[domain.DealActivity], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ownDeal(ctx, e, p, input.DealID); err != nil {
			return nil, handleError(err)
		}
		a, err := e.RecordActivity(ctx, input.DealID, input.Body.Type, input.Body.Description, input.Body.Metadata, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/activities",
		Summary:     "List activities, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*output[ActivityList], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ownDeal(ctx, e, p, input.DealID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListActivities(ctx, input.DealID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ActivityList{Items: items, Total: len(items)}), nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/deals/{deal_id}/tasks",
		Summary:       "Schedule task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string            `path:"deal_id"`
		Body   CreateTaskRequest `json:"body"`
	}) (*output[domain.DealTask], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ownDeal(ctx, e, p, input.DealID); err != nil {
			return nil, handleError(err)
		}
		t, err := e.CreateTask(ctx, engine.CreateTaskOptions{
			DealID:      input.DealID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Type:        input.Body.Type,
			DueDate:     input.Body.DueDate,
			Priority:    input.Body.Priority,
			AssigneeID:  input.Body.AssigneeID,
			ActorID:     p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/deals/{deal_id}/tasks",
		Summary:     "List tasks by due date",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DealID string `path:"deal_id"`
	}) (*output[TaskList], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := ownDeal(ctx, e, p, input.DealID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListTasks(ctx, input.DealID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(TaskList{Items: items, Total: len(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*output[domain.DealTask], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := ownTask(ctx, e, p, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		t, err := e.CompleteTask(ctx, input.TaskID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}",
		Summary:     "Delete task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := ownTask(ctx, e, p, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteTask(ctx, input.TaskID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-forecast",
		Method:      http.MethodGet,
		Path:        "/forecast",
		Summary:     "Revenue forecast over open deals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string `query:"pipeline_id"`
	}) (*output[domain.Forecast], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := e.GetForecast(ctx, p.TenantID, input.PipelineID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(f), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Tenant-wide deal statistics",
	}, func(ctx context.Context, _ *struct{}) (*output[domain.TenantStats], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.GetStats(ctx, p.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"pipeline,deal"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, repo.EventFilters{
			TenantID:   p.TenantID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
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
		return reply(resp), nil
	})
}

// ownPipeline loads a pipeline and hides it from other tenants.
func ownPipeline(ctx context.Context, e engine.Engine, p Principal, id string) (domain.Pipeline, error) {
	pl, err := e.GetPipeline(ctx, id)
	if err != nil {
		return pl, err
	}
	if pl.TenantID != p.TenantID {
		return domain.Pipeline{}, fmt.Errorf("pipeline %s: %w", id, repo.ErrNotFound)
	}
	return pl, nil
}

func ownDeal(ctx context.Context, e engine.Engine, p Principal, id string) (domain.Deal, error) {
	d, err := e.GetDeal(ctx, id)
	if err != nil {
		return d, err
	}
	if d.TenantID != p.TenantID {
		return domain.Deal{}, fmt.Errorf("deal %s: %w", id, repo.ErrNotFound)
	}
	return d, nil
}

func ownTask(ctx context.Context, e engine.Engine, p Principal, id string) error {
	t, err := e.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ownDeal(ctx, e, p, t.DealID); err != nil {
		return fmt.Errorf("task %s: %w", id, repo.ErrNotFound)
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > maxListLimit {
		return maxListLimit
	}
	return in
}
