package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"fetchline/internal/domain"
	"fetchline/internal/graph"
	"fetchline/internal/planner"
	"fetchline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Store    store.Store
	Planner  *planner.Planner
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string `json:"code" example:"not_found"`
	Message string `json:"message" example:"graph funnel-1 not found"`
}

// apiError is the error envelope every endpoint shares.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message}}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	default:
		return "internal_error"
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	}
	return newAPIError(http.StatusInternalServerError, "", err.Error())
}

// New returns an HTTP handler exposing the Fetchline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Fetchline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAnalyse(group, cfg)
	registerTargets(group, cfg)
	registerSnapshots(group, cfg)
	registerRegistry(group, cfg)
	registerEvents(group, cfg)

	return router, nil
}

func registerHealth(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

type analyseInput struct {
	Body struct {
		GraphID string `json:"graph_id,omitempty"`
		DSL     string `json:"dsl"`
		Reason  string `json:"reason,omitempty"`
	}
}

type analyseOutput struct {
	Body domain.PlannerResult
}

func registerAnalyse(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "analyse",
		Method:      http.MethodPost,
		Path:        "/analyse",
		Summary:     "Classify cached coverage of a query window",
	}, func(ctx context.Context, in *analyseInput) (*analyseOutput, error) {
		g, err := resolveGraph(ctx, cfg.Store, in.Body.GraphID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := cfg.Planner.Analyse(ctx, g, in.Body.DSL, in.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &analyseOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "invalidate-cache",
		Method:      http.MethodPost,
		Path:        "/cache/invalidate",
		Summary:     "Clear all memoized planner results",
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		cfg.Planner.InvalidateCache()
		return &struct{}{}, nil
	})
}

func registerTargets(api huma.API, cfg Config) {
	type targetsOutput struct {
		Body struct {
			Targets []domain.FetchTarget `json:"targets"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-targets",
		Method:      http.MethodGet,
		Path:        "/graphs/{graphID}/targets",
		Summary:     "Enumerate addressable data slots of a graph",
	}, func(ctx context.Context, in *struct {
		GraphID string `path:"graphID"`
	}) (*targetsOutput, error) {
		g, err := cfg.Store.GetGraph(ctx, in.GraphID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &targetsOutput{}
		out.Body.Targets = graph.Enumerate(g)
		return out, nil
	})
}

func registerSnapshots(api huma.API, cfg Config) {
	type snapshotsOutput struct {
		Body struct {
			Found     bool              `json:"found"`
			Snapshots []domain.Snapshot `json:"snapshots"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-snapshots",
		Method:      http.MethodGet,
		Path:        "/snapshots/{targetKey}",
		Summary:     "List cached slices for a target",
	}, func(ctx context.Context, in *struct {
		TargetKey string `path:"targetKey"`
	}) (*snapshotsOutput, error) {
		snaps, found, err := cfg.Store.GetSnapshots(ctx, in.TargetKey)
		if err != nil {
			return nil, handleError(err)
		}
		out := &snapshotsOutput{}
		out.Body.Found = found
		out.Body.Snapshots = snaps
		return out, nil
	})

	type importInput struct {
		Body struct {
			Snapshots []domain.Snapshot `json:"snapshots"`
		}
	}
	type importOutput struct {
		Body struct {
			Imported []domain.Snapshot `json:"imported"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "import-snapshots",
		Method:      http.MethodPost,
		Path:        "/snapshots",
		Summary:     "Persist fetched slices into the file registry",
	}, func(ctx context.Context, in *importInput) (*importOutput, error) {
		imported, err := cfg.Store.ImportSnapshots(ctx, in.Body.Snapshots, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		// The store changed under memoized results.
		cfg.Planner.InvalidateCache()
		out := &importOutput{}
		out.Body.Imported = imported
		return out, nil
	})
}

func registerRegistry(api huma.API, cfg Config) {
	type registryOutput struct {
		Body struct {
			Registry map[string][]string `json:"registry"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-registry",
		Method:      http.MethodGet,
		Path:        "/registry",
		Summary:     "Expected context value sets",
	}, func(ctx context.Context, _ *struct{}) (*registryOutput, error) {
		view, err := cfg.Store.LoadRegistry(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &registryOutput{}
		out.Body.Registry = view
		return out, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	type eventsOutput struct {
		Body struct {
			Events []store.Event `json:"events"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "tail-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the event diary",
	}, func(ctx context.Context, in *struct {
		Limit int `query:"limit" default:"20"`
	}) (*eventsOutput, error) {
		evts, err := cfg.Store.TailEvents(ctx, in.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &eventsOutput{}
		out.Body.Events = evts
		return out, nil
	})
}

func resolveGraph(ctx context.Context, s store.Store, graphID string) (graph.Graph, error) {
	if graphID != "" {
		return s.GetGraph(ctx, graphID)
	}
	g, err := s.SingleGraph(ctx)
	if err != nil {
		return graph.Graph{}, fmt.Errorf("graph not specified: %w", err)
	}
	return g, nil
}
