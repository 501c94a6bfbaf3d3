package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/recordflow/internal/config"
	"github.com/pitabwire/recordflow/internal/definition"
	"github.com/pitabwire/recordflow/internal/forms"
	"github.com/pitabwire/recordflow/internal/observability"
	"github.com/pitabwire/recordflow/internal/uploads"
	"github.com/pitabwire/recordflow/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Definitions  *definition.Service
	Engine       *workflow.Engine
	Forms        *forms.Service
	Uploads      *uploads.Service
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil && deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(RequestLogging(logger))
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", handleListDefinitions(deps.Definitions))
			r.Post("/", handleCreateDefinition(deps.Definitions))

			r.Get("/instances/tasks", handleListMyTasks(deps.Engine))
			r.Get("/instances/{instanceId}", handleGetInstance(deps.Engine))
			r.Get("/instances/{instanceId}/history", handleInstanceHistory(deps.Engine))
			r.Put("/instances/{instanceId}/transition", handleTransitionInstance(deps.Engine))
			r.Delete("/instances/{instanceId}", handleDeleteInstance(deps.Engine))

			r.Get("/{workflowId}", handleGetDefinition(deps.Definitions))
			r.Put("/{workflowId}", handleUpdateDefinition(deps.Definitions))
			r.Delete("/{workflowId}", handleDeleteDefinition(deps.Definitions))
			r.Post("/{workflowId}/instances", handleStartInstance(deps.Engine))
			r.Get("/{workflowId}/instances", handleListInstances(deps.Engine))
		})

		r.Route("/forms", func(r chi.Router) {
			r.Get("/", handleListForms(deps.Forms))
			r.Post("/", handleCreateForm(deps.Forms))

			r.Put("/entries/{entryId}", handleUpdateEntry(deps.Forms))
			r.Delete("/entries/{entryId}", handleDeleteEntry(deps.Forms))

			r.Get("/{formId}", handleGetForm(deps.Forms))
			r.Put("/{formId}", handleUpdateForm(deps.Forms))
			r.Delete("/{formId}", handleDeleteForm(deps.Forms))
			r.Post("/{formId}/entries", handleSubmitEntry(deps.Forms))
			r.Get("/{formId}/entries", handleListEntries(deps.Forms))
			r.Get("/{formId}/entries/mine", handleMyEntries(deps.Forms))
		})

		r.Post("/uploads", handleUpload(deps.Uploads, deps.Config.Server.MaxUploadBytes))
		r.Delete("/uploads/{mediaId}", handleDeleteUpload(deps.Uploads))
	})

	return r
}
