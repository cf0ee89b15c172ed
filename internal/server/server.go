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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"milestonepay/internal/domain"
	"milestonepay/internal/engine"
	"milestonepay/internal/engine/auth"
	"milestonepay/internal/multisig"
	"milestonepay/internal/repo"
	"milestonepay/internal/siws"
)

// Multisig is the coordinator surface the API drives.
type Multisig interface {
	Initiate(ctx context.Context, set domain.CallSet, initiator string) (domain.MultisigTransaction, error)
	Approve(ctx context.Context, callHash, approver string) (domain.MultisigTransaction, error)
	Cancel(ctx context.Context, callHash, initiator string) (domain.MultisigTransaction, error)
	Status(ctx context.Context, callHash string) (multisig.StatusView, error)
	List(ctx context.Context, status string, limit int) ([]domain.MultisigTransaction, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Multisig   Multisig
	Verifier   *siws.Verifier
	Authorizer *auth.Authorizer
	BasePath   string
	JWTSecret  string
	Title      string
	Logger     *slog.Logger
	Registry   *prometheus.Registry
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"ordering_violation"`
	Message string         `json:"message" example:"M1 must be paid before M2"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"project\":\"polkadot-pay\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type service struct {
	engine     engine.Engine
	multisig   Multisig
	verifier   *siws.Verifier
	authorizer *auth.Authorizer
	metrics    *authMetrics
	logger     *slog.Logger
}

// New returns an HTTP handler exposing the payments API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Verifier == nil || cfg.Authorizer == nil {
		return nil, errors.New("server: verifier and authorizer are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	title := cfg.Title
	if title == "" {
		title = "Milestone Pay API"
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

	s := &service{
		engine:     cfg.Engine,
		multisig:   cfg.Multisig,
		verifier:   cfg.Verifier,
		authorizer: cfg.Authorizer,
		metrics:    newAuthMetrics(registry),
		logger:     logger,
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.JWTSecret, s.metrics))
	hcfg := huma.DefaultConfig(title, "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath, title)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	registerHealth(group)
	registerProjects(group, s)
	registerLedger(group, s)
	registerMultisig(group, s)
	registerEvents(group, s)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type authMetrics struct {
	decisions *prometheus.CounterVec
}

func newAuthMetrics(reg prometheus.Registerer) *authMetrics {
	return &authMetrics{
		decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "milestonepay_auth_decisions_total",
			Help: "authorization outcomes of signed statements",
		}, []string{"outcome"}),
	}
}

func (m *authMetrics) decision(outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome).Inc()
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

var multisigStatus = map[multisig.Kind]int{
	multisig.KindInvalidCallSet:          http.StatusBadRequest,
	multisig.KindNotSignatory:            http.StatusForbidden,
	multisig.KindNotInitiator:            http.StatusForbidden,
	multisig.KindNotFound:                http.StatusNotFound,
	multisig.KindSameSigner:              http.StatusConflict,
	multisig.KindAlreadyPending:          http.StatusConflict,
	multisig.KindTimepointMismatch:       http.StatusConflict,
	multisig.KindThresholdAlreadyReached: http.StatusConflict,
	multisig.KindNoPendingTransaction:    http.StatusConflict,
	multisig.KindNoSignerAccount:         http.StatusUnprocessableEntity,
	multisig.KindSubmissionRejected:      http.StatusUnprocessableEntity,
	multisig.KindWalletUnavailable:       http.StatusServiceUnavailable,
	multisig.KindChainUnavailable:        http.StatusServiceUnavailable,
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se *siws.Error
	if errors.As(err, &se) {
		status := http.StatusForbidden
		if se.Kind == siws.KindMalformedEnvelope {
			status = http.StatusBadRequest
		}
		return newAPIError(status, string(se.Kind), se.Reason, nil)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"address": fe.Address, "scope": fe.Scope})
	}
	var le *engine.LedgerError
	if errors.As(err, &le) {
		status := http.StatusBadRequest
		if le.Kind == engine.KindNotFound {
			status = http.StatusNotFound
		}
		return newAPIError(status, string(le.Kind), le.Reason, le.Details)
	}
	var me *multisig.Error
	if errors.As(err, &me) {
		status, ok := multisigStatus[me.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		var details map[string]any
		if me.Retriable {
			details = map[string]any{"retriable": true}
		}
		return newAPIError(status, string(me.Kind), me.Reason, details)
	}
	if errors.Is(err, repo.ErrNotFound) {
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

func registerDocs(r chi.Router, basePath, title string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath, title))
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
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
	oas.Components.SecuritySchemes["signedStatement"] = &huma.SecurityScheme{
		Type:        "apiKey",
		In:          "header",
		Name:        "Authorization",
		Description: "base64 JSON envelope {message, signature, address}",
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		if route == healthPath {
			continue
		}
		for _, op := range []*huma.Operation{item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				op.Security = []map[string][]string{{"signedStatement": {}}}
			}
		}
		if item.Get != nil {
			item.Get.Security = []map[string][]string{{}, {"bearerAuth": {}}, {"signedStatement": {}}}
		}
	}
}

func swaggerHTML(basePath, title string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>%s Docs</title>
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
      Changes require a signed statement in the Authorization header. Reads accept a bearer token.
    </p>
  </body>
</html>`, title, specURL)
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

func normalizeLimit(in int) int {
	switch {
	case in <= 0:
		return 50
	case in > 200:
		return 200
	}
	return in
}
