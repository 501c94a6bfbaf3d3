// Package integration provides a reusable test harness for end-to-end
// integration testing of the recordflow server. It starts a full HTTP server
// with in-memory stores, seeded workflow definitions, a Redis notifier backed
// by miniredis, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/recordflow/internal/config"
	"github.com/pitabwire/recordflow/internal/definition"
	"github.com/pitabwire/recordflow/internal/forms"
	"github.com/pitabwire/recordflow/internal/observability"
	"github.com/pitabwire/recordflow/internal/transport"
	"github.com/pitabwire/recordflow/internal/uploads"
	"github.com/pitabwire/recordflow/internal/workflow"
)

// Redis channel step events are published on.
const stepChannel = "recordflow.test.steps"

// TestHarness encapsulates a fully wired recordflow instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Definitions *definition.MemoryStore
	Instances   *workflow.MemoryStore
	Engine      *workflow.Engine
	Redis       *miniredis.Miniredis
	RedisClient *redis.Client
	Metrics     *observability.Metrics

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	handlerTimeout time.Duration
}

// WithDefinitions sets the seed directories to load. Relative paths are
// resolved from the testdata directory.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full recordflow test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{"definitions"}
	}
	for i, dir := range hc.definitionDirs {
		if !filepath.IsAbs(dir) {
			hc.definitionDirs[i] = filepath.Join(testdataDir(), dir)
		}
	}

	h := &TestHarness{t: t}
	logger := zap.NewNop()
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())

	// Step 1: Start Redis for step notifications.
	h.Redis = miniredis.RunT(t)
	h.RedisClient = redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { h.RedisClient.Close() })

	// Step 2: Build in-memory stores and services.
	h.Definitions = definition.NewMemoryStore()
	h.Instances = workflow.NewMemoryStore()
	formStore := forms.NewMemoryStore()

	notifier := workflow.NewBreakerNotifier(workflow.NewRedisNotifier(h.RedisClient, stepChannel), 5, time.Minute, logger)
	h.Engine = workflow.NewEngine(h.Definitions, h.Instances, notifier, logger, h.Metrics)
	defService := definition.NewService(h.Definitions, formStore, h.Instances, logger, h.Metrics)
	formService := forms.NewService(formStore, h.Engine, h.Definitions, logger, h.Metrics)
	blobs := uploads.NewMemoryBlobStore()
	uploadService := uploads.NewService(blobs, uploads.NewMemoryMediaStore(), "http://blobs.test/recordflow", logger, h.Metrics)

	// Step 3: Seed definitions.
	seeds, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if _, err := defService.Seed(context.Background(), seeds); err != nil {
		t.Fatalf("seed definitions: %v", err)
	}

	// Step 4: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 5: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.MaxUploadBytes = 1 << 20
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:       h.issuer.issuer,
		Audience:     h.issuer.audience,
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"RS256"},
	}

	// Step 6: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.cfg.Identity.JWKSURL, h.cfg.Identity.JWKSCacheTTL, logger)
	auth, err := transport.NewAuthenticator(h.cfg.Identity, jwks)
	if err != nil {
		t.Fatalf("build authenticator: %v", err)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       logger,
		Authenticate: auth.Middleware,
		Definitions:  defService,
		Engine:       h.Engine,
		Forms:        formService,
		Uploads:      uploadService,
		Metrics:      h.Metrics,
		Readiness: observability.ReadinessChecks{
			"notifier":   notifier,
			"blob_store": blobs,
		},
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// Subscribe listens for step events. The subscription is confirmed before it
// is returned so no event published afterwards is missed.
func (h *TestHarness) Subscribe() *redis.PubSub {
	h.t.Helper()
	sub := h.RedisClient.Subscribe(context.Background(), stepChannel)
	if _, err := sub.Receive(context.Background()); err != nil {
		h.t.Fatalf("subscribe: %v", err)
	}
	h.t.Cleanup(func() { sub.Close() })
	return sub
}

// NextEvent waits for the next step event on sub.
func (h *TestHarness) NextEvent(sub *redis.PubSub) workflow.StepEvent {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		h.t.Fatalf("receive step event: %v", err)
	}
	var evt workflow.StepEvent
	if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
		h.t.Fatalf("decode step event: %v\npayload: %s", err, msg.Payload)
	}
	return evt
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Default test claims ---

// StaffClaims returns TestClaims for a staff member who raises requests.
func StaffClaims() TestClaims {
	return TestClaims{
		UserID: 11,
		Email:  "staff@acme.example.com",
		Roles:  []string{"Staff"},
	}
}

// ManagerClaims returns TestClaims for a manager who approves requests.
func ManagerClaims() TestClaims {
	return TestClaims{
		UserID: 21,
		Email:  "manager@acme.example.com",
		Roles:  []string{"Manager"},
	}
}

// AuditorClaims returns TestClaims for a user with no workflow role.
func AuditorClaims() TestClaims {
	return TestClaims{
		UserID: 31,
		Email:  "auditor@acme.example.com",
		Roles:  []string{"Auditor"},
	}
}

// AdminClaims returns TestClaims for an administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		UserID: 1,
		Email:  "admin@acme.example.com",
		Roles:  []string{"Super Administrator"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
