package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"OpenMCP-Prover/internal/agent"
	xerrors "OpenMCP-Prover/internal/errors"
	"OpenMCP-Prover/internal/jobsource"
	"OpenMCP-Prover/internal/proving"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAgent struct {
	state    agent.State
	inFlight int
	max      int
}

func (a *fakeAgent) State() agent.State  { return a.state }
func (a *fakeAgent) InFlight() int       { return a.inFlight }
func (a *fakeAgent) MaxConcurrency() int { return a.max }
func (a *fakeAgent) SetMaxConcurrency(n int) error {
	if n < 1 {
		return xerrors.New(xerrors.CodeInvalidConfiguration, "max concurrency must be at least 1")
	}
	a.max = n
	return nil
}

func newTestServer(t *testing.T) (*Server, *jobsource.MemoryQueue, *fakeAgent) {
	t.Helper()
	queue := jobsource.NewMemoryQueue(jobsource.Options{})
	t.Cleanup(func() { _ = queue.Close() })
	ag := &fakeAgent{state: agent.StateRunning, inFlight: 1, max: 2}
	return NewServer(":0", ag, queue), queue, ag
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetJob(t *testing.T) {
	server, queue, _ := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/jobs", `{"type":"base_rollup","inputs":{"tx":1}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: got %d want %d (%s)", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	var created struct {
		ID proving.JobID `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected a job id")
	}
	if queue.Len() != 1 {
		t.Fatalf("expected one queued job, got %d", queue.Len())
	}

	rec = do(t, server, http.MethodGet, "/api/v1/jobs/"+string(created.ID), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var record jobsource.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.ID != created.ID || record.Status != jobsource.StatusPending {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.Request.Type != proving.BaseRollup {
		t.Fatalf("unexpected request type %s", record.Request.Type)
	}

	job, err := queue.GetProvingJob(context.Background())
	if err != nil || job == nil {
		t.Fatalf("queued job not pullable: %v", err)
	}
	if string(job.Request.Inputs) != `{"tx":1}` {
		t.Fatalf("inputs not preserved: %s", job.Request.Inputs)
	}
}

func TestCreateJobWithKernelType(t *testing.T) {
	server, queue, _ := newTestServer(t)
	rec := do(t, server, http.MethodPost, "/api/v1/jobs", `{"type":"PUBLIC_KERNEL_NON_TAIL","kernel_type":"app_logic"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code %d: %s", rec.Code, rec.Body.String())
	}
	job, err := queue.GetProvingJob(context.Background())
	if err != nil || job == nil {
		t.Fatalf("pull: %v", err)
	}
	if job.Request.KernelType != proving.KernelAppLogic {
		t.Fatalf("unexpected kernel type %s", job.Request.KernelType)
	}
}

func TestCreateJobRejectsBadInput(t *testing.T) {
	server, queue, _ := newTestServer(t)
	cases := []struct {
		name string
		body string
		code string
	}{
		{name: "malformed", body: `{"type":`, code: "INVALID_ARGUMENT"},
		{name: "missing type", body: `{"inputs":{}}`, code: "INVALID_ARGUMENT"},
		{name: "unknown type", body: `{"type":"GPU_PROOF"}`, code: "INVALID_REQUEST_KIND"},
		{name: "unknown kernel", body: `{"type":"PUBLIC_KERNEL_NON_TAIL","kernel_type":"BOOT"}`, code: "INVALID_ARGUMENT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, server, http.MethodPost, "/api/v1/jobs", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusBadRequest)
			}
			var body struct {
				Code string `json:"code"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.Code != tc.code {
				t.Fatalf("unexpected error code: got %q want %q", body.Code, tc.code)
			}
		})
	}
	if queue.Len() != 0 {
		t.Fatalf("rejected requests must not be queued")
	}
}

func TestGetJobNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := do(t, server, http.MethodGet, "/api/v1/jobs/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusNotFound)
	}
}

func TestAgentStatusAndConcurrency(t *testing.T) {
	server, _, ag := newTestServer(t)

	rec := do(t, server, http.MethodGet, "/api/v1/agent", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code %d", rec.Code)
	}
	var status agentStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != "running" || status.InFlight != 1 || status.MaxConcurrency != 2 {
		t.Fatalf("unexpected status %+v", status)
	}

	rec = do(t, server, http.MethodPut, "/api/v1/agent/concurrency", `{"max_concurrency":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code %d: %s", rec.Code, rec.Body.String())
	}
	if ag.max != 5 {
		t.Fatalf("concurrency not applied, got %d", ag.max)
	}

	rec = do(t, server, http.MethodPut, "/api/v1/agent/concurrency", `{"max_concurrency":0}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status code for zero: got %d want %d", rec.Code, http.StatusBadRequest)
	}
	if ag.max != 5 {
		t.Fatalf("invalid value must not change concurrency, got %d", ag.max)
	}

	rec = do(t, server, http.MethodPut, "/api/v1/agent/concurrency", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing value should be rejected, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	server, _, ag := newTestServer(t)
	if rec := do(t, server, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("running agent should be healthy, got %d", rec.Code)
	}
	ag.state = agent.StateStopped
	if rec := do(t, server, http.MethodGet, "/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("stopped agent should be unhealthy, got %d", rec.Code)
	}
}

func TestRequestMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	queue := jobsource.NewMemoryQueue(jobsource.Options{})
	t.Cleanup(func() { _ = queue.Close() })
	server := NewServer(":0", &fakeAgent{state: agent.StateRunning, max: 1}, queue, WithMeter(provider.Meter("test")))

	do(t, server, http.MethodGet, "/health", "")
	do(t, server, http.MethodGet, "/api/v1/jobs/missing", "")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	codes := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "prover.api.requests" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				code, _ := dp.Attributes.Value("code")
				codes[code.AsString()] += dp.Value
			}
		}
	}
	if codes["200"] != 1 || codes["404"] != 1 {
		t.Fatalf("unexpected request counts %v", codes)
	}
}
