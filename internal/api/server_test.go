package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	appingest "github.com/ahrav/catalog-ingest/internal/app/ingestion"
	"github.com/ahrav/catalog-ingest/internal/domain/ingestion"
	"github.com/ahrav/catalog-ingest/internal/infra/storage/ingestion/memory"
	"github.com/ahrav/catalog-ingest/pkg/common/logger"
)

// capturingPublisher records forwarded deltas.
type capturingPublisher struct {
	provider string
	payload  []byte
	err      error
}

func (p *capturingPublisher) PublishDelta(ctx context.Context, provider string, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.provider = provider
	p.payload = payload
	return nil
}

type serverHarness struct {
	server    *Server
	records   *memory.RecordStore
	marks     *memory.MarkStore
	publisher *capturingPublisher
	stepper   *ingestion.StepResult // next step result, nil means done
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()

	records := memory.NewRecordStore()
	marks := memory.NewMarkStore(records)
	publisher := &capturingPublisher{}
	h := &serverHarness{records: records, marks: marks, publisher: publisher}

	stepper := ingestion.StepperFunc(func(ctx context.Context, record *ingestion.Record, lastCursor string) (ingestion.StepResult, error) {
		if h.stepper == nil {
			return ingestion.StepResult{Done: true}, nil
		}
		return *h.stepper, nil
	})

	log := logger.Noop()
	tracer := noop.NewTracerProvider().Tracer("test")

	controller := appingest.NewController(records, marks, stepper, appingest.ControllerConfig{}, log, tracer)
	health := appingest.NewHealthMonitor(records, log, tracer)
	cleanup := appingest.NewCleanupService(records, marks, 24*time.Hour, log, tracer)

	h.server = NewServer(":0", log, tracer, controller, health, cleanup, publisher, nil, nil)
	return h
}

func (h *serverHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *serverHarness) seedResting(t *testing.T, provider string) {
	t.Helper()
	require.NoError(t, h.records.Create(context.Background(), ingestion.NewRestingRecord(provider, 0)))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestProviderStatusNotFound(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodGet, "/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Provider 'ghost' not found", body["last_error"])
}

func TestProviderStatusRestingProvider(t *testing.T) {
	h := newServerHarness(t)
	h.seedResting(t, "github")

	rec := h.do(t, http.MethodGet, "/github", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	status := body["status"].(map[string]any)
	assert.Equal(t, "rest complete, waiting to start", status["current_action"])
}

func TestProviderStatusActiveCycle(t *testing.T) {
	h := newServerHarness(t)
	h.seedResting(t, "github")

	rec := h.do(t, http.MethodPost, "/github/trigger", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/github", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	status := body["status"].(map[string]any)
	assert.Equal(t, "ingest next page", status["current_action"])
	assert.NotEmpty(t, status["next_action_at"])
}

func TestTriggerLifecycleThroughAPI(t *testing.T) {
	h := newServerHarness(t)
	h.seedResting(t, "github")
	h.stepper = &ingestion.StepResult{Cursor: "page-2"}

	// First trigger starts the cycle.
	rec := h.do(t, http.MethodPost, "/github/trigger", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ingesting", body["status"])

	// Second trigger advances one step and records a mark.
	rec = h.do(t, http.MethodPost, "/github/trigger", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/github/marks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	marks := body["marks"].([]any)
	require.Len(t, marks, 1)
	mark := marks[0].(map[string]any)
	assert.Equal(t, "page-2", mark["cursor"])
	assert.Equal(t, float64(1), mark["sequence"])
}

func TestTriggerUnknownProviderReturns404(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/ghost/trigger", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartUnknownProviderSucceeds(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/fresh/start", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])

	// The provider is now known and a trigger starts its first cycle.
	rec = h.do(t, http.MethodPost, "/fresh/trigger", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "ingesting", body["status"])
}

func TestCancelReturnsCooldown(t *testing.T) {
	h := newServerHarness(t)
	h.seedResting(t, "github")
	h.do(t, http.MethodPost, "/github/trigger", "")

	rec := h.do(t, http.MethodPost, "/github/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "resting", body["status"])

	nextActionAt, err := time.Parse(time.RFC3339Nano, body["next_action_at"].(string))
	require.NoError(t, err)
	assert.InDelta(t, 24*time.Hour, time.Until(nextActionAt), float64(time.Minute))
}

func TestPurgeProvider(t *testing.T) {
	h := newServerHarness(t)
	h.seedResting(t, "github")
	h.do(t, http.MethodPost, "/github/trigger", "")

	rec := h.do(t, http.MethodDelete, "/github", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(2), body["records_deleted"])

	// The provider still exists, resting under cooldown.
	rec = h.do(t, http.MethodGet, "/github", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMarksRestartingMessage(t *testing.T) {
	h := newServerHarness(t)
	h.seedResting(t, "github")

	rec := h.do(t, http.MethodGet, "/github/marks", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Contains(t, body["message"], "restarting")
}

func TestClearMarksReturnsCount(t *testing.T) {
	h := newServerHarness(t)
	h.seedResting(t, "github")

	rec := h.do(t, http.MethodDelete, "/github/marks", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(0), body["deleted"])
}

func TestHealthReportsDuplicates(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["healthy"])

	h.records.InjectRecord(ingestion.NewRecord("github"))
	h.records.InjectRecord(ingestion.NewRecord("github"))

	rec = h.do(t, http.MethodGet, "/health", "")
	body = decode(t, rec)
	assert.Equal(t, false, body["healthy"])
	dupes := body["duplicateIngestions"].([]any)
	require.Len(t, dupes, 1)
	assert.Equal(t, "github", dupes[0])
}

func TestCleanupForcesActiveToResting(t *testing.T) {
	h := newServerHarness(t)
	h.seedResting(t, "github")
	h.do(t, http.MethodPost, "/github/trigger", "")

	rec := h.do(t, http.MethodPost, "/cleanup", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	canceled := body["canceled"].([]any)
	require.Len(t, canceled, 1)
	assert.Equal(t, "github", canceled[0])
}

func TestDeltaForwardsPayload(t *testing.T) {
	h := newServerHarness(t)

	payload := `{"added":["repo-a"],"removed":["repo-b"]}`
	rec := h.do(t, http.MethodPost, "/github/delta", payload)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "github", h.publisher.provider)
	assert.JSONEq(t, payload, string(h.publisher.payload))
}

func TestDeltaPublisherFailureReturns500(t *testing.T) {
	h := newServerHarness(t)
	h.publisher.err = ingestion.NewPublishUnavailableError(errors.New("broker down"))

	rec := h.do(t, http.MethodPost, "/github/delta", `{}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["message"], "broker down")
}

func TestDeltaRejectsInvalidJSON(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/github/delta", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLivenessAndReadiness(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodGet, "/v1/liveness", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/v1/readiness", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadinessFailsWhenDependencyDown(t *testing.T) {
	h := newServerHarness(t)
	h.server.ready = func(ctx context.Context) error { return errors.New("db unreachable") }

	rec := h.do(t, http.MethodGet, "/v1/readiness", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
