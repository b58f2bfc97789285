package stepper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/catalog-ingest/internal/domain/ingestion"
	"github.com/ahrav/catalog-ingest/pkg/common/logger"
)

func TestHTTPStepperRoundTrip(t *testing.T) {
	var got stepRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(stepResponse{Cursor: "page-3"})
	}))
	defer srv.Close()

	s := NewHTTPStepper(srv.URL, logger.Noop())
	record := ingestion.NewRecord("github")

	res, err := s.Step(context.Background(), record, "page-2")
	require.NoError(t, err)
	assert.Equal(t, "page-3", res.Cursor)
	assert.False(t, res.Done)
	assert.Equal(t, "github", got.Provider)
	assert.Equal(t, "page-2", got.LastCursor)
}

func TestHTTPStepperReportsExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(stepResponse{Done: true})
	}))
	defer srv.Close()

	s := NewHTTPStepper(srv.URL, logger.Noop())
	res, err := s.Step(context.Background(), ingestion.NewRecord("github"), "")
	require.NoError(t, err)
	assert.True(t, res.Done)
}

func TestHTTPStepperCollaboratorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(stepResponse{Error: "rate limited"})
	}))
	defer srv.Close()

	s := NewHTTPStepper(srv.URL, logger.Noop())
	_, err := s.Step(context.Background(), ingestion.NewRecord("github"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestHTTPStepperNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewHTTPStepper(srv.URL, logger.Noop())
	_, err := s.Step(context.Background(), ingestion.NewRecord("github"), "")
	require.Error(t, err)
}

func TestExhaustedStepper(t *testing.T) {
	res, err := Exhausted().Step(context.Background(), ingestion.NewRecord("github"), "")
	require.NoError(t, err)
	assert.True(t, res.Done)
}
