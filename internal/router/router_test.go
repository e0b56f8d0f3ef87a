package router

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrornode/edgenode/internal/handlers"
	"github.com/mirrornode/edgenode/internal/logging"
	"github.com/mirrornode/edgenode/internal/metrics"
	"github.com/mirrornode/edgenode/internal/models"
	"github.com/mirrornode/edgenode/internal/signature"
	"github.com/mirrornode/edgenode/internal/storage"
)

func newTestApp(t *testing.T) (*fiber.App, *metrics.Metrics) {
	t.Helper()
	logger := logging.NewNop()
	m := metrics.New()
	counters := &models.Counters{}

	h := handlers.New(logger, handlers.Config{
		Verifier:   signature.NewVerifier("secret"),
		Storage:    storage.NewLocal(t.TempDir(), logger),
		Index:      models.NewFileIndex(),
		Accountant: m.Delivery(counters),
		Version:    "test",
	})
	return New(logger, h, m, Options{}), m
}

func TestRouter_Routes(t *testing.T) {
	app, _ := newTestApp(t)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		target         string
		expectedStatus int
	}{
		{"/health", fiber.StatusOK},
		{"/auth", fiber.StatusForbidden},
		{"/download/abc", fiber.StatusForbidden},
		{"/download/abc?" + signature.Sign("abc", "secret", future).Encode(), fiber.StatusNotFound},
		{"/measure/1?" + signature.Sign("/measure/1", "secret", future).Encode(), fiber.StatusOK},
		{"/nope", fiber.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest("GET", tt.target, nil), 5000)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
		})
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	_ = resp.Body.Close()

	resp, err = app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `edgenode_http_requests_total{method="GET",route="/health",status="200"} 1`))
}
