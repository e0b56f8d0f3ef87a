package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/mirrornode/edgenode/internal/logging"
	"github.com/mirrornode/edgenode/internal/signature"
)

const testSecret = "cluster-secret"

func signedApp() *fiber.App {
	app := fiber.New()
	v := signature.NewVerifier(testSecret)
	logger := logging.NewNop()

	app.Get("/download/:hash", RequireSignature(logger, v, HashIdentity), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Get("/measure/:size", RequireSignature(logger, v, PathIdentity), func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func TestRequireSignature(t *testing.T) {
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Second)

	tests := []struct {
		name           string
		target         string
		expectedStatus int
	}{
		{
			name:           "valid hash signature",
			target:         "/download/abcdef?" + signature.Sign("abcdef", testSecret, future).Encode(),
			expectedStatus: fiber.StatusOK,
		},
		{
			name:           "hash is lower-cased before checking",
			target:         "/download/ABCDEF?" + signature.Sign("abcdef", testSecret, future).Encode(),
			expectedStatus: fiber.StatusOK,
		},
		{
			name:           "expired",
			target:         "/download/abcdef?" + signature.Sign("abcdef", testSecret, past).Encode(),
			expectedStatus: fiber.StatusForbidden,
		},
		{
			name:           "wrong secret",
			target:         "/download/abcdef?" + signature.Sign("abcdef", "other", future).Encode(),
			expectedStatus: fiber.StatusForbidden,
		},
		{
			name:           "signed for another hash",
			target:         "/download/abcdef?" + signature.Sign("123456", testSecret, future).Encode(),
			expectedStatus: fiber.StatusForbidden,
		},
		{
			name:           "missing parameters",
			target:         "/download/abcdef",
			expectedStatus: fiber.StatusForbidden,
		},
		{
			name:           "path identity",
			target:         "/measure/10?" + signature.Sign("/measure/10", testSecret, future).Encode(),
			expectedStatus: fiber.StatusOK,
		},
		{
			name:           "path identity signed for another size",
			target:         "/measure/20?" + signature.Sign("/measure/10", testSecret, future).Encode(),
			expectedStatus: fiber.StatusForbidden,
		},
	}

	app := signedApp()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest("GET", tt.target, nil))
			if err != nil {
				t.Fatalf("Failed to test request: %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, resp.StatusCode)
			}
		})
	}
}
