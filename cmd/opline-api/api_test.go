package main

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opline/opline/pkg/registry"
	"github.com/opline/opline/pkg/store/memory"
)

func TestAPI_App(t *testing.T) {
	t.Parallel()

	api := NewAPI(slog.Default(), memory.NewStore(), registry.NewRegistry(slog.Default()), nil, 0, false)

	app, err := api.App(t.Context())
	require.NoError(t, err)

	tests := []struct {
		path     string
		expected int
	}{
		{path: "/", expected: http.StatusOK},
		{path: "/health", expected: http.StatusOK},
		{path: "/stats", expected: http.StatusOK},
		{path: "/livez", expected: http.StatusOK},
		{path: "/sagas/types", expected: http.StatusOK},
		{path: "/sagas/missing", expected: http.StatusNotFound},
	}

	for _, tt := range tests {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, tt.path, nil))
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		assert.Equal(t, tt.expected, resp.StatusCode, tt.path)
	}
}
