package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/usajobs-etl/internal/app"
	"github.com/JakeFAU/usajobs-etl/internal/config"
)

const cliTestKey = "abcd1234efgh5678ijkl9012"

func runCLI(t *testing.T, args ...string) (int, string) {
	t.Helper()
	root := newRootCmd()
	var stderr bytes.Buffer
	root.SetErr(&stderr)
	root.SetOut(&bytes.Buffer{})
	code := execute(context.Background(), root, args)
	return code, stderr.String()
}

func setBaseEnv(t *testing.T, apiURL string) {
	t.Helper()
	t.Setenv("USAJOBS_API_KEY", cliTestKey)
	t.Setenv("USAJOBS_API_URL", apiURL)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("MAX_RETRIES", "1")
	t.Setenv("MIN_REQUEST_INTERVAL", "0")
}

func TestMissingCredentialFailsBeforeAnyRequest(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	setBaseEnv(t, srv.URL)
	t.Setenv("USAJOBS_API_KEY", "")

	code, stderr := runCLI(t, "--dry-run")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "USAJOBS_API_KEY")
	assert.Zero(t, hits)
}

func TestDryRunExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		body     string
		wantCode int
	}{
		{
			name: "root command processes listings",
			args: []string{"--dry-run"},
			body: `{"SearchResult":{"SearchResultCountAll":1,"SearchResultItems":[
				{"MatchedObjectId":"CLI-1","MatchedObjectDescriptor":{"PositionTitle":"Data Engineer",
				 "PositionLocation":[{"LocationName":"Chicago, Illinois","CityName":"Chicago"}]}}]}}`,
			wantCode: 0,
		},
		{
			name: "run subcommand processes listings",
			args: []string{"run", "--dry-run", "--max-pages", "1"},
			body: `{"SearchResult":{"SearchResultCountAll":1,"SearchResultItems":[
				{"MatchedObjectId":"CLI-2","MatchedObjectDescriptor":{"PositionTitle":"Analyst",
				 "PositionLocation":[{"CityName":"Remote"}]}}]}}`,
			wantCode: 0,
		},
		{
			name:     "nothing processed exits non-zero",
			args:     []string{"run", "--dry-run"},
			body:     `{"SearchResult":{"SearchResultCountAll":0,"SearchResultItems":[]}}`,
			wantCode: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			setBaseEnv(t, srv.URL)

			code, stderr := runCLI(t, tt.args...)
			assert.Equal(t, tt.wantCode, code, stderr)
			assert.Empty(t, stderr)
		})
	}
}

func TestMissingDSNOutsideDryRun(t *testing.T) {
	setBaseEnv(t, "http://127.0.0.1:1")

	code, stderr := runCLI(t, "run")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "DATABASE_URL")
}

func TestSchemaCheckRequiresDSN(t *testing.T) {
	setBaseEnv(t, "http://127.0.0.1:1")
	t.Setenv("DRY_RUN_MODE", "true")

	code, stderr := runCLI(t, "schema", "check")
	require.Equal(t, 1, code)
	assert.Contains(t, stderr, "db.dsn")
}

type closeCountingApp struct {
	*app.App
	closes *atomic.Int32
}

func (a closeCountingApp) Close() {
	a.closes.Add(1)
	a.App.Close()
}

func TestAppClosedWhenRunFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"SearchResult":{"SearchResultCountAll":0,"SearchResultItems":[]}}`))
	}))
	defer srv.Close()
	setBaseEnv(t, srv.URL)

	var closes atomic.Int32
	original := newApp
	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return closeCountingApp{App: a, closes: &closes}, nil
	}
	t.Cleanup(func() { newApp = original })

	code, _ := runCLI(t, "run", "--dry-run")
	assert.Equal(t, 1, code)
	assert.Equal(t, int32(1), closes.Load())

	t.Setenv("DRY_RUN_MODE", "true")
	code, _ = runCLI(t, "schema", "check")
	assert.Equal(t, 1, code)
	assert.Equal(t, int32(2), closes.Load())
}
