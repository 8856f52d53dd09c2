package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"

	"jobfeed-engine/internal/config"
	"jobfeed-engine/internal/domain"
	"jobfeed-engine/internal/feed"
	"jobfeed-engine/internal/store"
)

func Test_setupLogsStdout(t *testing.T) {
	opts.Log.Enabled = false
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsToFile(t *testing.T) {
	defer func() { opts.Log.Enabled = false; setupLogs() }()

	opts.Log.Enabled = true
	opts.Log.Filename = filepath.Join(t.TempDir(), "engine.log")
	opts.Log.MaxSize = 10
	opts.Log.MaxBackups = 3
	opts.Log.MaxAge = 0

	out := setupLogs()
	require.IsType(t, &lumberjack.Logger{}, out)
	logger := out.(*lumberjack.Logger)
	assert.Equal(t, opts.Log.Filename, logger.Filename)
	assert.Equal(t, 10, logger.MaxSize)
	assert.Equal(t, 3, logger.MaxBackups)
	assert.False(t, logger.Compress)
}

func Test_loadConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, path, err := loadConfig(dir, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.yml"), path)
	assert.Equal(t, dir, cfg.App.DataDir)
	assert.Equal(t, config.DefaultBaseURL, cfg.Source.BaseURL)

	bad := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("app:\n  port: 0\n"), 0o644))
	_, _, err = loadConfig(dir, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.port")

	_, _, err = loadConfig(dir, filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}

func Test_openBackend(t *testing.T) {
	cfg := config.Defaults()
	cfg.App.DataDir = t.TempDir()
	cfg.Storage.Backend = "blob"
	b, err := openBackend(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, store.KindBlob, b.Kind())

	cfg.Storage.Backend = "tape"
	_, err = openBackend(context.Background(), cfg)
	assert.Error(t, err)
}

func Test_warmUpAndRefresh(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"1","title":"Cook"}]`))
	}))
	defer up.Close()

	cfg := config.Defaults()
	cfg.App.DataDir = t.TempDir()
	cfg.Source.BaseURL = up.URL
	cfg.Storage.Backend = "sqlite"

	backend, err := openBackend(context.Background(), cfg)
	require.NoError(t, err)
	defer backend.Close()
	require.NoError(t, backend.Upsert(context.Background(), feedJob("1")))

	src, err := makeSource(cfg)
	require.NoError(t, err)
	f := feed.New(src, backend)

	require.NoError(t, warmUp(context.Background(), f))
	st := f.Snapshot()
	require.Len(t, st.Jobs, 1)
	assert.True(t, st.Jobs[0].Bookmarked, "bookmark flag applied whichever finished first")
	assert.Len(t, st.BookmarkedJobs, 1)

	assert.NoError(t, refreshTask(f)(context.Background()))

	up.Close()
	assert.Error(t, refreshTask(f)(context.Background()))
}

func feedJob(id string) domain.Job { return domain.Job{ID: id, Title: "Cook"} }
