//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package artifact

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.bug.st/fetcher"
)

// logBuffer collects log output written from several goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger(b *logBuffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(b, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func gzipServer(t *testing.T, content []byte) *httptest.Server {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

// endlessReader produces bytes until it is closed.
type endlessReader struct{}

func (endlessReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

func (endlessReader) Close() error { return nil }

// blockedReader blocks every read until release is closed.
type blockedReader struct {
	release chan struct{}
}

func (b *blockedReader) Read(p []byte) (int, error) {
	<-b.release
	return 0, io.EOF
}

func (b *blockedReader) Close() error { return nil }

func sourceConfig(r io.ReadCloser) fetcher.Config {
	return fetcher.Config{
		ChunkSize: 4096,
		Sources: map[string]fetcher.Source{
			"test": fetcher.SourceFunc(func(context.Context, *url.URL) (io.ReadCloser, error) {
				return r, nil
			}),
		},
	}
}

func TestLoadCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data", "geoip")
	svc := New(dir, "geolite2.mmdb", "https://example.com/db.gz")
	require.NoError(t, svc.Load())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestLoadRejectsFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.WriteFile(dir, []byte("not a dir"), 0644))

	var logs logBuffer
	svc := New(dir, "geolite2.mmdb", "https://example.com/db.gz", WithLogger(testLogger(&logs)))
	require.ErrorContains(t, svc.Load(), "not a directory")
	require.Contains(t, logs.String(), "data directory unusable")
	require.Error(t, svc.Enable(context.Background()))
}

func TestEnableExistingArtifact(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "geolite2.mmdb"), []byte("cached"), 0644))

	svc := New(dir, "geolite2.mmdb", "asd://unused")
	require.NoError(t, svc.Load())
	require.NoError(t, svc.Enable(context.Background()))
	require.True(t, svc.IsReady())
	require.True(t, svc.WaitTillReady(0))
	require.Nil(t, svc.Task())
	require.NoError(t, svc.Wait(context.Background()))

	f, err := svc.Open()
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, "cached", string(data))
	require.NoError(t, svc.Close(f))
	require.NoError(t, svc.Close(f), "second Close is ignored")
}

func TestEnableFetchesMissingArtifact(t *testing.T) {
	content := bytes.Repeat([]byte("country database "), 100_000)
	srv := gzipServer(t, content)
	dir := t.TempDir()

	var logs logBuffer
	svc := New(dir, "geolite2.mmdb", srv.URL+"/GeoLite2-Country.mmdb.gz",
		WithDecompress(true),
		WithLogger(testLogger(&logs)),
	)
	require.NoError(t, svc.Load())
	require.NoError(t, svc.Enable(context.Background()))
	require.NotNil(t, svc.Task())
	require.True(t, svc.WaitTillReady(5*time.Second))
	require.NoError(t, svc.Wait(context.Background()))
	require.Equal(t, fetcher.StateSucceeded, svc.Task().State())

	f, err := svc.Open()
	require.NoError(t, err)
	defer svc.Close(f)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, content, data)
	require.Contains(t, logs.String(), "artifact fetched")
}

func TestEnableRefetchesEmptyArtifact(t *testing.T) {
	srv := gzipServer(t, []byte("fresh"))
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "geolite2.mmdb"), nil, 0644))

	svc := New(dir, "geolite2.mmdb", srv.URL, WithDecompress(true))
	require.NoError(t, svc.Enable(context.Background()))
	require.NoError(t, svc.Wait(context.Background()))

	data, err := os.ReadFile(svc.Path())
	require.NoError(t, err)
	require.Equal(t, "fresh", string(data))
}

func TestEnableForce(t *testing.T) {
	srv := gzipServer(t, []byte("fresh"))
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "geolite2.mmdb"), []byte("stale"), 0644))

	svc := New(dir, "geolite2.mmdb", srv.URL, WithDecompress(true), WithForce(true))
	require.NoError(t, svc.Enable(context.Background()))
	require.NoError(t, svc.Wait(context.Background()))

	data, err := os.ReadFile(svc.Path())
	require.NoError(t, err)
	require.Equal(t, "fresh", string(data))
}

func TestFetchFailureIsLogged(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	dir := t.TempDir()

	var logs logBuffer
	svc := New(dir, "geolite2.mmdb", srv.URL+"/missing.gz",
		WithDecompress(true),
		WithLogger(testLogger(&logs)),
	)
	require.NoError(t, svc.Enable(context.Background()))
	err := svc.Wait(context.Background())
	require.ErrorContains(t, err, "404")
	require.False(t, svc.IsReady())
	require.False(t, svc.WaitTillReady(10*time.Millisecond))

	_, err = svc.Open()
	require.ErrorIs(t, err, ErrNotReady)
	_, err = os.Stat(svc.Path())
	require.ErrorIs(t, err, os.ErrNotExist)

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(logs.String()), []byte("fetch error"))
	}, 5*time.Second, 10*time.Millisecond)
	require.Contains(t, logs.String(), "kind=\"source open\"")
}

func TestShutdownCancelsFetch(t *testing.T) {
	dir := t.TempDir()
	var logs logBuffer
	svc := New(dir, "geolite2.mmdb", "test://remote/db",
		WithConfig(sourceConfig(endlessReader{})),
		WithLogger(testLogger(&logs)),
	)
	require.NoError(t, svc.Enable(context.Background()))
	task := svc.Task()
	require.Eventually(t, func() bool {
		return task.State() == fetcher.StateRunning
	}, 5*time.Second, time.Millisecond)

	svc.Shutdown()
	require.True(t, task.HasFinished())
	require.Equal(t, fetcher.StateCancelled, task.State())
	require.False(t, svc.IsReady())
	require.Contains(t, logs.String(), "fetch cancelled")

	_, err := os.Stat(svc.Path())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestShutdownGracePeriodExpires(t *testing.T) {
	dir := t.TempDir()
	blocked := &blockedReader{release: make(chan struct{})}
	var logs logBuffer
	svc := New(dir, "geolite2.mmdb", "test://remote/db",
		WithConfig(sourceConfig(blocked)),
		WithLogger(testLogger(&logs)),
		WithShutdownGrace(50*time.Millisecond),
	)
	require.NoError(t, svc.Enable(context.Background()))
	task := svc.Task()
	require.Eventually(t, func() bool {
		return task.State() == fetcher.StateRunning
	}, 5*time.Second, time.Millisecond)

	svc.Shutdown()
	require.False(t, task.HasFinished())
	require.Contains(t, logs.String(), "hasn't terminated in time")

	close(blocked.release)
	require.True(t, task.Wait(5*time.Second))
	require.Equal(t, fetcher.StateCancelled, task.State())
	require.False(t, svc.IsReady())
	_, err := os.Stat(svc.Path())
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestShutdownClosesOpenHandles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "geolite2.mmdb"), []byte("cached"), 0644))

	svc := New(dir, "geolite2.mmdb", "asd://unused")
	require.NoError(t, svc.Enable(context.Background()))
	f1, err := svc.Open()
	require.NoError(t, err)
	f2, err := svc.Open()
	require.NoError(t, err)

	svc.Shutdown()
	require.False(t, svc.IsReady())
	_, err = f1.Read(make([]byte, 1))
	require.ErrorIs(t, err, os.ErrClosed)
	_, err = f2.Read(make([]byte, 1))
	require.ErrorIs(t, err, os.ErrClosed)
	require.NoError(t, svc.Close(f1))

	// the service can be enabled again
	require.NoError(t, svc.Enable(context.Background()))
	require.True(t, svc.WaitTillReady(time.Second))
}

func TestBusyDestination(t *testing.T) {
	dir := t.TempDir()
	blocked := &blockedReader{release: make(chan struct{})}
	first := New(dir, "geolite2.mmdb", "test://remote/db", WithConfig(sourceConfig(blocked)))
	second := New(dir, "geolite2.mmdb", "test://remote/db", WithConfig(sourceConfig(blocked)))

	require.NoError(t, first.Enable(context.Background()))
	require.ErrorIs(t, second.Enable(context.Background()), ErrBusy)

	close(blocked.release)
	require.NoError(t, first.Wait(context.Background()))
	require.Eventually(t, func() bool {
		return second.Enable(context.Background()) == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, second.Wait(context.Background()))
}

func TestCustomScheduler(t *testing.T) {
	dir := t.TempDir()
	var queued []func()
	sched := SchedulerFunc(func(run func()) { queued = append(queued, run) })
	svc := New(dir, "geolite2.mmdb", "test://remote/db",
		WithConfig(sourceConfig(io.NopCloser(bytes.NewReader([]byte("scheduled"))))),
		WithScheduler(sched),
	)

	require.NoError(t, svc.Enable(context.Background()))
	require.Len(t, queued, 1)
	require.Equal(t, fetcher.StatePending, svc.Task().State())
	require.False(t, svc.IsReady())

	queued[0]()
	require.True(t, svc.IsReady())
	data, err := os.ReadFile(svc.Path())
	require.NoError(t, err)
	require.Equal(t, "scheduled", string(data))
}

func TestWaitWithoutFetch(t *testing.T) {
	svc := New(t.TempDir(), "geolite2.mmdb", "asd://unused")
	require.False(t, svc.WaitTillReady(10*time.Millisecond))
	require.ErrorIs(t, svc.Wait(context.Background()), ErrNotReady)

	_, err := svc.Open()
	require.ErrorIs(t, err, ErrNotReady)
}
