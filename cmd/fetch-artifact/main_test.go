//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package main

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunSingleArtifact(t *testing.T) {
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	_, err := w.Write([]byte("geolite2 country"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(gz.Bytes())
	}))
	defer srv.Close()

	output := filepath.Join(t.TempDir(), "geoip", "geolite2.mmdb")
	code := run([]string{"-url", srv.URL + "/GeoLite2-Country.mmdb.gz", "-output", output, "-decompress"})
	require.Equal(t, ExitSuccess, code)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	require.Equal(t, "geolite2 country", string(data))

	// a present artifact is not fetched again
	srv.Close()
	require.Equal(t, ExitSuccess, run([]string{"-url", srv.URL, "-output", output}))
}

func TestRunFromConfigFile(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "asn.mmdb"), []byte("asn"), 0644))
	dataDir := filepath.Join(t.TempDir(), "data")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
data_dir: `+dataDir+`
shutdown_grace: 100ms
artifacts:
  - name: asn.mmdb
    url: file://`+filepath.ToSlash(src)+`/asn.mmdb
`), 0644))

	require.Equal(t, ExitSuccess, run([]string{"-config", configPath}))
	data, err := os.ReadFile(filepath.Join(dataDir, "asn.mmdb"))
	require.NoError(t, err)
	require.Equal(t, "asn", string(data))
}

func TestRunFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	output := filepath.Join(t.TempDir(), "geolite2.mmdb")
	require.Equal(t, ExitGeneralError, run([]string{"-url", srv.URL + "/missing", "-output", output}))
	_, err := os.Stat(output)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunInvalidArgs(t *testing.T) {
	output := filepath.Join(t.TempDir(), "geolite2.mmdb")
	require.Equal(t, ExitInvalidArgs, run([]string{"-url", "https://example.com/db"}))
	require.Equal(t, ExitInvalidArgs, run([]string{"-output", output}))
	require.Equal(t, ExitInvalidArgs, run([]string{"-no-such-flag"}))
	require.Equal(t, ExitInvalidArgs, run([]string{"stray"}))
	require.Equal(t, ExitInvalidArgs, run([]string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}))
	require.Equal(t, ExitSuccess, run([]string{"-h"}))
}
