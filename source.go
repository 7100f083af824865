//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ErrUnsupportedScheme is returned when a locator's scheme has no registered source.
var ErrUnsupportedScheme = errors.New("unsupported URI scheme")

// Source opens the byte stream of a remote resource.
type Source interface {
	// Open returns a stream with the contents of the resource at u. The
	// stream is closed by the caller. Reads from the stream must stop
	// when ctx is cancelled.
	Open(ctx context.Context, u *url.URL) (io.ReadCloser, error)
}

// SourceFunc adapts an ordinary function to the Source interface.
type SourceFunc func(ctx context.Context, u *url.URL) (io.ReadCloser, error)

// Open calls f(ctx, u).
func (f SourceFunc) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	return f(ctx, u)
}

// resolveSource parses the locator and returns the source registered for
// its scheme.
func resolveSource(config *Config, locator string) (Source, *url.URL, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing locator: %w", err)
	}
	if u.Scheme == "" {
		return nil, nil, fmt.Errorf("missing scheme in locator: %q", locator)
	}
	if s, ok := config.Sources[u.Scheme]; ok {
		return s, u, nil
	}
	switch u.Scheme {
	case "http", "https":
		return &httpSource{config: config}, u, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}

// httpSource performs a GET request using the task configuration.
type httpSource struct {
	config *Config
}

func (s *httpSource) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("setting up HTTP request: %w", err)
	}
	for k, v := range s.config.ExtraHeaders {
		req.Header.Set(k, v)
	}
	resp, err := s.config.HttpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing HTTP request: %w", err)
	}
	if !s.config.DoNotErrorOnNon2xxStatusCode && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fetching %s: %s", u.Redacted(), resp.Status)
	}
	if s.config.AcceptFunc != nil {
		if err := s.config.AcceptFunc(resp); err != nil {
			_ = resp.Body.Close()
			return nil, err
		}
	}
	return resp.Body, nil
}
