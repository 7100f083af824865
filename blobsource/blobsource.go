//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

// Package blobsource provides a fetcher.Source that reads objects from
// blob storage through gocloud.dev/blob.
//
// Locators have the form scheme://bucket/key?params, where scheme://bucket?params
// is the bucket URL understood by blob.OpenBucket. For the file scheme the
// directory of the path is the bucket and the last element is the key:
// file:///var/lib/data/db.mmdb.gz reads db.mmdb.gz from /var/lib/data.
//
// Only the file driver is linked in by this package. Programs that fetch
// from cloud storage must import the drivers they need, for example
// gocloud.dev/blob/s3blob or gocloud.dev/blob/gcsblob.
package blobsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"

	"go.bug.st/fetcher"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("blob object not found")

// DefaultSchemes are the schemes registered by Register.
var DefaultSchemes = []string{"file", "s3", "gs"}

// Option configures a Source.
type Option func(*Source)

// WithBucket makes the Source read every object from b. The path of the
// locator is used as the key and its host is ignored.
func WithBucket(b *blob.Bucket) Option {
	return func(s *Source) { s.bucket = b }
}

// Source opens blob objects.
type Source struct {
	bucket *blob.Bucket
}

// New creates a new blob source.
func New(opts ...Option) *Source {
	s := &Source{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds s to config for each of the given schemes, or for
// DefaultSchemes if none is given.
func (s *Source) Register(config *fetcher.Config, schemes ...string) {
	if len(schemes) == 0 {
		schemes = DefaultSchemes
	}
	if config.Sources == nil {
		config.Sources = map[string]fetcher.Source{}
	}
	for _, scheme := range schemes {
		config.Sources[scheme] = s
	}
}

// Open returns a reader for the object at u.
func (s *Source) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	if s.bucket != nil {
		key := strings.TrimPrefix(u.Path, "/")
		if key == "" {
			return nil, fmt.Errorf("missing object key in URI: %q", u.Redacted())
		}
		return newReader(ctx, s.bucket, key)
	}

	bucketURL, key, err := splitLocator(u)
	if err != nil {
		return nil, err
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("opening bucket %s: %w", bucketURL, err)
	}
	r, err := newReader(ctx, bucket, key)
	if err != nil {
		return nil, errors.Join(err, bucket.Close())
	}
	return &bucketReader{Reader: r, bucket: bucket}, nil
}

func newReader(ctx context.Context, bucket *blob.Bucket, key string) (*blob.Reader, error) {
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("reading object %s: %w", key, err)
	}
	return r, nil
}

// splitLocator separates a locator into the bucket URL and the object key.
func splitLocator(u *url.URL) (string, string, error) {
	if u.Scheme == "file" {
		dir, key := path.Split(u.Path)
		if key == "" {
			return "", "", fmt.Errorf("missing file name in URI: %q", u.Redacted())
		}
		b := url.URL{Scheme: "file", Path: path.Clean(dir), RawQuery: u.RawQuery}
		return b.String(), key, nil
	}

	if u.Host == "" {
		return "", "", fmt.Errorf("missing bucket in URI: %q", u.Redacted())
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("missing object key in URI: %q", u.Redacted())
	}
	b := url.URL{Scheme: u.Scheme, Host: u.Host, RawQuery: u.RawQuery}
	return b.String(), key, nil
}

// bucketReader closes the bucket opened for a single object.
type bucketReader struct {
	*blob.Reader
	bucket *blob.Bucket
}

func (r *bucketReader) Close() error {
	return errors.Join(r.Reader.Close(), r.bucket.Close())
}
