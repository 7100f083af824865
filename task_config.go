//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package fetcher

import (
	"net/http"
	"sync"
	"time"
)

// DefaultChunkSize is the number of bytes moved in one read/write cycle
// when Config.ChunkSize is not set.
const DefaultChunkSize = 2048 * 1000

// Config contains the configuration for the fetch task
type Config struct {
	// HttpClient to use to perform HTTP requests
	HttpClient http.Client
	// ExtraHeaders to add to the HTTP requests.
	ExtraHeaders map[string]string
	// AcceptFunc is an optional function that will be called
	// when the HTTP response headers are received, before starting the copy.
	// If the function returns an error, the fetch fails.
	AcceptFunc func(resp *http.Response) error
	// DoNotErrorOnNon2xxStatusCode set to true to not return an error
	// if the server returns a non-2xx status code.
	DoNotErrorOnNon2xxStatusCode bool
	// InactivityTimeout is the duration after which, if no data is received,
	// the fetch is aborted. If set to 0, no timeout is applied.
	InactivityTimeout time.Duration
	// ChunkSize is the size of a single copy cycle. Cancellation requests
	// are honored between chunks. If 0, DefaultChunkSize is used.
	ChunkSize int
	// Sources maps URI schemes to the Source used to open them. Entries
	// override the built-in http and https sources.
	Sources map[string]Source
}

func (c *Config) chunkSize() int {
	if c.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return c.ChunkSize
}

var defaultConfig Config = Config{}
var defaultConfigLock sync.Mutex

// SetDefaultConfig sets the configuration that will be used by the New
// function.
func SetDefaultConfig(newConfig Config) {
	defaultConfigLock.Lock()
	defer defaultConfigLock.Unlock()
	defaultConfig = newConfig
}

// GetDefaultConfig returns a copy of the default configuration. The default
// configuration can be changed using the SetDefaultConfig function.
func GetDefaultConfig() Config {
	defaultConfigLock.Lock()
	defer defaultConfigLock.Unlock()

	// deep copy struct
	res := defaultConfig
	if defaultConfig.ExtraHeaders != nil {
		res.ExtraHeaders = make(map[string]string, len(defaultConfig.ExtraHeaders))
		for k, v := range defaultConfig.ExtraHeaders {
			res.ExtraHeaders[k] = v
		}
	}
	if defaultConfig.Sources != nil {
		res.Sources = make(map[string]Source, len(defaultConfig.Sources))
		for k, v := range defaultConfig.Sources {
			res.Sources[k] = v
		}
	}
	return res
}
