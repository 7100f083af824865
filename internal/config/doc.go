//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

// Package config defines the configuration of the fetch-artifact CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (FETCHER_ prefix)
//   - YAML configuration file
//
// # File format
//
//	data_dir: /var/lib/geoip
//	log_level: info
//	shutdown_grace: 1s
//	inactivity_timeout: 30s
//	chunk_size: 2048000
//	headers:
//	  User-Agent: fetch-artifact
//	artifacts:
//	  - name: geolite2.mmdb
//	    url: https://example.com/GeoLite2-Country.mmdb.gz
//	    decompress: true
package config
