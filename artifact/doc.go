//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

// Package artifact keeps a local copy of a remote file available to its
// readers.
//
// A Service owns one artifact: a file inside a data directory that is
// fetched with a fetcher.Task when it is missing. The host drives the
// service through three lifecycle calls:
//
//	svc := artifact.New("/var/lib/geoip", "geolite2.mmdb",
//	    "https://example.com/GeoLite2-Country.mmdb.gz",
//	    artifact.WithDecompress(true),
//	    artifact.WithLogger(logger),
//	)
//	if err := svc.Load(); err != nil { ... }         // data directory bootstrap
//	if err := svc.Enable(ctx); err != nil { ... }    // check or schedule the fetch
//	defer svc.Shutdown()                             // cancel, wait, release handles
//
// Readers use IsReady, WaitTillReady, Open and Close. Handles returned by
// Open are tracked and closed by Shutdown.
package artifact
