// Package server hosts the Fiber HTTP service, request middleware chain, and
// site registry glue that wires Host resolution into the proxy handler.
// Every configured site shares one listener; the Host header (domain or alias)
// selects the SiteRoute, and paths under /-/ are reserved for diagnostics.
package server
