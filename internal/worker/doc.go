// Package worker implements the asset cache controller that sits between a
// site's visitors and its origin. A Controller is bound to one site version;
// it pre-caches the app shell on Install, purges partitions left behind by
// other versions on Activate, and answers every same-origin GET through one
// of three strategies selected by the request's destination:
//
//	document                    network-first
//	image, style, script, font  cache-first
//	everything else             stale-while-revalidate
//
// Cache lookups without a named partition search static before dynamic.
// Non-GET and cross-origin requests are declined so the host can pass them
// through untouched.
package worker
