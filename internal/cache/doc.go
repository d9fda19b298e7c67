// Package cache defines the partitioned response store behind every site
// controller. A Storage holds named partitions (for example
// "silverados-static-v1.0.0"); each partition maps a request identity
// (method + URL) to an immutable StoredResponse. Backends are interchangeable:
// the filesystem store writes one framed file per entry using temp file +
// rename, the SQLite store keeps partitions as rows, and the memory store
// backs tests. All backends are safe for concurrent use and follow
// last-write-wins semantics on conflicting keys.
package cache
