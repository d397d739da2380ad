// Package server implements ShareNest: PIN-protected file shares backed by
// an S3-compatible bucket and a Postgres catalogue.
//
// Files reach the bucket in one of three ways chosen by size: streamed
// through the server, PUT directly to a pre-signed URL, or uploaded in
// parts to pre-signed part URLs. Downloads redirect to short-lived
// pre-signed GET URLs once the security phrase checks out and a download
// has been counted. The admin panel removes files through the Reconciler,
// which reports per file whether the bucket, the database, or both failed.
package server
