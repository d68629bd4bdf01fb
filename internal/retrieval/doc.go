// Package retrieval copies recordings off capture nodes.
//
// A Dialer opens a Channel per node: SFTPDialer over SSH for deployed nodes,
// LocalDialer when the node's storage directory is visible on the local
// filesystem. The Retriever paces downloads with a token bucket, serves a
// bounded number of nodes in parallel, writes each file under a ".part" name
// and renames it into <local>/<node>/<name> only after the WAV header checks
// out. Remote copies are deleted after a successful download when
// configured.
package retrieval
