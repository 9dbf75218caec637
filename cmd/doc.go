// Package cmd implements the command-line interface for the replicate
// binary. It provides a hierarchical command structure with operations for
// running a node and calling it as a client.
//
// The package is organized into two subpackages:
//
//   - serve: starts and configures a replicate node
//   - call: a small HTTP client for exercising a running node
//
// See replicate -help for a list of all commands.
package cmd
