// Package model defines the domain types and value objects for the
// worktree-env CLI.
//
// This package contains pure data structures with no external dependencies.
// Attempts and projects are the persisted records; PortMap is the unit of
// port persistence (the attempt's assigned_ports column), and PortSet is the
// derived "active ports" view that the allocator reads.
//
// The package also defines exit codes (ExitCode), a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling,
// and the sentinel errors that classify failures across packages.
package model
