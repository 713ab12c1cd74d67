// Package worktree creates and removes the Git worktrees that serve as
// isolated environments for task attempts.
//
// Operations shell out to the git binary (Git >= 2.17 for `worktree
// remove`), so behavior matches what the user sees in a terminal.
package worktree
