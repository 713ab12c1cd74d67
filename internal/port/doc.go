// Package port implements port probing and allocation for the worktree-env
// CLI.
//
// The allocation algorithm is random draw with rejection:
//
//	repeat up to MaxAttempts times:
//	    candidate := uniform draw from [Min, Max]
//	    reject if candidate is in the active-ports view or already chosen
//	    in this render pass; otherwise return it if the Scanner can bind it
//
// The Scanner verifies OS-level port availability via net.Listen() and
// closes the socket immediately, so a successful probe is a best-effort
// liveness check, not a reservation: another process may grab the port
// before its eventual consumer binds it.
package port
