// Package provision defines the core data model shared across the run:
// catalog entries, install requests, the workload handle and the restart
// state machine.
package provision
