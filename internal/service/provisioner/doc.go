// Package provisioner implements the end-to-end provisioning run: it
// launches a GPU workload, installs whitelisted nodes and models resolved
// through fuzzy catalog matching, installs custom nodes from GitHub, cycles
// the application through a verified restart, and finishes with direct-URL
// model installs. Per-item failures are collected into a run summary instead
// of aborting the run.
package provisioner
