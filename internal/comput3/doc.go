// Package comput3 is the client for the workload-provisioning API: it
// launches one remote workload per run and derives the management endpoints
// of the application hosted on it.
package comput3
