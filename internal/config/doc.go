// Package config loads, validates and persists the YAML settings a
// provisioning run is driven by: API credentials, workload parameters and the
// declarative lists of nodes and models to install.
package config
