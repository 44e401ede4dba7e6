package provision

import "time"

// Kind distinguishes installable plugin packages from model files.
type Kind string

const (
	// KindNode is an installable plugin/extension for the hosted application.
	KindNode Kind = "node"
	// KindModel is a model file placed under the remote models directory.
	KindModel Kind = "model"
)

// Source describes where an install request draws its artifact from.
type Source string

const (
	// SourceCatalog resolves the request against the whitelisted catalog.
	SourceCatalog Source = "catalog"
	// SourceGitHub installs a custom node from a GitHub repository URL.
	SourceGitHub Source = "github"
	// SourceDirect downloads a model from an arbitrary URL.
	SourceDirect Source = "direct"
)

// CatalogEntry is one row of a whitelisted catalog.
// Entries are immutable once fetched.
type CatalogEntry struct {
	// DisplayName is the human-readable name shown in the catalog.
	DisplayName string
	// CanonicalID uniquely identifies the entry within its catalog.
	CanonicalID string
	// Kind tells whether the entry is a node or a model.
	Kind Kind
	// Repository is the source repository URL for node entries.
	Repository string
	// Filename is the stored artifact name for model entries.
	Filename string
	// Base is the model family a model entry belongs to.
	Base string
	// SavePath is the remote directory a model entry is stored under.
	SavePath string
	// Installed reports whether the entry is already present on the workload.
	Installed bool
}

// InstallRequest is a single unit of work for the installer.
// It is created from user configuration and consumed exactly once.
type InstallRequest struct {
	// Kind tells whether a node or a model is being installed.
	Kind Kind
	// Source selects the install mechanism.
	Source Source
	// Query is the catalog search string for whitelisted installs.
	Query string
	// RepoURL is the GitHub repository URL for custom node installs.
	RepoURL string
	// URL is the direct download link for non-whitelisted model installs.
	URL string
	// Filename is the name the artifact is stored under (direct installs).
	Filename string
	// Subfolder is the target subfolder inside the remote models directory.
	Subfolder string
	// SHA256 is an optional hex checksum verified after direct installs.
	SHA256 string
}

// Label returns a short operator-facing identifier for the request.
func (r InstallRequest) Label() string {
	switch {
	case r.Query != "":
		return r.Query
	case r.RepoURL != "":
		return r.RepoURL
	case r.Filename != "":
		return r.Filename
	default:
		return r.URL
	}
}

// WorkloadHandle identifies a provisioned remote workload for the rest of the run.
// It is discarded at process exit; expiry is enforced server-side.
type WorkloadHandle struct {
	// Node is the node name returned by the provisioning API.
	Node string
	// Workload is the provisioning API's identifier for this reservation.
	Workload string
	// APIBase is the management API base URL of the hosted application.
	APIBase string
	// Root is the root URL of the hosted application.
	Root string
	// Expires is when the server will reclaim the workload.
	Expires time.Time
}

// RestartPhase tracks the restart coordinator's state machine.
type RestartPhase int

const (
	// RestartRequested means the restart trigger has been issued.
	RestartRequested RestartPhase = iota
	// Restarting means the trigger was accepted and the application is cycling.
	Restarting
	// RestartReady means the application reported healthy after the restart.
	RestartReady
	// RestartFailed means the restart errored or timed out.
	RestartFailed
)

// String returns the operator-facing name of the phase.
func (p RestartPhase) String() string {
	switch p {
	case RestartRequested:
		return "requested"
	case Restarting:
		return "restarting"
	case RestartReady:
		return "ready"
	case RestartFailed:
		return "failed"
	default:
		return "unknown"
	}
}
