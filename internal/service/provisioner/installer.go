package provisioner

import (
	"context"
	"errors"
	"fmt"

	"github.com/apeirography/comfy-bootstrap/internal/comfy"
	"github.com/apeirography/comfy-bootstrap/internal/config"
	"github.com/apeirography/comfy-bootstrap/internal/domain/provision"
	"github.com/apeirography/comfy-bootstrap/internal/logger"
	"github.com/apeirography/comfy-bootstrap/internal/matcher"
)

// BaselineNodeURL is the plugin always installed before the restart; the
// direct-URL model mechanism on the workload depends on it.
const BaselineNodeURL = "https://github.com/apeirography/daimalyadnodes"

var (
	// ErrBaselineInstall is returned when the mandatory baseline plugin fails.
	ErrBaselineInstall = errors.New("baseline plugin install failed")
	// ErrIntegrityMismatch is returned when a direct install's artifact hash
	// does not match the configured checksum.
	ErrIntegrityMismatch = errors.New("artifact integrity mismatch")
)

// installer executes install batches against one workload, recording every
// per-item outcome. Batches are best effort: one item failing never stops
// the rest, only the baseline plugin is fatal.
type installer struct {
	// client talks to the workload's management API.
	client *comfy.Client
	// report accumulates per-item outcomes.
	report *RunReport
}

// catalogRequests converts whitelist queries into install requests.
func catalogRequests(kind provision.Kind, queries []string) []provision.InstallRequest {
	reqs := make([]provision.InstallRequest, len(queries))
	for i, q := range queries {
		reqs[i] = provision.InstallRequest{
			Kind:   kind,
			Source: provision.SourceCatalog,
			Query:  q,
		}
	}

	return reqs
}

// gitRequests converts repository URLs into install requests.
func gitRequests(repos []string) []provision.InstallRequest {
	reqs := make([]provision.InstallRequest, len(repos))
	for i, repo := range repos {
		reqs[i] = provision.InstallRequest{
			Kind:    provision.KindNode,
			Source:  provision.SourceGitHub,
			RepoURL: repo,
		}
	}

	return reqs
}

// directRequests converts configured direct models into install requests.
func directRequests(models []config.DirectModel) []provision.InstallRequest {
	reqs := make([]provision.InstallRequest, len(models))
	for i, m := range models {
		reqs[i] = provision.InstallRequest{
			Kind:      provision.KindModel,
			Source:    provision.SourceDirect,
			URL:       m.URL,
			Filename:  m.Filename,
			Subfolder: m.Subfolder,
			SHA256:    m.SHA256,
		}
	}

	return reqs
}

// InstallWhitelistedNodes resolves each request against the node catalog and
// installs the matches.
func (i *installer) InstallWhitelistedNodes(ctx context.Context, reqs []provision.InstallRequest) {
	if len(reqs) == 0 {
		return
	}

	logger.Infof(ctx, "Installing %d whitelisted node(s)", len(reqs))

	catalog, err := i.client.NodeCatalog(ctx)
	if err != nil {
		for _, req := range reqs {
			i.report.Failed(req.Label(), req.Kind, req.Source, err)
		}

		return
	}

	entries := make([]provision.CatalogEntry, len(catalog))
	for idx, info := range catalog {
		entries[idx] = info.CatalogEntry()
	}

	for _, req := range reqs {
		i.installCatalogNode(ctx, req, catalog, entries)
	}
}

// installCatalogNode resolves and installs a single whitelisted node request.
func (i *installer) installCatalogNode(
	ctx context.Context,
	req provision.InstallRequest,
	catalog []comfy.NodeInfo,
	entries []provision.CatalogEntry,
) {
	entry, err := matcher.Match(req.Query, entries)
	if err != nil {
		logger.WarnKV(ctx, "Node query did not resolve", "query", req.Query, "error", err)
		i.report.Failed(req.Label(), req.Kind, req.Source, err)

		return
	}

	info, ok := nodeBySlug(catalog, entry.CanonicalID)
	if !ok {
		i.report.Failed(req.Label(), req.Kind, req.Source,
			fmt.Errorf("matched entry %q disappeared from catalog", entry.CanonicalID))

		return
	}

	if entry.Installed {
		logger.InfoKV(ctx, "Node already installed", "query", req.Query, "node", entry.DisplayName)
		i.report.AlreadyInstalled(entry.DisplayName, req.Kind, req.Source)

		return
	}

	logger.InfoKV(ctx, "Installing node",
		"query", req.Query, "node", entry.DisplayName, "repository", entry.Repository)

	if err := i.client.InstallNode(ctx, info); err != nil {
		i.report.Failed(entry.DisplayName, req.Kind, req.Source, err)
		return
	}

	i.report.Installed(entry.DisplayName, req.Kind, req.Source)
}

// InstallWhitelistedModels resolves each request against the model catalog
// and installs the matches.
func (i *installer) InstallWhitelistedModels(ctx context.Context, reqs []provision.InstallRequest) {
	if len(reqs) == 0 {
		return
	}

	logger.Infof(ctx, "Installing %d whitelisted model(s)", len(reqs))

	catalog, err := i.client.ModelCatalog(ctx)
	if err != nil {
		for _, req := range reqs {
			i.report.Failed(req.Label(), req.Kind, req.Source, err)
		}

		return
	}

	entries := make([]provision.CatalogEntry, len(catalog))
	for idx, info := range catalog {
		entries[idx] = info.CatalogEntry()
	}

	for _, req := range reqs {
		i.installCatalogModel(ctx, req, catalog, entries)
	}
}

// installCatalogModel resolves and installs a single whitelisted model request.
func (i *installer) installCatalogModel(
	ctx context.Context,
	req provision.InstallRequest,
	catalog []comfy.ModelInfo,
	entries []provision.CatalogEntry,
) {
	entry, err := matcher.Match(req.Query, entries)
	if err != nil {
		logger.WarnKV(ctx, "Model query did not resolve", "query", req.Query, "error", err)
		i.report.Failed(req.Label(), req.Kind, req.Source, err)

		return
	}

	info, ok := modelByFilename(catalog, entry.Filename)
	if !ok {
		i.report.Failed(req.Label(), req.Kind, req.Source,
			fmt.Errorf("matched entry %q disappeared from catalog", entry.Filename))

		return
	}

	if entry.Installed {
		logger.InfoKV(ctx, "Model already installed", "query", req.Query, "model", entry.DisplayName)
		i.report.AlreadyInstalled(entry.DisplayName, req.Kind, req.Source)

		return
	}

	logger.InfoKV(ctx, "Installing model",
		"query", req.Query, "model", entry.DisplayName, "filename", entry.Filename)

	if err := i.client.InstallModel(ctx, info); err != nil {
		i.report.Failed(entry.DisplayName, req.Kind, req.Source, err)
		return
	}

	i.report.Installed(entry.DisplayName, req.Kind, req.Source)
}

// InstallBaselineNode installs the mandatory baseline plugin. Its failure is
// fatal because the direct-URL installs after the restart depend on it.
func (i *installer) InstallBaselineNode(ctx context.Context) error {
	logger.InfoKV(ctx, "Installing baseline plugin", "repository", BaselineNodeURL)

	if err := i.client.InstallNodeFromGit(ctx, BaselineNodeURL); err != nil {
		i.report.Failed(BaselineNodeURL, provision.KindNode, provision.SourceGitHub, err)
		return fmt.Errorf("%w: %w", ErrBaselineInstall, err)
	}

	i.report.Installed(BaselineNodeURL, provision.KindNode, provision.SourceGitHub)

	return nil
}

// InstallGitHubNodes installs user-listed custom nodes from repository URLs.
func (i *installer) InstallGitHubNodes(ctx context.Context, reqs []provision.InstallRequest) {
	if len(reqs) == 0 {
		return
	}

	logger.Infof(ctx, "Installing %d custom node(s) from GitHub", len(reqs))

	for _, req := range reqs {
		if err := i.client.InstallNodeFromGit(ctx, req.RepoURL); err != nil {
			logger.WarnKV(ctx, "Custom node install failed", "repository", req.RepoURL, "error", err)
			i.report.Failed(req.Label(), req.Kind, req.Source, err)

			continue
		}

		i.report.Installed(req.Label(), req.Kind, req.Source)
	}
}

// InstallDirectModels installs non-whitelisted models from direct URLs.
// Models with a configured checksum run through the downloader workflow,
// which verifies the sha256 server-side.
func (i *installer) InstallDirectModels(ctx context.Context, reqs []provision.InstallRequest) {
	if len(reqs) == 0 {
		return
	}

	logger.Infof(ctx, "Installing %d non-whitelisted model(s) by URL", len(reqs))

	for _, req := range reqs {
		i.installDirectModel(ctx, req)
	}
}

// installDirectModel installs one direct-URL model. The manager's URL
// endpoints are tried first; when they refuse, the downloader workflow takes
// over. Models pinned to a sha256 skip the manager path entirely, since only
// the downloader node enforces the hash.
func (i *installer) installDirectModel(ctx context.Context, req provision.InstallRequest) {
	logger.InfoKV(ctx, "Installing model by URL",
		"filename", req.Filename, "subfolder", req.Subfolder, "url", req.URL)

	dm := comfy.DirectModelRequest{
		URL:       req.URL,
		Filename:  req.Filename,
		Subfolder: req.Subfolder,
		SHA256:    req.SHA256,
	}

	if req.SHA256 != "" {
		i.installVerifiedModel(ctx, req, dm)
		return
	}

	if err := i.client.InstallModelByURL(ctx, dm); err != nil {
		logger.WarnKV(ctx, "Manager install refused, falling back to downloader workflow",
			"filename", req.Filename, "error", err)

		if err := i.client.SubmitDownloaderWorkflow(ctx, dm); err != nil {
			i.report.Failed(req.Label(), req.Kind, req.Source, err)
			return
		}
	}

	i.report.Installed(req.Label(), req.Kind, req.Source)
}

// installVerifiedModel runs a pinned model through the downloader workflow.
// A run that finishes in error means the artifact could not be downloaded
// and verified against the configured hash, so the item is flagged rather
// than trusted. The remote file, if any, is left in place.
func (i *installer) installVerifiedModel(ctx context.Context, req provision.InstallRequest, dm comfy.DirectModelRequest) {
	if err := i.client.SubmitDownloaderWorkflow(ctx, dm); err != nil {
		if errors.Is(err, comfy.ErrWorkflowFailed) {
			err = fmt.Errorf("%w: %w", ErrIntegrityMismatch, err)

			logger.WarnKV(ctx, "Integrity verification failed",
				"filename", req.Filename, "error", err)
			i.report.Flagged(req.Label(), req.Kind, req.Source, err)

			return
		}

		i.report.Failed(req.Label(), req.Kind, req.Source, err)

		return
	}

	i.report.Installed(req.Label(), req.Kind, req.Source)
}

// SkipDirectModels records direct models that can no longer be attempted.
func (i *installer) SkipDirectModels(reqs []provision.InstallRequest, reason string) {
	for _, req := range reqs {
		i.report.Skipped(req.Label(), req.Kind, req.Source, reason)
	}
}

// nodeBySlug finds a catalog row by its queue slug.
func nodeBySlug(catalog []comfy.NodeInfo, slug string) (comfy.NodeInfo, bool) {
	for _, info := range catalog {
		if info.Slug() == slug {
			return info, true
		}
	}

	return comfy.NodeInfo{}, false
}

// modelByFilename finds a catalog row by stored filename.
func modelByFilename(catalog []comfy.ModelInfo, filename string) (comfy.ModelInfo, bool) {
	for _, info := range catalog {
		if info.Filename == filename {
			return info, true
		}
	}

	return comfy.ModelInfo{}, false
}
