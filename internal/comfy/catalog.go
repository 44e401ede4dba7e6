package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/apeirography/comfy-bootstrap/internal/domain/provision"
)

const (
	// nodeCatalogPath lists the whitelisted node catalog from cache.
	nodeCatalogPath = "/customnode/getlist?mode=cache&skip_update=true"
	// externalModelCatalogPath is the primary whitelisted model catalog endpoint.
	externalModelCatalogPath = "/externalmodel/getlist?mode=cache&skip_update=true"
	// modelCatalogPath is the fallback model catalog endpoint some builds use.
	modelCatalogPath = "/model/getlist?mode=cache&skip_update=true"
)

var (
	// errCatalogShape is returned for catalog responses in none of the known shapes.
	errCatalogShape = errors.New("unexpected catalog response shape")
	// errCatalogUnavailable is returned when no catalog endpoint answers.
	errCatalogUnavailable = errors.New("catalog endpoints returned no usable result")
)

// Truthy decodes the loose installed-state flags the manager emits:
// booleans, numbers, and strings such as "True" or "installed".
type Truthy bool

// truthyStrings are string values treated as true, lowercased.
var truthyStrings = map[string]struct{}{
	"true": {}, "1": {}, "yes": {}, "installed": {}, "ok": {},
	"enabled": {}, "active": {}, "success": {}, "completed": {}, "done": {},
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Truthy) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*t = Truthy(b)
		return nil
	}

	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*t = n != 0
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		_, ok := truthyStrings[strings.ToLower(strings.TrimSpace(s))]
		*t = Truthy(ok)

		return nil
	}

	*t = false

	return nil
}

// NodeInfo is one whitelisted node catalog row as the manager reports it.
type NodeInfo struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title,omitempty"`
	Author      string `json:"author,omitempty"`
	Repository  string `json:"repository,omitempty"`
	Repo        string `json:"repo,omitempty"`
	PkgName     string `json:"pkg_name,omitempty"`
	Reference   string `json:"reference,omitempty"`
	InstallType string `json:"install_type,omitempty"`
	State       string `json:"state,omitempty"`
	Version     string `json:"version,omitempty"`
	CNRLatest   string `json:"cnr_latest,omitempty"`
	Description string `json:"description,omitempty"`
	UIID        string `json:"ui_id,omitempty"`
	Installed   Truthy `json:"installed,omitempty"`
	IsInstalled Truthy `json:"is_installed,omitempty"`
}

// RepositoryURL returns the first populated repository field.
func (n NodeInfo) RepositoryURL() string {
	for _, v := range []string{n.Repository, n.Repo, n.PkgName} {
		if v != "" {
			return v
		}
	}

	return ""
}

// Slug returns the queue identifier for this node.
func (n NodeInfo) Slug() string {
	base := n.ID
	if base == "" {
		base = n.Title
	}

	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(base)), " ", "-")
}

// IsInstalledNow reports whether the manager considers the node installed.
func (n NodeInfo) IsInstalledNow() bool {
	if n.State != "" {
		return n.State != "not-installed"
	}

	return bool(n.Installed) || bool(n.IsInstalled)
}

// CatalogEntry converts the row into the matcher's shape.
func (n NodeInfo) CatalogEntry() provision.CatalogEntry {
	name := n.Title
	if name == "" {
		name = n.ID
	}

	return provision.CatalogEntry{
		DisplayName: name,
		CanonicalID: n.Slug(),
		Kind:        provision.KindNode,
		Repository:  n.RepositoryURL(),
		Installed:   n.IsInstalledNow(),
	}
}

// ModelInfo is one whitelisted model catalog row as the manager reports it.
type ModelInfo struct {
	Name      string `json:"name,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Base      string `json:"base,omitempty"`
	Type      string `json:"type,omitempty"`
	SavePath  string `json:"save_path,omitempty"`
	URL       string `json:"url,omitempty"`
	Installed Truthy `json:"installed,omitempty"`
}

// CatalogEntry converts the row into the matcher's shape.
func (m ModelInfo) CatalogEntry() provision.CatalogEntry {
	return provision.CatalogEntry{
		DisplayName: m.Name,
		CanonicalID: m.Filename,
		Kind:        provision.KindModel,
		Filename:    m.Filename,
		Base:        m.Base,
		SavePath:    m.SavePath,
		Installed:   bool(m.Installed),
	}
}

// NodeCatalog fetches the whitelisted node catalog.
func (c *Client) NodeCatalog(ctx context.Context) ([]NodeInfo, error) {
	code, body, err := c.get(ctx, nodeCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("fetch node catalog: %w", err)
	}

	if code != http.StatusOK {
		return nil, fmt.Errorf("node catalog returned status %d: %s", code, excerpt(body))
	}

	return parseNodeCatalog(body)
}

// parseNodeCatalog handles the three response shapes observed in the wild:
// {"custom_nodes": [...]}, {"node_packs": {id: {...}}}, and a bare array.
func parseNodeCatalog(body []byte) ([]NodeInfo, error) {
	var wrapper struct {
		CustomNodes []NodeInfo          `json:"custom_nodes"`
		NodePacks   map[string]NodeInfo `json:"node_packs"`
	}

	if err := json.Unmarshal(body, &wrapper); err == nil {
		if wrapper.CustomNodes != nil {
			return wrapper.CustomNodes, nil
		}

		if wrapper.NodePacks != nil {
			nodes := make([]NodeInfo, 0, len(wrapper.NodePacks))
			for id, info := range wrapper.NodePacks {
				info.ID = id
				nodes = append(nodes, info)
			}

			// Map iteration order is random; keep the catalog stable.
			sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

			return nodes, nil
		}
	}

	var list []NodeInfo
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}

	return nil, fmt.Errorf("%w: %s", errCatalogShape, excerpt(body))
}

// ModelCatalog fetches the whitelisted model catalog, trying the external
// model endpoint first and falling back to the plain model endpoint.
func (c *Client) ModelCatalog(ctx context.Context) ([]ModelInfo, error) {
	for _, path := range []string{externalModelCatalogPath, modelCatalogPath} {
		code, body, err := c.get(ctx, path)
		if err != nil || code != http.StatusOK {
			continue
		}

		models, err := parseModelCatalog(body)
		if err != nil {
			continue
		}

		return models, nil
	}

	return nil, errCatalogUnavailable
}

// parseModelCatalog handles {"models": [...]} and bare-array responses.
func parseModelCatalog(body []byte) ([]ModelInfo, error) {
	var wrapper struct {
		Models []ModelInfo `json:"models"`
	}

	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Models != nil {
		return wrapper.Models, nil
	}

	var list []ModelInfo
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}

	return nil, fmt.Errorf("%w: %s", errCatalogShape, excerpt(body))
}

// NodeVersion is one published version of a whitelisted node.
type NodeVersion struct {
	Version   string `json:"version,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// NodeVersions fetches the published versions for a node slug. Best effort:
// an unreachable or empty listing yields nil.
func (c *Client) NodeVersions(ctx context.Context, slug string) []NodeVersion {
	code, body, err := c.get(ctx, "/customnode/versions/"+slug)
	if err != nil || code != http.StatusOK {
		return nil
	}

	var versions []NodeVersion
	if err := json.Unmarshal(body, &versions); err != nil {
		return nil
	}

	return versions
}

// latestVersionTag picks the newest version by creation time.
func latestVersionTag(versions []NodeVersion) string {
	if len(versions) == 0 {
		return ""
	}

	sorted := make([]NodeVersion, len(versions))
	copy(sorted, versions)

	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt > sorted[j].CreatedAt })

	return strings.TrimSpace(sorted[0].Version)
}
