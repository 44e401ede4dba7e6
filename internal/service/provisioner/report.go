package provisioner

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/samber/lo"

	"github.com/apeirography/comfy-bootstrap/internal/domain/provision"
)

// ItemStatus is the terminal outcome of one install request.
type ItemStatus string

const (
	// StatusInstalled means the item installed successfully.
	StatusInstalled ItemStatus = "installed"
	// StatusFailed means the item failed terminally after any retries.
	StatusFailed ItemStatus = "failed"
	// StatusFlagged means the item installed but failed integrity verification.
	StatusFlagged ItemStatus = "flagged"
	// StatusSkipped means the item was never attempted.
	StatusSkipped ItemStatus = "skipped"
)

// ItemResult records the outcome of a single install request.
type ItemResult struct {
	// Name identifies the item for the operator.
	Name string
	// Kind tells whether a node or a model was installed.
	Kind provision.Kind
	// Source tells which install mechanism was used.
	Source provision.Source
	// Status is the terminal outcome.
	Status ItemStatus
	// Err carries the failure cause for failed and flagged items.
	Err error
	// Note carries extra operator-facing context, e.g. a skip reason.
	Note string
}

// RunReport accumulates per-item outcomes over one provisioning run.
// Fatal errors abort the run; everything recorded here is per-item only.
type RunReport struct {
	items []ItemResult
}

// Installed records a successful install.
func (r *RunReport) Installed(name string, kind provision.Kind, source provision.Source) {
	r.items = append(r.items, ItemResult{Name: name, Kind: kind, Source: source, Status: StatusInstalled})
}

// AlreadyInstalled records an item found present on the workload.
func (r *RunReport) AlreadyInstalled(name string, kind provision.Kind, source provision.Source) {
	r.items = append(r.items, ItemResult{
		Name: name, Kind: kind, Source: source,
		Status: StatusSkipped, Note: "already installed",
	})
}

// Failed records a terminal per-item failure.
func (r *RunReport) Failed(name string, kind provision.Kind, source provision.Source, err error) {
	r.items = append(r.items, ItemResult{Name: name, Kind: kind, Source: source, Status: StatusFailed, Err: err})
}

// Flagged records an item that installed but failed verification.
func (r *RunReport) Flagged(name string, kind provision.Kind, source provision.Source, err error) {
	r.items = append(r.items, ItemResult{Name: name, Kind: kind, Source: source, Status: StatusFlagged, Err: err})
}

// Skipped records an item that was never attempted.
func (r *RunReport) Skipped(name string, kind provision.Kind, source provision.Source, note string) {
	r.items = append(r.items, ItemResult{Name: name, Kind: kind, Source: source, Status: StatusSkipped, Note: note})
}

// Items returns the recorded outcomes in order.
func (r *RunReport) Items() []ItemResult {
	return r.items
}

// HasFailures reports whether any item failed or was flagged.
func (r *RunReport) HasFailures() bool {
	return lo.SomeBy(r.items, func(item ItemResult) bool {
		return item.Status == StatusFailed || item.Status == StatusFlagged
	})
}

// Counts returns the number of items per terminal status.
func (r *RunReport) Counts() map[ItemStatus]int {
	return lo.CountValuesBy(r.items, func(item ItemResult) ItemStatus {
		return item.Status
	})
}

// statusPainters colorize status labels for the summary output.
//
//nolint:gochecknoglobals // Static display table.
var statusPainters = map[ItemStatus]*color.Color{
	StatusInstalled: color.New(color.FgGreen),
	StatusFailed:    color.New(color.FgRed),
	StatusFlagged:   color.New(color.FgYellow),
	StatusSkipped:   color.New(color.FgCyan),
}

// Print writes the operator-facing end-of-run summary.
func (r *RunReport) Print(w io.Writer) {
	if len(r.items) == 0 {
		fmt.Fprintln(w, "Nothing to install.")
		return
	}

	fmt.Fprintln(w, "Provisioning summary:")

	for _, item := range r.items {
		label := statusPainters[item.Status].Sprint(string(item.Status))

		fmt.Fprintf(w, "  [%s] %s %s (%s)", label, item.Kind, item.Name, item.Source)

		switch {
		case item.Err != nil:
			fmt.Fprintf(w, ": %v", item.Err)
		case item.Note != "":
			fmt.Fprintf(w, ": %s", item.Note)
		}

		fmt.Fprintln(w)
	}

	counts := r.Counts()
	fmt.Fprintf(w, "Totals: %d installed, %d failed, %d flagged, %d skipped\n",
		counts[StatusInstalled], counts[StatusFailed], counts[StatusFlagged], counts[StatusSkipped])
}
