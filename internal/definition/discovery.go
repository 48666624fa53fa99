package definition

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/pitabwire/flowpilot/internal/config"
	"github.com/pitabwire/flowpilot/model"
)

// Root is one directory scanned during discovery.
type Root struct {
	Path   string       `json:"path"`
	Source model.Source `json:"source"`
}

// RootsFromConfig converts configured roots. A root without a source is
// treated as contrib.
func RootsFromConfig(cfg []config.RootConfig) []Root {
	roots := make([]Root, len(cfg))
	for i, rc := range cfg {
		src := model.Source(rc.Source)
		if src == "" {
			src = model.SourceContrib
		}
		roots[i] = Root{Path: rc.Path, Source: src}
	}
	return roots
}

// Outcome is the result of discovering one file.
type Outcome string

const (
	OutcomeLoaded   Outcome = "loaded"
	OutcomeShadowed Outcome = "shadowed"
	OutcomeDisabled Outcome = "disabled"
	OutcomeInvalid  Outcome = "invalid"
	OutcomeError    Outcome = "error"
)

// ReportEntry records what happened to a single file or root.
type ReportEntry struct {
	Path       string   `json:"path"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	Outcome    Outcome  `json:"outcome"`
	Message    string   `json:"message,omitempty"`
	Errors     []VError `json:"errors,omitempty"`
}

// Report lists the outcome of every file seen by a discovery pass.
type Report struct {
	Entries []ReportEntry `json:"entries"`
}

// Count returns the number of entries with the given outcome.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, e := range r.Entries {
		if e.Outcome == o {
			n++
		}
	}
	return n
}

// Failures returns the entries for files that could not be loaded.
func (r Report) Failures() []ReportEntry {
	var out []ReportEntry
	for _, e := range r.Entries {
		if e.Outcome == OutcomeInvalid || e.Outcome == OutcomeError {
			out = append(out, e)
		}
	}
	return out
}

// DiscoveryError describes a template file that could not be parsed or
// validated. It is recorded per file and never aborts the scan.
type DiscoveryError struct {
	Path   string
	Errors []VError
	Err    error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %d validation error(s)", e.Path, len(e.Errors))
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// DiscoveryRecorder receives discovery outcomes for metrics.
type DiscoveryRecorder interface {
	RecordDiscovery(outcome string)
	SetWorkflowsLoaded(n int)
}

// Discoverer scans template roots and builds a Catalog.
type Discoverer struct {
	loader    *Loader
	validator *Validator
	logger    *zap.Logger
	recorder  DiscoveryRecorder
}

// DiscovererOption configures a Discoverer.
type DiscovererOption func(*Discoverer)

// WithLogger sets the logger used for shadowing and failure warnings.
func WithLogger(l *zap.Logger) DiscovererOption {
	return func(d *Discoverer) { d.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r DiscoveryRecorder) DiscovererOption {
	return func(d *Discoverer) { d.recorder = r }
}

// NewDiscoverer creates a Discoverer.
func NewDiscoverer(loader *Loader, validator *Validator, opts ...DiscovererOption) *Discoverer {
	d := &Discoverer{
		loader:    loader,
		validator: validator,
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Validate checks an already parsed template.
func (d *Discoverer) Validate(raw map[string]any) (model.WorkflowDefinition, []VError) {
	return d.validator.Validate(raw)
}

// Discover walks every root in order and returns the catalog of valid,
// enabled workflows together with a report covering every file. A bad file
// or a missing root is recorded in the report and never aborts the pass.
// When two files declare the same ID the later one wins.
func (d *Discoverer) Discover(roots []Root) (*Catalog, Report) {
	var report Report
	var defs []model.WorkflowDefinition
	index := make(map[string]int)   // workflow ID -> position in defs
	entryOf := make(map[string]int) // workflow ID -> report entry of the winner

	record := func(e ReportEntry) int {
		report.Entries = append(report.Entries, e)
		if d.recorder != nil {
			d.recorder.RecordDiscovery(string(e.Outcome))
		}
		return len(report.Entries) - 1
	}

	for _, root := range roots {
		err := filepath.WalkDir(root.Path, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				if path == root.Path {
					return err
				}
				record(ReportEntry{Path: path, Outcome: OutcomeError, Message: err.Error()})
				return nil
			}
			if entry.IsDir() || !IsTemplateFile(path) {
				return nil
			}

			def, derr := d.load(path, root)
			if derr != nil {
				msg := ""
				if derr.Err != nil {
					msg = derr.Err.Error()
				}
				d.logger.Warn("workflow template rejected",
					zap.String("path", path),
					zap.Int("errors", len(derr.Errors)),
					zap.String("reason", msg),
				)
				record(ReportEntry{Path: path, Outcome: OutcomeInvalid, Message: msg, Errors: derr.Errors})
				return nil
			}

			if def.Disabled {
				record(ReportEntry{Path: path, WorkflowID: def.ID, Outcome: OutcomeDisabled,
					Message: "workflow is disabled"})
				return nil
			}

			if pos, dup := index[def.ID]; dup {
				prev := defs[pos]
				d.logger.Warn("workflow id shadowed by later definition",
					zap.String("workflow_id", def.ID),
					zap.String("shadowed", prev.SourceFile),
					zap.String("by", path),
				)
				shadowed := &report.Entries[entryOf[def.ID]]
				shadowed.Outcome = OutcomeShadowed
				shadowed.Message = fmt.Sprintf("overridden by %s", path)
				if d.recorder != nil {
					d.recorder.RecordDiscovery(string(OutcomeShadowed))
				}
				defs[pos] = def
			} else {
				index[def.ID] = len(defs)
				defs = append(defs, def)
			}
			entryOf[def.ID] = record(ReportEntry{Path: path, WorkflowID: def.ID, Outcome: OutcomeLoaded})
			return nil
		})
		if err != nil {
			msg := err.Error()
			if errors.Is(err, os.ErrNotExist) {
				msg = "root directory does not exist"
			}
			d.logger.Warn("discovery root unreadable", zap.String("root", root.Path), zap.Error(err))
			record(ReportEntry{Path: root.Path, Outcome: OutcomeError, Message: msg})
		}
	}

	catalog := NewCatalog(defs)
	if d.recorder != nil {
		d.recorder.SetWorkflowsLoaded(catalog.Len())
	}
	d.logger.Info("workflow discovery complete",
		zap.Int("loaded", catalog.Len()),
		zap.Int("invalid", report.Count(OutcomeInvalid)),
		zap.Int("disabled", report.Count(OutcomeDisabled)),
		zap.Int("shadowed", report.Count(OutcomeShadowed)),
		zap.String("checksum", catalog.Checksum()),
	)
	return catalog, report
}

func (d *Discoverer) load(path string, root Root) (model.WorkflowDefinition, *DiscoveryError) {
	raw, err := d.loader.LoadFile(path)
	if err != nil {
		return model.WorkflowDefinition{}, &DiscoveryError{Path: path, Err: err}
	}

	def, verrs := d.validator.Validate(raw.Data)
	if len(verrs) > 0 {
		return model.WorkflowDefinition{}, &DiscoveryError{Path: path, Errors: verrs}
	}

	def.SourceFile = path
	def.Checksum = raw.Checksum
	if def.Source == "" {
		def.Source = root.Source
	}
	if def.Source == "" {
		def.Source = model.SourceCore
	}
	return def, nil
}
