// Package aggregator implements the Cache Aggregator: a single merged
// view over a root Index Source and zero or more extra Index Sources.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/proxpi/proxpi/internal/index"
)

// Source is the subset of *index.Source's behavior the aggregator
// depends on. Declared here (rather than depending on the concrete
// type) so tests can supply fakes without standing up an HTTP server.
type Source interface {
	ListProjects(ctx context.Context) ([]index.Project, error)
	ListFiles(ctx context.Context, name string) ([]index.File, bool, error)
	InvalidateList()
	InvalidateProject(name string)
}

// Aggregator composes a root Source with an ordered list of extra
// Sources. The root is always index 0; extras are 1..N in the order
// given to New, matching the CacheDirectory layout of spec.md §3.
type Aggregator struct {
	root   Source
	extras []Source
}

// New constructs an Aggregator. extras are consulted in the given
// order after root.
func New(root Source, extras ...Source) *Aggregator {
	return &Aggregator{root: root, extras: extras}
}

func (a *Aggregator) sources() []Source {
	out := make([]Source, 0, len(a.extras)+1)
	out = append(out, a.root)
	out = append(out, a.extras...)
	return out
}

// ListProjects returns the union of every source's project list,
// ordered deterministically by normalized name. Display-name
// preference goes to the root for any name it lists, then to the
// first extra that lists it. A source that fails is skipped; the
// aggregator only surfaces index.ErrUpstreamUnavailable if every
// source failed.
func (a *Aggregator) ListProjects(ctx context.Context) ([]index.Project, error) {
	merged := make(map[string]index.Project)

	var lastErr error
	anySuccess := false

	for _, src := range a.sources() {
		projects, err := src.ListProjects(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		anySuccess = true
		for _, p := range projects {
			if _, exists := merged[p.Name]; !exists {
				merged[p.Name] = p
			}
		}
	}

	if !anySuccess {
		return nil, fmt.Errorf("%w: %s", index.ErrUpstreamUnavailable, lastErr)
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]index.Project, len(names))
	for i, name := range names {
		out[i] = merged[name]
	}
	return out, nil
}

// ListFiles returns the winning source's file list for project, per
// the ordering described on winningSource.
func (a *Aggregator) ListFiles(ctx context.Context, project string) ([]index.File, error) {
	_, files, err := a.winningSource(ctx, project)
	return files, err
}

// ResolveFile locates the File record for (project, filename) within
// the winning source for project, and reports that source's index
// identifier so the File Cache can key its on-disk layout on it.
func (a *Aggregator) ResolveFile(ctx context.Context, project, filename string) (int, index.File, error) {
	id, files, err := a.winningSource(ctx, project)
	if err != nil {
		return 0, index.File{}, err
	}
	for _, f := range files {
		if f.Name == filename {
			return id, f, nil
		}
	}
	return 0, index.File{}, index.ErrNotFound
}

// winningSource queries sources in order (root first). The root wins
// if it lists the project with at least one file; otherwise the first
// extra with a non-empty file list wins. A source that reports the
// project known but with zero files is remembered as a fallback: it
// wins only if no later source has a non-empty list, so a project
// shared across sources still resolves to a non-empty listing when one
// exists. index.ErrInvalidName from a source is returned unchanged.
// index.ErrNotFound is returned only if every source reported the
// project unknown; index.ErrUpstreamUnavailable if no source knows the
// project and at least one source failed.
func (a *Aggregator) winningSource(ctx context.Context, project string) (int, []index.File, error) {
	var lastErr error
	knownID := -1
	var knownFiles []index.File

	for id, src := range a.sources() {
		files, found, err := src.ListFiles(ctx, project)
		if errors.Is(err, index.ErrInvalidName) {
			return 0, nil, err
		}
		if err != nil {
			lastErr = err
			continue
		}
		if !found {
			continue
		}
		if len(files) > 0 {
			return id, files, nil
		}
		if knownID == -1 {
			knownID, knownFiles = id, files
		}
	}

	if knownID != -1 {
		return knownID, knownFiles, nil
	}
	if lastErr != nil {
		return 0, nil, fmt.Errorf("%w: %s", index.ErrUpstreamUnavailable, lastErr)
	}
	return 0, nil, index.ErrNotFound
}

// InvalidateList drops the cached root listing on every source.
func (a *Aggregator) InvalidateList() {
	for _, src := range a.sources() {
		src.InvalidateList()
	}
}

// InvalidateProject drops the named project's cached listing on every
// source.
func (a *Aggregator) InvalidateProject(name string) {
	for _, src := range a.sources() {
		src.InvalidateProject(name)
	}
}
