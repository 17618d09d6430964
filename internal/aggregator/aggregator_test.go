package aggregator_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxpi/proxpi/internal/aggregator"
	"github.com/proxpi/proxpi/internal/index"
)

// fakeSource is an in-memory index.Source stand-in for aggregator
// tests; it never touches the network.
type fakeSource struct {
	projects        []index.Project
	projectsErr     error
	files           map[string][]index.File
	filesFound      map[string]bool
	filesErr        map[string]error
	invalidateList  int
	invalidateNames []string
}

func (f *fakeSource) ListProjects(context.Context) ([]index.Project, error) {
	return f.projects, f.projectsErr
}

func (f *fakeSource) ListFiles(_ context.Context, name string) ([]index.File, bool, error) {
	if err, ok := f.filesErr[name]; ok {
		return nil, false, err
	}
	return f.files[name], f.filesFound[name], nil
}

func (f *fakeSource) InvalidateList() {
	f.invalidateList++
}

func (f *fakeSource) InvalidateProject(name string) {
	f.invalidateNames = append(f.invalidateNames, name)
}

func TestListProjects_UnionWithRootPrecedence(t *testing.T) {
	t.Parallel()

	root := &fakeSource{projects: []index.Project{{Name: "jinja2", DisplayName: "Jinja2"}}}
	extra := &fakeSource{projects: []index.Project{
		{Name: "jinja2", DisplayName: "jinja2-extra-display"},
		{Name: "lefty-widget", DisplayName: "lefty_widget"},
	}}

	agg := aggregator.New(root, extra)

	projects, err := agg.ListProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 2)

	// deterministic order by normalized name
	assert.Equal(t, "jinja2", projects[0].Name)
	assert.Equal(t, "Jinja2", projects[0].DisplayName, "root display name must win")
	assert.Equal(t, "lefty-widget", projects[1].Name)
	assert.Equal(t, "lefty_widget", projects[1].DisplayName)
}

func TestListProjects_AllSourcesFailSurfacesUpstreamUnavailable(t *testing.T) {
	t.Parallel()

	root := &fakeSource{projectsErr: errors.New("boom")}
	extra := &fakeSource{projectsErr: errors.New("boom too")}

	agg := aggregator.New(root, extra)

	_, err := agg.ListProjects(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, index.ErrUpstreamUnavailable)
}

func TestListProjects_PartialFailureStillReturnsUnion(t *testing.T) {
	t.Parallel()

	root := &fakeSource{projectsErr: errors.New("boom")}
	extra := &fakeSource{projects: []index.Project{{Name: "jinja2", DisplayName: "Jinja2"}}}

	agg := aggregator.New(root, extra)

	projects, err := agg.ListProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 1)
}

func TestListFiles_RootWinsWhenNonEmpty(t *testing.T) {
	t.Parallel()

	root := &fakeSource{
		files:      map[string][]index.File{"jinja2": {{Name: "jinja2-3.1.0.whl"}}},
		filesFound: map[string]bool{"jinja2": true},
	}
	extra := &fakeSource{
		files:      map[string][]index.File{"jinja2": {{Name: "jinja2-9.9.9.whl"}}},
		filesFound: map[string]bool{"jinja2": true},
	}

	agg := aggregator.New(root, extra)

	files, err := agg.ListFiles(context.Background(), "jinja2")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "jinja2-3.1.0.whl", files[0].Name)
}

func TestResolveFile_FallsThroughToExtraWhenRootLacksProject(t *testing.T) {
	t.Parallel()

	root := &fakeSource{
		files:      map[string][]index.File{"lefty": nil},
		filesFound: map[string]bool{"lefty": false},
	}
	extra := &fakeSource{
		files:      map[string][]index.File{"lefty": {{Name: "lefty-1.0.whl"}}},
		filesFound: map[string]bool{"lefty": true},
	}

	agg := aggregator.New(root, extra)

	id, f, err := agg.ResolveFile(context.Background(), "lefty", "lefty-1.0.whl")
	require.NoError(t, err)
	assert.Equal(t, 1, id, "extra index 1 must win")
	assert.Equal(t, "lefty-1.0.whl", f.Name)
}

func TestListFiles_NotFoundEverywhere(t *testing.T) {
	t.Parallel()

	root := &fakeSource{filesFound: map[string]bool{"ghost": false}}
	extra := &fakeSource{filesFound: map[string]bool{"ghost": false}}

	agg := aggregator.New(root, extra)

	_, err := agg.ListFiles(context.Background(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, index.ErrNotFound)
}

func TestListFiles_AllFailSurfacesUpstreamUnavailable(t *testing.T) {
	t.Parallel()

	root := &fakeSource{filesErr: map[string]error{"jinja2": errors.New("timeout")}}
	extra := &fakeSource{filesErr: map[string]error{"jinja2": errors.New("timeout")}}

	agg := aggregator.New(root, extra)

	_, err := agg.ListFiles(context.Background(), "jinja2")
	require.Error(t, err)
	assert.ErrorIs(t, err, index.ErrUpstreamUnavailable)
}

func TestResolveFile_NotFoundWithinWinningSource(t *testing.T) {
	t.Parallel()

	root := &fakeSource{
		files:      map[string][]index.File{"jinja2": {{Name: "jinja2-3.1.0.whl"}}},
		filesFound: map[string]bool{"jinja2": true},
	}

	agg := aggregator.New(root)

	_, _, err := agg.ResolveFile(context.Background(), "jinja2", "does-not-exist.whl")
	require.Error(t, err)
	assert.ErrorIs(t, err, index.ErrNotFound)
}

func TestInvalidate_FansOutToAllSources(t *testing.T) {
	t.Parallel()

	root := &fakeSource{}
	extra := &fakeSource{}

	agg := aggregator.New(root, extra)

	agg.InvalidateList()
	assert.Equal(t, 1, root.invalidateList)
	assert.Equal(t, 1, extra.invalidateList)

	agg.InvalidateProject("jinja2")
	assert.Equal(t, []string{"jinja2"}, root.invalidateNames)
	assert.Equal(t, []string{"jinja2"}, extra.invalidateNames)
}
