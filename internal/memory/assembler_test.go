package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openweavr/weavr/internal/search"
	"github.com/openweavr/weavr/internal/template"
	"github.com/openweavr/weavr/pkg/schema"
)

type fakeFetcher struct {
	pages map[string]string
}

func (f fakeFetcher) Fetch(_ context.Context, url string, maxChars int) (string, error) {
	p, ok := f.pages[url]
	if !ok {
		return "", errors.New("HTTP 404")
	}
	if maxChars > 0 && len(p) > maxChars {
		p = p[:maxChars]
	}
	return p, nil
}

type fakeSearcher struct{}

func (fakeSearcher) Search(_ context.Context, query string, limit int) ([]search.Result, error) {
	all := []search.Result{
		{Title: "One", URL: "https://one", Snippet: query + " 1"},
		{Title: "Two", URL: "https://two", Snippet: query + " 2"},
		{Title: "Three", URL: "https://three", Snippet: query + " 3"},
	}
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func ptr(s string) *string { return &s }

func scope() *template.Scope {
	return &template.Scope{
		Trigger: map[string]any{"body": map[string]any{"title": "Issue 42"}},
		Steps:   map[string]any{"fetch": map[string]any{"summary": "all green"}},
	}
}

func TestBlock_JoinsSourcesInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("file contents that are long"), 0o644))

	a := New(fakeFetcher{pages: map[string]string{"https://docs": "doc text"}}, fakeSearcher{}, nil)
	spec := schema.MemoryBlockSpec{
		ID: "ctx",
		Sources: []schema.MemorySource{
			{Type: schema.MemorySourceText, Value: "inline"},
			{Type: schema.MemorySourceFile, Path: path, MaxChars: 13},
			{Type: schema.MemorySourceURL, URL: "https://docs"},
			{Type: schema.MemorySourceWebSearch, Query: "go", Limit: 1},
			{Type: schema.MemorySourceStep, Path: "fetch.summary"},
			{Type: schema.MemorySourceTrigger, Path: "trigger.body.title"},
		},
	}

	got := a.Block(context.Background(), spec, scope())
	want := strings.Join([]string{
		"inline",
		"file contents",
		"doc text",
		"One\nhttps://one\ngo 1",
		"all green",
		"Issue 42",
	}, DefaultSeparator)
	assert.Equal(t, want, got)
}

func TestBlock_CustomSeparatorAndTemplate(t *testing.T) {
	a := New(nil, nil, nil)

	got := a.Block(context.Background(), schema.MemoryBlockSpec{
		ID:        "b",
		Separator: ptr(" | "),
		Sources: []schema.MemorySource{
			{Type: schema.MemorySourceText, Value: "a"},
			{Type: schema.MemorySourceText, Value: "b"},
		},
	}, nil)
	assert.Equal(t, "a | b", got)

	got = a.Block(context.Background(), schema.MemoryBlockSpec{
		ID:       "t",
		Template: "Title: {{ sources.title }}\nStatus: {{ sources.status }}",
		Sources: []schema.MemorySource{
			{ID: "status", Type: schema.MemorySourceStep, Path: "fetch.summary"},
			{ID: "title", Type: schema.MemorySourceTrigger, Path: "body.title"},
		},
	}, scope())
	assert.Equal(t, "Title: Issue 42\nStatus: all green", got)
}

func TestBlock_FailingSourceIsInlined(t *testing.T) {
	a := New(fakeFetcher{}, nil, nil)

	got := a.Block(context.Background(), schema.MemoryBlockSpec{
		ID: "b",
		Sources: []schema.MemorySource{
			{ID: "docs", Type: schema.MemorySourceURL, URL: "https://missing"},
			{Type: schema.MemorySourceText, Value: "still here"},
			{ID: "q", Type: schema.MemorySourceWebSearch, Query: "x"},
		},
	}, nil)

	assert.Contains(t, got, "[source docs unavailable: HTTP 404]")
	assert.Contains(t, got, "still here")
	assert.Contains(t, got, "[source q unavailable: web search is not configured]")
}

func TestBlock_DedupeBeforeMaxChars(t *testing.T) {
	a := New(nil, nil, nil)

	spec := schema.MemoryBlockSpec{
		ID:     "b",
		Dedupe: true,
		Sources: []schema.MemorySource{
			{Type: schema.MemorySourceText, Value: "alpha\nbeta"},
			{Type: schema.MemorySourceText, Value: "  Alpha \ngamma"},
			{Type: schema.MemorySourceText, Value: "beta"},
		},
	}
	assert.Equal(t, "alpha\nbeta\n---\ngamma\n---", a.Block(context.Background(), spec, nil))

	spec.MaxChars = 10
	assert.Equal(t, "alpha\nbeta", a.Block(context.Background(), spec, nil))
}

func TestAssemble_AllBlocks(t *testing.T) {
	a := New(nil, nil, nil)

	blocks := []schema.MemoryBlockSpec{
		{ID: "one", Sources: []schema.MemorySource{{Type: schema.MemorySourceText, Value: "1"}}},
		{ID: "two", Sources: []schema.MemorySource{{Type: schema.MemorySourceText, Value: "{{ trigger.body.title }}"}}},
	}
	out, err := a.Assemble(context.Background(), blocks, scope())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"one": "1", "two": "Issue 42"}, out)
}

func TestAssemble_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(nil, nil, nil).Assemble(ctx, []schema.MemoryBlockSpec{{ID: "x"}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQualifiedPath(t *testing.T) {
	assert.Equal(t, "steps.fetch.body", qualifiedPath("step", "fetch.body"))
	assert.Equal(t, "steps.fetch", qualifiedPath("step", "steps.fetch"))
	assert.Equal(t, "trigger.body", qualifiedPath("trigger", "body"))
	assert.Equal(t, "trigger", qualifiedPath("trigger", ""))
}
