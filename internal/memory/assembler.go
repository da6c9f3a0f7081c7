// Package memory assembles named text blocks from heterogeneous sources for
// AI steps.
package memory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openweavr/weavr/internal/logging"
	"github.com/openweavr/weavr/internal/search"
	"github.com/openweavr/weavr/internal/template"
	"github.com/openweavr/weavr/internal/webtext"
	"github.com/openweavr/weavr/pkg/schema"
)

// DefaultSeparator joins source texts when a block sets none.
const DefaultSeparator = "\n---\n"

// URLFetcher downloads a page as text. Satisfied by *webtext.Fetcher.
type URLFetcher interface {
	Fetch(ctx context.Context, url string, maxChars int) (string, error)
}

// Assembler builds memory blocks. Safe for concurrent use.
type Assembler struct {
	fetcher  URLFetcher
	searcher search.Searcher
	logger   *zap.Logger
}

// New creates an Assembler. fetcher and searcher may be nil, in which case
// url and web_search sources render as unavailable.
func New(fetcher URLFetcher, searcher search.Searcher, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{fetcher: fetcher, searcher: searcher, logger: logger}
}

// Assemble builds every block concurrently and returns text keyed by block id.
// Source failures are rendered inline and never fail the call; only context
// cancellation does.
func (a *Assembler) Assemble(ctx context.Context, blocks []schema.MemoryBlockSpec, scope *template.Scope) (map[string]string, error) {
	out := make(map[string]string, len(blocks))
	if len(blocks) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range blocks {
		g.Go(func() error {
			text := a.Block(gctx, spec, scope)
			if err := gctx.Err(); err != nil {
				return err
			}
			mu.Lock()
			out[spec.ID] = text
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Block assembles a single memory block.
func (a *Assembler) Block(ctx context.Context, spec schema.MemoryBlockSpec, scope *template.Scope) string {
	texts := make([]string, len(spec.Sources))
	named := make(map[string]any, len(spec.Sources))
	for i, src := range spec.Sources {
		id := sourceID(src, i)
		text, err := a.resolve(ctx, src, scope)
		if err != nil {
			logging.LogWith(ctx, a.logger).Warn("memory source unavailable",
				zap.String("block", spec.ID),
				zap.String("source", id),
				zap.String("type", string(src.Type)),
				zap.Error(err),
			)
			text = fmt.Sprintf("[source %s unavailable: %v]", id, err)
		}
		texts[i] = text
		named[id] = text
	}

	sep := DefaultSeparator
	if spec.Separator != nil {
		sep = *spec.Separator
	}

	var result string
	if spec.Template != "" {
		s := withSources(scope, named)
		result, _ = template.New().String(spec.Template, s)
	} else {
		result = strings.Join(texts, sep)
	}

	if spec.Dedupe {
		result = dedupe(result, sep)
	}
	return webtext.Truncate(result, spec.MaxChars)
}

func (a *Assembler) resolve(ctx context.Context, src schema.MemorySource, scope *template.Scope) (string, error) {
	switch src.Type {
	case schema.MemorySourceText:
		return template.New().String(src.Value, scope)

	case schema.MemorySourceFile:
		if src.Path == "" {
			return "", fmt.Errorf("file source has no path")
		}
		data, err := os.ReadFile(src.Path)
		if err != nil {
			return "", err
		}
		return webtext.Truncate(string(data), src.MaxChars), nil

	case schema.MemorySourceURL:
		if a.fetcher == nil {
			return "", fmt.Errorf("url fetching is not configured")
		}
		return a.fetcher.Fetch(ctx, src.URL, src.MaxChars)

	case schema.MemorySourceWebSearch:
		if a.searcher == nil {
			return "", fmt.Errorf("web search is not configured")
		}
		results, err := a.searcher.Search(ctx, src.Query, src.Limit)
		if err != nil {
			return "", err
		}
		return webtext.Truncate(search.Fold(results), src.MaxChars), nil

	case schema.MemorySourceStep, schema.MemorySourceTrigger:
		path := qualifiedPath(string(src.Type), src.Path)
		v, ok := template.Lookup(path, scope)
		if !ok {
			return "", fmt.Errorf("path %q not found", path)
		}
		return webtext.Truncate(template.Stringify(v), src.MaxChars), nil

	default:
		return "", fmt.Errorf("unknown source type %q", src.Type)
	}
}

// qualifiedPath prefixes step/trigger paths with their namespace when the
// author left it off: "fetch.body" -> "steps.fetch.body".
func qualifiedPath(kind, path string) string {
	ns := "trigger"
	if kind == string(schema.MemorySourceStep) {
		ns = "steps"
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return ns
	}
	if path == ns || strings.HasPrefix(path, ns+".") || strings.HasPrefix(path, ns+"[") {
		return path
	}
	return ns + "." + path
}

func sourceID(src schema.MemorySource, i int) string {
	if src.ID != "" {
		return src.ID
	}
	return fmt.Sprintf("%s_%d", src.Type, i)
}

func withSources(scope *template.Scope, named map[string]any) *template.Scope {
	s := &template.Scope{}
	if scope != nil {
		*s = *scope
	}
	vars := make(map[string]any, len(s.Vars)+1)
	for k, v := range s.Vars {
		vars[k] = v
	}
	vars["sources"] = named
	s.Vars = vars
	return s
}

// dedupe drops lines whose whitespace-normalized, case-folded form was seen
// before. Blank lines and separator lines are always kept.
func dedupe(text, sep string) string {
	keep := map[string]bool{}
	for _, l := range strings.Split(sep, "\n") {
		if n := normalize(l); n != "" {
			keep[n] = true
		}
	}

	seen := map[string]bool{}
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, l := range lines {
		n := normalize(l)
		if n != "" && !keep[n] {
			if seen[n] {
				continue
			}
			seen[n] = true
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

func normalize(line string) string {
	return strings.ToLower(strings.Join(strings.Fields(line), " "))
}
