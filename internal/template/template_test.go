package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openweavr/weavr/pkg/schema"
)

func testScope() *Scope {
	return &Scope{
		Trigger: map[string]any{
			"body":    map[string]any{"ref": "refs/heads/main", "commits": []any{"c1", "c2"}},
			"headers": map[string]string{"X-Event": "push"},
		},
		Steps: map[string]any{
			"fetch": map[string]any{
				"status_code": 200,
				"data": map[string]any{
					"items": []any{
						map[string]any{"name": "first", "score": 1.5},
						map[string]any{"name": "second", "score": 2.0},
					},
					"display name": "Report",
				},
			},
			"plain": "hello",
		},
		Memory: map[string]string{"context": "background notes"},
		Vars:   map[string]any{"sources": map[string]any{"notes": "n1"}},
	}
}

func TestResolve_NoExpressionsUnchanged(t *testing.T) {
	for _, s := range []string{"", "plain text", "a } b { c", "}} reversed"} {
		assert.Equal(t, s, Resolve(s, testScope()))
	}
}

func TestResolve_Idempotent(t *testing.T) {
	once := Resolve("ref={{ trigger.body.ref }}", testScope())
	twice := Resolve(once, testScope())
	assert.Equal(t, "ref=refs/heads/main", once)
	assert.Equal(t, once, twice)
}

func TestResolve_WholeValueKeepsType(t *testing.T) {
	s := testScope()

	assert.Equal(t, 200, Resolve("{{ steps.fetch.status_code }}", s))
	assert.Equal(t, []any{"c1", "c2"}, Resolve("{{trigger.body.commits}}", s))
	assert.Equal(t, 1.5, Resolve("  {{ steps.fetch.data.items[0].score }}  ", s))

	items := Resolve("{{ steps.fetch.data.items }}", s)
	require.IsType(t, []any{}, items)
	assert.Len(t, items, 2)
}

func TestResolve_SplicedIsStringified(t *testing.T) {
	s := testScope()

	assert.Equal(t, "code=200", Resolve("code={{ steps.fetch.status_code }}", s))
	assert.Equal(t, `commits: ["c1","c2"]`, Resolve("commits: {{ trigger.body.commits }}", s))
	assert.Equal(t, "second/2", Resolve("{{ steps.fetch.data.items[1].name }}/{{ steps.fetch.data.items[1].score }}", s))
}

func TestResolve_BracketAndQuotedKeys(t *testing.T) {
	s := testScope()

	assert.Equal(t, "Report", Resolve(`{{ steps.fetch.data["display name"] }}`, s))
	assert.Equal(t, "push", Resolve(`{{ trigger.headers['X-Event'] }}`, s))
	assert.Equal(t, "second", Resolve("{{ steps.fetch.data.items[-1].name }}", s))
}

func TestResolve_OutputAlias(t *testing.T) {
	s := testScope()

	assert.Equal(t, 200, Resolve("{{ steps.fetch.output.status_code }}", s))
	assert.Equal(t, "hello", Resolve("{{ steps.plain.output }}", s))
	assert.Equal(t, "hello", Resolve("{{ steps.plain }}", s))
}

func TestResolve_MemoryAndVars(t *testing.T) {
	s := testScope()

	assert.Equal(t, "ctx: background notes", Resolve("ctx: {{ memory.blocks.context }}", s))
	assert.Equal(t, "n1", Resolve("{{ sources.notes }}", s))
}

func TestResolve_MissingIsEmptyWhenLenient(t *testing.T) {
	s := testScope()

	assert.Equal(t, "", Resolve("{{ steps.nope.value }}", s))
	assert.Equal(t, "x=", Resolve("x={{ trigger.body.missing }}", s))
	assert.Equal(t, "", Resolve("{{ steps.fetch.data.items[9] }}", s))
	assert.Equal(t, "", Resolve("{{ bogus.path }}", s))
}

func TestResolve_StrictMode(t *testing.T) {
	e := New(Strict())

	_, err := e.Resolve("x={{ trigger.body.missing }}", testScope())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTemplate))

	out, err := e.Resolve("{{ trigger.body.ref }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/main", out)
}

func TestResolve_UnbalancedLeftVerbatim(t *testing.T) {
	s := testScope()

	assert.Equal(t, "open {{ trigger.body.ref", Resolve("open {{ trigger.body.ref", s))
	assert.Equal(t, "{{ a refs/heads/main", Resolve("{{ a {{ trigger.body.ref }}", s))
	assert.Equal(t, "empty {{}} stays", Resolve("empty {{}} stays", s))
}

func TestResolve_NestedStructures(t *testing.T) {
	in := map[string]any{
		"url":  "https://example.com/{{ steps.fetch.data.items[0].name }}",
		"list": []any{"{{ steps.fetch.status_code }}", 7, true},
		"deep": map[string]any{"ref": "{{ trigger.body.ref }}"},
	}

	out := Resolve(in, testScope()).(map[string]any)
	assert.Equal(t, "https://example.com/first", out["url"])
	assert.Equal(t, []any{200, 7, true}, out["list"])
	assert.Equal(t, "refs/heads/main", out["deep"].(map[string]any)["ref"])

	// Input is not mutated.
	assert.Equal(t, "{{ trigger.body.ref }}", in["deep"].(map[string]any)["ref"])
}

func TestLookup(t *testing.T) {
	v, ok := Lookup("steps.fetch.data.items[1].name", testScope())
	assert.True(t, ok)
	assert.Equal(t, "second", v)

	_, ok = Lookup("steps.fetch..x", testScope())
	assert.False(t, ok)

	_, ok = Lookup("memory.other", testScope())
	assert.False(t, ok)
}

func TestHasExpressions(t *testing.T) {
	assert.True(t, HasExpressions(map[string]any{"a": []any{"x {{ y }}"}}))
	assert.False(t, HasExpressions(map[string]any{"a": []any{"x", 1}}))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "3", Stringify(3.0))
	assert.Equal(t, "2.5", Stringify(2.5))
	assert.Equal(t, "42", Stringify(int64(42)))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]any{"a": 1}))
}
