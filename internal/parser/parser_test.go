package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openweavr/weavr/pkg/schema"
)

const digestWorkflow = `
name: daily-digest
description: fetch and summarize
trigger:
  type: cron.schedule
  with:
    expression: "0 9 * * *"
memory:
  - id: context
    maxChars: 500
    sources:
      - type: text
        value: hello
steps:
  - id: fetch
    action: http.get
    with:
      url: https://example.com/feed
  - id: summarize
    action: ai.complete
    needs: [fetch]
    if: 'steps.fetch.status == 200'
    with:
      prompt: "{{ steps.fetch.body }}"
  - id: notify
    action: core.log
    needs: [summarize, fetch]
`

func TestParse(t *testing.T) {
	wf, err := Parse([]byte(digestWorkflow))
	require.NoError(t, err)

	assert.Equal(t, "daily-digest", wf.Name)
	require.NotNil(t, wf.Trigger)
	assert.Equal(t, "cron.schedule", wf.Trigger.Type)
	assert.Equal(t, "0 9 * * *", wf.Trigger.With["expression"])
	require.Len(t, wf.Steps, 3)
	assert.Equal(t, []string{"fetch"}, wf.Steps[1].Needs)
	assert.Equal(t, "steps.fetch.status == 200", wf.Steps[1].If)
	require.Len(t, wf.Memory, 1)
	assert.Equal(t, 500, wf.Memory[0].MaxChars)
	assert.Equal(t, schema.MemorySourceText, wf.Memory[0].Sources[0].Type)
}

func TestParseJSON(t *testing.T) {
	src := `{"name": "j", "steps": [{"id": "a", "action": "core.noop"}]}`
	wf, err := Parse([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, "j", wf.Name)
	assert.Nil(t, wf.Trigger)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
		msg  string
	}{
		{
			name: "empty",
			src:  "   ",
			code: schema.ErrCodeParse,
		},
		{
			name: "malformed yaml",
			src:  "name: [unclosed",
			code: schema.ErrCodeParse,
		},
		{
			name: "missing name",
			src:  "steps:\n  - id: a\n    action: core.noop\n",
			code: schema.ErrCodeParse,
			msg:  "name is required",
		},
		{
			name: "no steps",
			src:  "name: x\nsteps: []\n",
			code: schema.ErrCodeParse,
			msg:  "no steps",
		},
		{
			name: "step missing action",
			src:  "name: x\nsteps:\n  - id: a\n",
			code: schema.ErrCodeParse,
		},
		{
			name: "wrong type",
			src:  "name: x\nsteps:\n  - id: a\n    action: core.noop\n    needs: b\n",
			code: schema.ErrCodeParse,
		},
		{
			name: "duplicate id",
			src:  "name: x\nsteps:\n  - id: a\n    action: core.noop\n  - id: a\n    action: core.noop\n",
			code: schema.ErrCodeParse,
			msg:  "duplicate step id: a",
		},
		{
			name: "unknown dependency",
			src:  "name: x\nsteps:\n  - id: a\n    action: core.noop\n    needs: [ghost]\n",
			code: schema.ErrCodeUnknownDependency,
			msg:  "ghost",
		},
		{
			name: "self cycle",
			src:  "name: x\nsteps:\n  - id: a\n    action: core.noop\n    needs: [a]\n",
			code: schema.ErrCodeCyclicDependency,
			msg:  "a -> a",
		},
		{
			name: "empty trigger type",
			src:  "name: x\ntrigger:\n  with: {}\nsteps:\n  - id: a\n    action: core.noop\n",
			code: schema.ErrCodeParse,
			msg:  "trigger type",
		},
		{
			name: "unknown memory source",
			src:  "name: x\nmemory:\n  - id: m\n    sources:\n      - type: carrier_pigeon\nsteps:\n  - id: a\n    action: core.noop\n",
			code: schema.ErrCodeParse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf, err := Parse([]byte(tt.src))
			require.Error(t, err)
			assert.Nil(t, wf)
			assert.Equal(t, tt.code, schema.CodeOf(err), err.Error())
			if tt.msg != "" {
				assert.Contains(t, err.Error(), tt.msg)
			}
		})
	}
}

func TestParseCyclePath(t *testing.T) {
	src := `
name: loop
steps:
  - id: a
    action: core.noop
    needs: [c]
  - id: b
    action: core.noop
    needs: [a]
  - id: c
    action: core.noop
    needs: [b]
`
	_, err := Parse([]byte(src))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCyclicDependency))
	assert.Contains(t, err.Error(), "a -> c -> b -> a")

	var perr *schema.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []string{"a", "c", "b", "a"}, perr.Details["cycle"])
}

func TestBuildGraph(t *testing.T) {
	wf, err := Parse([]byte(digestWorkflow))
	require.NoError(t, err)

	g, err := BuildGraph(wf)
	require.NoError(t, err)

	assert.Equal(t, []string{"fetch"}, g.Roots)
	assert.Equal(t, []string{"fetch", "summarize", "notify"}, g.Order)
	assert.ElementsMatch(t, []string{"summarize", "notify"}, g.Dependents["fetch"])
	assert.Equal(t, []string{"summarize", "fetch"}, g.Dependencies["notify"])
	assert.ElementsMatch(t, []string{"summarize", "notify"}, g.Transitive("fetch"))
	assert.Empty(t, g.Transitive("notify"))
}

func TestBuildGraphDuplicateNeeds(t *testing.T) {
	wf := &schema.Workflow{
		Name: "dup",
		Steps: []schema.StepSpec{
			{ID: "a", Action: "core.noop"},
			{ID: "b", Action: "core.noop", Needs: []string{"a", "a"}},
		},
	}
	g, err := BuildGraph(wf)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, g.Dependencies["b"])
	assert.Equal(t, []string{"b"}, g.Dependents["a"])
}

func TestOrderRespectsDependencies(t *testing.T) {
	src := `
name: diamond
steps:
  - id: join
    action: core.noop
    needs: [left, right]
  - id: left
    action: core.noop
    needs: [root]
  - id: right
    action: core.noop
    needs: [root]
  - id: root
    action: core.noop
`
	wf, err := Parse([]byte(src))
	require.NoError(t, err)
	g, err := BuildGraph(wf)
	require.NoError(t, err)

	pos := make(map[string]int)
	for i, id := range g.Order {
		pos[id] = i
	}
	require.Len(t, pos, 4)
	for id, deps := range g.Dependencies {
		for _, dep := range deps {
			assert.Less(t, pos[dep], pos[id], "%s before %s", dep, id)
		}
	}
}

func TestParseReader(t *testing.T) {
	wf, err := ParseReader(strings.NewReader(digestWorkflow))
	require.NoError(t, err)
	assert.Equal(t, "daily-digest", wf.Name)
}
