package diagram

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openweavr/weavr/pkg/schema"
)

func digestWorkflow() *schema.Workflow {
	return &schema.Workflow{
		Name:    "daily-digest",
		Trigger: &schema.TriggerSpec{Type: "cron.schedule"},
		Steps: []schema.StepSpec{
			{ID: "fetch", Action: "http.get"},
			{ID: "news", Action: "http.get"},
			{ID: "summarize", Action: "ai.complete", Needs: []string{"fetch", "news"}},
			{ID: "notify", Action: "core.log", Needs: []string{"summarize"}, If: "steps.summarize.text != ''"},
		},
	}
}

func TestBuild(t *testing.T) {
	m, err := Build(digestWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "daily-digest", m.Title)
	require.Len(t, m.Nodes, 6)
	assert.Equal(t, "cron.schedule", m.Nodes[0].Label)
	assert.Equal(t, NodeKindTrigger, m.Nodes[0].Kind)
	assert.Equal(t, NodeKindEnd, m.Nodes[5].Kind)

	assert.Equal(t, NodeKindAI, m.node("summarize").Kind)
	assert.Equal(t, NodeKindGuarded, m.node("notify").Kind)
	assert.Equal(t, NodeKindStep, m.node("fetch").Kind)

	assert.Equal(t, [][]string{
		{startID},
		{"fetch", "news"},
		{"summarize"},
		{"notify"},
		{endID},
	}, m.Levels)

	assert.Contains(t, m.Edges, Edge{From: startID, To: "fetch"})
	assert.Contains(t, m.Edges, Edge{From: "news", To: "summarize"})
	assert.Contains(t, m.Edges, Edge{From: "summarize", To: "notify", Label: "if"})
	assert.Contains(t, m.Edges, Edge{From: "notify", To: endID})
	assert.NotContains(t, m.Edges, Edge{From: "fetch", To: endID})
}

func TestBuildManualAndCycle(t *testing.T) {
	m, err := Build(&schema.Workflow{Name: "m", Steps: []schema.StepSpec{{ID: "a", Action: "core.noop"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "manual", m.Nodes[0].Label)

	_, err = Build(&schema.Workflow{Name: "c", Steps: []schema.StepSpec{
		{ID: "a", Action: "core.noop", Needs: []string{"b"}},
		{ID: "b", Action: "core.noop", Needs: []string{"a"}},
	}}, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCyclicDependency))
}

func TestBuildWithRunOverlay(t *testing.T) {
	run := &schema.Run{Steps: map[string]*schema.StepResult{
		"fetch":     {Status: schema.StepStatusCompleted, Duration: 120 * time.Millisecond},
		"news":      {Status: schema.StepStatusFailed, Error: "boom"},
		"summarize": {Status: schema.StepStatusSkipped},
	}}
	m, err := Build(digestWorkflow(), run)
	require.NoError(t, err)

	require.NotNil(t, m.node("fetch").Status)
	assert.Equal(t, "completed", m.node("fetch").Status.Status)
	assert.Equal(t, "boom", m.node("news").Status.Error)
	assert.Nil(t, m.node("notify").Status)
}

func TestRenderMermaid(t *testing.T) {
	run := &schema.Run{Steps: map[string]*schema.StepResult{
		"fetch": {Status: schema.StepStatusCompleted},
	}}
	m, err := Build(digestWorkflow(), run)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "%% daily-digest")
	assert.Contains(t, out, `fetch["fetch (http.get)"]`)
	assert.Contains(t, out, `summarize{{"summarize (ai.complete)"}}`)
	assert.Contains(t, out, `notify{"notify (core.log)"}`)
	assert.Contains(t, out, `__trigger__(("cron.schedule"))`)
	assert.Contains(t, out, "summarize -->|if| notify")
	assert.Contains(t, out, "class fetch completed")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "fan_out_step_1", mermaidSafeID("fan-out.step 1"))
}

func TestRenderASCII(t *testing.T) {
	run := &schema.Run{Steps: map[string]*schema.StepResult{
		"fetch": {Status: schema.StepStatusCompleted, Duration: 1500 * time.Millisecond},
	}}
	m, err := Build(digestWorkflow(), run)
	require.NoError(t, err)

	out := RenderASCII(m)
	assert.Contains(t, out, "=== daily-digest ===")
	assert.Contains(t, out, "│ fetch    │")
	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "▼")
}

func TestRenderImage(t *testing.T) {
	if testing.Short() {
		t.Skip("graphviz render is slow")
	}
	m, err := Build(digestWorkflow(), nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), m, PNG)
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])

	svg, err := RenderImage(context.Background(), m, SVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")

	_, err = RenderImage(context.Background(), m, "bmp")
	assert.Error(t, err)
}
