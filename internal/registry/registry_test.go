package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openweavr/weavr/pkg/schema"
)

func noop(name string) Action {
	return &ActionFunc{ID: name, Desc: "does nothing", Fn: func(context.Context, ActionInput) (any, error) {
		return name, nil
	}}
}

type stubTrigger struct {
	name string
	kind TriggerKind
}

func (s stubTrigger) Name() string        { return s.name }
func (s stubTrigger) Description() string { return "stub" }
func (s stubTrigger) Kind() TriggerKind   { return s.kind }

func TestNew_NamespacesBundles(t *testing.T) {
	r, err := New(
		func() Bundle {
			return Bundle{Namespace: "http", Actions: []Action{noop("get"), noop("post")}}
		},
		func() Bundle {
			return Bundle{Namespace: "cron", Triggers: []Trigger{stubTrigger{"schedule", TriggerSchedule}}}
		},
		func() Bundle {
			return Bundle{Triggers: []Trigger{stubTrigger{"webhook", TriggerWebhook}}}
		},
	)
	require.NoError(t, err)

	a, err := r.LookupAction("http.get")
	require.NoError(t, err)
	assert.Equal(t, "http.get", a.Name())

	out, err := a.Execute(context.Background(), ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, "get", out)

	tr, err := r.LookupTrigger("cron.schedule")
	require.NoError(t, err)
	assert.Equal(t, TriggerSchedule, tr.Kind())

	_, err = r.LookupTrigger("webhook")
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len(KindAction))
	assert.Equal(t, 2, r.Len(KindTrigger))
}

func TestNew_DuplicateRegistration(t *testing.T) {
	_, err := New(
		func() Bundle { return Bundle{Namespace: "core", Actions: []Action{noop("noop")}} },
		func() Bundle { return Bundle{Namespace: "core", Actions: []Action{noop("noop")}} },
	)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeDuplicateRegistration))
}

func TestNew_SameIDDifferentKinds(t *testing.T) {
	_, err := New(func() Bundle {
		return Bundle{
			Namespace: "file",
			Actions:   []Action{noop("watch")},
			Triggers:  []Trigger{stubTrigger{"watch", TriggerWatch}},
		}
	})
	assert.NoError(t, err)
}

func TestLookup_NotFound(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	_, err = r.LookupAction("missing.action")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = r.LookupTrigger("missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestActions_SortedAndRestartable(t *testing.T) {
	r, err := New(func() Bundle {
		return Bundle{Namespace: "x", Actions: []Action{noop("c"), noop("a"), noop("b")}}
	})
	require.NoError(t, err)

	collect := func() []string {
		var ids []string
		for id := range r.Actions() {
			ids = append(ids, id)
		}
		return ids
	}

	assert.Equal(t, []string{"x.a", "x.b", "x.c"}, collect())
	assert.Equal(t, collect(), collect())

	// Early break stops iteration.
	var first string
	for id := range r.Actions() {
		first = id
		break
	}
	assert.Equal(t, "x.a", first)
}

func TestActionInput_Logf(t *testing.T) {
	var got string
	in := ActionInput{Log: func(msg string) { got = msg }}
	in.Logf("fetched %d items", 3)
	assert.Equal(t, "fetched 3 items", got)

	assert.NotPanics(t, func() { ActionInput{}.Logf("dropped") })
}
