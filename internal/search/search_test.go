package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openweavr/weavr/internal/retry"
	"github.com/openweavr/weavr/pkg/schema"
)

const braveBody = `{"web":{"results":[
 {"title":"Go","url":"https://go.dev","description":"The Go language"},
 {"title":"Tour","url":"https://go.dev/tour","description":"A tour"},
 {"title":"Blog","url":"https://go.dev/blog","description":"News"}
]}}`

func TestClient_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		assert.Equal(t, "2", r.URL.Query().Get("count"))
		assert.Equal(t, "secret", r.Header.Get("X-Subscription-Token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(braveBody))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", retry.New(retry.Config{}))
	res, err := c.Search(context.Background(), "golang", 2)
	require.NoError(t, err)

	require.Len(t, res, 2)
	assert.Equal(t, Result{Title: "Go", URL: "https://go.dev", Snippet: "The Go language"}, res[0])
	assert.Equal(t, "Tour", res[1].Title)
}

func TestClient_NotConfigured(t *testing.T) {
	c := NewClient("", "", retry.New(retry.Config{}))
	_, err := c.Search(context.Background(), "golang", 2)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNoCredentials))
}

func TestParseResults_GenericShape(t *testing.T) {
	res := parseResults([]byte(`{"results":[{"title":"A","url":"u","snippet":"s"}]}`), 5)
	require.Len(t, res, 1)
	assert.Equal(t, "s", res[0].Snippet)
}

func TestFold(t *testing.T) {
	out := Fold([]Result{{"A", "https://a", "first"}, {"B", "https://b", "second"}})
	assert.Equal(t, "A\nhttps://a\nfirst\n\nB\nhttps://b\nsecond", out)
}
