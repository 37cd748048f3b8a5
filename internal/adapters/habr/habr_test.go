package habr

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rssFixture(now time.Time) string {
	recent := now.Add(-2 * time.Hour).Format(time.RFC1123Z)
	old := now.Add(-30 * 24 * time.Hour).Format(time.RFC1123Z)
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <item>
      <title>Go 1.24: что нового</title>
      <link>https://habr.com/ru/articles/1/</link>
      <pubDate>%s</pubDate>
      <description>Обзор изменений в Go 1.24</description>
      <category>go</category>
      <category>golang</category>
    </item>
    <item>
      <title>Kubernetes для начинающих</title>
      <link>https://habr.com/ru/articles/2/</link>
      <pubDate>%s</pubDate>
      <description>Вводный курс по k8s</description>
      <category>kubernetes</category>
      <category>devops</category>
    </item>
    <item>
      <title>Vector databases explained</title>
      <link>https://habr.com/ru/articles/3/</link>
      <pubDate>%s</pubDate>
      <description>Embeddings, similarity search, and more</description>
      <category>databases</category>
    </item>
  </channel>
</rss>`, recent, recent, old)
}

func newTestClient(t *testing.T) (*Client, *atomic.Int64) {
	t.Helper()
	var fetches atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		_, _ = w.Write([]byte(rssFixture(time.Now())))
	}))
	t.Cleanup(server.Close)

	client := NewClient(time.Minute)
	client.feedURL = server.URL
	return client, &fetches
}

func TestSearchByQuery(t *testing.T) {
	client, _ := newTestClient(t)

	articles, err := client.Search(context.Background(), "go 1.24", nil, nil, 0, 10)
	require.NoError(t, err)
	require.Len(t, articles, 1)
	assert.Equal(t, "Go 1.24: что нового", articles[0].Title)
	assert.Equal(t, "https://habr.com/ru/articles/1/", articles[0].URL)
	assert.False(t, articles[0].Published.IsZero())
}

func TestSearchByTags(t *testing.T) {
	client, _ := newTestClient(t)

	articles, err := client.Search(context.Background(), "", []string{"devops"}, nil, 0, 10)
	require.NoError(t, err)
	require.Len(t, articles, 1)
	assert.Equal(t, "Kubernetes для начинающих", articles[0].Title)
}

func TestSearchDaysCutoff(t *testing.T) {
	client, _ := newTestClient(t)

	articles, err := client.Search(context.Background(), "", nil, nil, 7, 10)
	require.NoError(t, err)
	// The 30-day-old vector-database article falls outside the window.
	require.Len(t, articles, 2)
	for _, a := range articles {
		assert.NotEqual(t, "Vector databases explained", a.Title)
	}
}

func TestSearchLimit(t *testing.T) {
	client, _ := newTestClient(t)

	articles, err := client.Search(context.Background(), "", nil, nil, 0, 1)
	require.NoError(t, err)
	assert.Len(t, articles, 1)
}

func TestFeedIsCached(t *testing.T) {
	client, fetches := newTestClient(t)

	for i := 0; i < 4; i++ {
		_, err := client.Search(context.Background(), "", nil, nil, 0, 10)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), fetches.Load())
}
