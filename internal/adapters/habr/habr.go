// Package habr implements the messaging-site-search adapter contract
// against Habr's public RSS feed: query/tag/hub/days filtering over the
// "all" feed, cached for the configured TTL.
package habr

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/neosignal/assistantproxy/internal/domain"
)

const (
	feedURL   = "https://habr.com/ru/rss/all/"
	userAgent = "Mozilla/5.0 (compatible; AssistantProxyBot/1.0)"
)

type rssFeed struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title     string   `xml:"title"`
	Link      string   `xml:"link"`
	PubDate   string   `xml:"pubDate"`
	Description string `xml:"description"`
	Categories []string `xml:"category"`
}

type cacheEntry struct {
	items    []rssItem
	fetchedAt time.Time
}

// Client searches Habr's RSS feed, caching the raw feed for cacheTTL
// (default 60 minutes) and filtering per-query in Go.
type Client struct {
	httpClient *http.Client
	feedURL    string
	cacheTTL   time.Duration

	mu    sync.Mutex
	cache *cacheEntry
}

func NewClient(cacheTTL time.Duration) *Client {
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Minute
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		feedURL:    feedURL,
		cacheTTL:   cacheTTL,
	}
}

// Search returns up to limit articles matching query/tags/hubs, published
// within the last days (0 meaning unbounded).
func (c *Client) Search(ctx context.Context, query string, tags, hubs []string, days, limit int) ([]domain.Article, error) {
	if limit <= 0 {
		limit = 10
	}

	items, err := c.feed(ctx)
	if err != nil {
		return nil, fmt.Errorf("habr: %w", err)
	}

	var cutoff time.Time
	if days > 0 {
		cutoff = time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	}

	tagSet := make(map[string]bool, len(tags))
	for _, t := range tags {
		tagSet[strings.ToLower(t)] = true
	}
	hubSet := make(map[string]bool, len(hubs))
	for _, h := range hubs {
		hubSet[strings.ToLower(h)] = true
	}
	queryLower := strings.ToLower(query)

	var out []domain.Article
	for _, item := range items {
		published := parsePubDate(item.PubDate)
		if !cutoff.IsZero() && !published.IsZero() && published.Before(cutoff) {
			continue
		}

		itemCategories := make(map[string]bool, len(item.Categories))
		for _, cat := range item.Categories {
			itemCategories[strings.ToLower(cat)] = true
		}

		if len(tagSet) > 0 && !anyMatch(tagSet, itemCategories) {
			continue
		}
		if len(hubSet) > 0 && !anyMatch(hubSet, itemCategories) {
			continue
		}
		if queryLower != "" &&
			!strings.Contains(strings.ToLower(item.Title), queryLower) &&
			!strings.Contains(strings.ToLower(item.Description), queryLower) {
			continue
		}

		out = append(out, domain.Article{
			Title:     item.Title,
			URL:       item.Link,
			Summary:   truncate(item.Description, 500),
			Published: published,
		})
		if len(out) >= limit {
			break
		}
	}

	return out, nil
}

func (c *Client) feed(ctx context.Context) ([]rssItem, error) {
	c.mu.Lock()
	if c.cache != nil && time.Since(c.cache.fetchedAt) < c.cacheTTL {
		items := c.cache.items
		c.mu.Unlock()
		return items, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("feed returned %d", resp.StatusCode)
	}

	var parsed rssFeed
	if err := xml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	c.mu.Lock()
	c.cache = &cacheEntry{items: parsed.Channel.Items, fetchedAt: time.Now()}
	c.mu.Unlock()

	return parsed.Channel.Items, nil
}

func anyMatch(want, have map[string]bool) bool {
	for k := range want {
		if have[k] {
			return true
		}
	}
	return false
}

func parsePubDate(s string) time.Time {
	layouts := []string{time.RFC1123Z, time.RFC1123, time.RFC3339}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
