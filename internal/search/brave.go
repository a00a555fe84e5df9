package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	braveAPIVersion = "2023-10-11"
	maxTitleLen     = 200
	maxPageBytes    = 2 << 20 // cap per fetched page
	maxContentLen   = 5000    // extracted text truncation
)

// searchResult is one Brave result, body possibly replaced by the fetched
// page's main text.
type searchResult struct {
	title     string
	body      string
	url       string
	truncated bool
}

// braveClient talks to a Brave-compatible search API.
type braveClient struct {
	apiKey   string
	endpoint string
	count    int
	country  string
	lang     string
	http     *http.Client
}

func (c *braveClient) search(ctx context.Context, query string) ([]searchResult, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("search: api key not configured")
	}

	q := strings.Join(strings.Fields(query), " ")
	params := url.Values{
		"q":       {q},
		"summary": {"1"},
		"count":   {strconv.Itoa(c.count)},
		"country": {c.country},
		"lang":    {c.lang},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("search: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Api-Version", braveAPIVersion)
	req.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("search: provider returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("search: read response: %w", err)
	}
	return parseBraveResults(body), nil
}

// parseBraveResults pulls usable results out of a raw provider response.
// Results missing a title, body or URL are dropped.
func parseBraveResults(body []byte) []searchResult {
	items := gjson.GetBytes(body, "web.results")
	if !items.IsArray() {
		return nil
	}

	var out []searchResult
	for _, item := range items.Array() {
		title := item.Get("title").String()
		if len(title) > maxTitleLen {
			title = title[:maxTitleLen]
		}
		desc := firstOf(item, "description", "snippet", "body")
		link := firstOf(item, "url", "link", "href")
		if title == "" || desc == "" || link == "" {
			continue
		}
		out = append(out, searchResult{title: title, body: desc, url: link})
	}
	return out
}

func firstOf(item gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := item.Get(k).String(); v != "" {
			return v
		}
	}
	return ""
}

// fetchPage downloads url and extracts its main text, truncated to
// maxContentLen. ok is false when the page yields no usable text.
func (c *braveClient) fetchPage(ctx context.Context, pageURL string) (text string, truncated, ok bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", false, false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", false, false
	}

	extracted, err := extractText(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil || extracted == "" {
		return "", false, false
	}
	if len(extracted) > maxContentLen {
		if t := truncateRunes(extracted, maxContentLen); len(t) < len(extracted) {
			return t, true, true
		}
	}
	return extracted, false, true
}

// truncateRunes keeps the first n characters, never splitting a rune.
func truncateRunes(s string, n int) string {
	for i := range s {
		if n == 0 {
			return s[:i]
		}
		n--
	}
	return s
}
