package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/spencermiles/jira-report-web-sub000/internal/config"
)

// Client is a minimal Jira REST client covering what the ingestion pipeline
// needs: issue search with changelog expansion and paginated changelog reads.
type Client struct {
	baseURL string
	token   string
	user    string
	pass    string
	http    *http.Client
	log     zerolog.Logger
	apiVer  string
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
	return &Client{
		baseURL: cfg.JiraBaseURL,
		token:   cfg.JiraPAT,
		user:    cfg.JiraUsername,
		pass:    cfg.JiraPassword,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		log:     log,
		apiVer:  cfg.JiraAPIVersion,
	}
}

// Issue is one search hit. Fields stays loosely typed because story points and
// sprint live in per-instance custom fields; the typed accessors below pull
// out what the pipeline consumes.
type Issue struct {
	ID        string                     `json:"id"`
	Key       string                     `json:"key"`
	Fields    map[string]json.RawMessage `json:"fields"`
	Changelog *Changelog                 `json:"changelog"`
}

// Changelog is one page of an issue's history. Histories is kept as raw JSON
// and handed to the normalizer unparsed.
type Changelog struct {
	StartAt    int             `json:"startAt"`
	MaxResults int             `json:"maxResults"`
	Total      int             `json:"total"`
	Histories  json.RawMessage `json:"histories"`
}

type SearchResult struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []Issue `json:"issues"`
}

// StringField returns a top-level string field such as "created".
func (i Issue) StringField(name string) string {
	raw, ok := i.Fields[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// NumberField returns a numeric field, nil when absent or null. Story point
// custom fields land here.
func (i Issue) NumberField(name string) *float64 {
	raw, ok := i.Fields[name]
	if !ok {
		return nil
	}
	var f *float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	return f
}

// NameField returns the "name" member of an object field, e.g. issuetype or
// status.
func (i Issue) NameField(name string) string {
	raw, ok := i.Fields[name]
	if !ok {
		return ""
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	return obj.Name
}

// SprintField returns the name of the last sprint in a sprint custom field.
// Jira serializes these either as objects or as legacy "...,name=Sprint 12,..."
// strings depending on instance age.
func (i Issue) SprintField(name string) string {
	raw, ok := i.Fields[name]
	if !ok {
		return ""
	}
	var objs []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &objs); err == nil && len(objs) > 0 {
		return objs[len(objs)-1].Name
	}
	var strs []string
	if err := json.Unmarshal(raw, &strs); err == nil && len(strs) > 0 {
		last := strs[len(strs)-1]
		if idx := strings.Index(last, "name="); idx >= 0 {
			rest := last[idx+len("name="):]
			if end := strings.IndexAny(rest, ",]"); end >= 0 {
				return rest[:end]
			}
			return rest
		}
		return last
	}
	return ""
}

func (c *Client) apiURL(path string, q url.Values) string {
	base := strings.TrimRight(c.baseURL, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := base + path
	if len(q) > 0 {
		u = u + "?" + q.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, method, u string, body any, out any) error {
	if c.baseURL == "" {
		return errors.New("jira: empty baseURL")
	}
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		var r io.Reader
		if payload != nil {
			r = strings.NewReader(string(payload))
		}
		req, err := http.NewRequestWithContext(ctx, method, u, r)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		} else if c.user != "" && c.pass != "" {
			req.SetBasicAuth(c.user, c.pass)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
		} else if resp.StatusCode >= 300 {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			apiErr := fmt.Errorf("jira api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
			// only 429 and 5xx are worth retrying
			if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
				return apiErr
			}
			lastErr = apiErr
		} else {
			decErr := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			return decErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(300*(1<<attempt)) * time.Millisecond):
		}
	}
	return lastErr
}

// Search runs a JQL query with changelogs expanded inline.
func (c *Client) Search(ctx context.Context, jql string, startAt, max int) (*SearchResult, error) {
	if jql == "" {
		return nil, errors.New("jira: empty jql")
	}
	var out SearchResult
	if c.apiVer == "2" {
		q := url.Values{}
		q.Set("jql", jql)
		if startAt > 0 {
			q.Set("startAt", fmt.Sprint(startAt))
		}
		if max > 0 {
			q.Set("maxResults", fmt.Sprint(max))
		}
		q.Set("fields", "*all")
		q.Set("expand", "changelog")
		u := c.apiURL("/rest/api/2/search", q)
		if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}
	body := map[string]any{"jql": jql, "startAt": startAt, "maxResults": max,
		"fields": []string{"*all"}, "expand": []string{"changelog"}}
	u := c.apiURL("/rest/api/3/search", nil)
	if err := c.do(ctx, http.MethodPost, u, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChangelogPage fetches one page of an issue's history. Inline expansion caps at
// 100 entries, so long-lived issues need this endpoint.
func (c *Client) ChangelogPage(ctx context.Context, key string, startAt, max int) (*Changelog, error) {
	if key == "" {
		return nil, errors.New("jira: empty issue key")
	}
	q := url.Values{}
	if startAt > 0 {
		q.Set("startAt", fmt.Sprint(startAt))
	}
	if max > 0 {
		q.Set("maxResults", fmt.Sprint(max))
	}
	path := "/rest/api/3/issue/" + url.PathEscape(key) + "/changelog"
	if c.apiVer == "2" {
		path = "/rest/api/2/issue/" + url.PathEscape(key) + "/changelog"
	}
	u := c.apiURL(path, q)
	var out Changelog
	if err := c.do(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
