// Package twitterapi implements the posts-API port against the Twitter v2
// REST surface.
//
// Rate limiting is never handled here: a 429 is mapped to
// domain.RateLimitedError with the reset time from the x-rate-limit-reset
// header and surfaced to the worker, which owns the registry. Transient
// 5xx failures are retried with exponential backoff.
package twitterapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/user-topic-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/user-topic-pipeline/internal/domain"
)

const service = "twitter"

// Client calls the Twitter v2 API with bearer-token auth.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

// New constructs a Client with a sensible timeout.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   bearerToken,
		hc:      &http.Client{Timeout: 15 * time.Second},
	}
}

type wireUser struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Username    string `json:"username"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Verified    bool   `json:"verified"`
	Protected   bool   `json:"protected"`
}

func (w wireUser) toDomain() domain.User {
	return domain.User{
		ID:          w.ID,
		Name:        w.Name,
		Username:    w.Username,
		URL:         w.URL,
		Description: w.Description,
		Verified:    w.Verified,
		Protected:   w.Protected,
	}
}

type wireTweet struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
	Text      string    `json:"text"`
}

type wireMeta struct {
	ResultCount int    `json:"result_count"`
	NextToken   string `json:"next_token"`
}

// UserPosts returns up to limit most recent posts for the user. Accounts
// whose posts are not visible to us yield an empty slice: the API omits
// the meta/data blocks rather than failing.
func (c *Client) UserPosts(ctx domain.Context, userID string, limit int) ([]domain.Post, error) {
	params := url.Values{}
	params.Set("max_results", strconv.Itoa(limit))
	params.Set("tweet.fields", "id,author_id,created_at,text")

	var out struct {
		Data []wireTweet `json:"data"`
		Meta *wireMeta   `json:"meta"`
	}
	if err := c.get(ctx, "user_posts", "/2/users/"+userID+"/tweets", params, &out); err != nil {
		return nil, err
	}
	if out.Meta == nil || out.Meta.ResultCount == 0 {
		return []domain.Post{}, nil
	}
	posts := make([]domain.Post, 0, len(out.Data))
	for _, t := range out.Data {
		posts = append(posts, domain.Post{
			ID:        t.ID,
			UserID:    t.AuthorID,
			CreatedAt: t.CreatedAt,
			Text:      t.Text,
		})
	}
	return posts, nil
}

// UserByUsername resolves a user profile by its unique username.
func (c *Client) UserByUsername(ctx domain.Context, username string) (domain.User, error) {
	params := url.Values{}
	params.Set("user.fields", "description,url,id,username,name,verified,protected")

	var out struct {
		Data *wireUser `json:"data"`
	}
	if err := c.get(ctx, "user_by_username", "/2/users/by/username/"+username, params, &out); err != nil {
		return domain.User{}, err
	}
	if out.Data == nil {
		return domain.User{}, fmt.Errorf("op=twitter.user_by_username username=%s: %w", username, domain.ErrNotFound)
	}
	return out.Data.toDomain(), nil
}

// ForEachFollowing pages through the accounts the user follows. fn
// returning an error stops the walk and is returned unchanged.
func (c *Client) ForEachFollowing(ctx domain.Context, userID string, fn func(domain.User) error) error {
	pagination := ""
	for {
		params := url.Values{}
		params.Set("user.fields", "verified,description,protected")
		if pagination != "" {
			params.Set("pagination_token", pagination)
		}

		var out struct {
			Data []wireUser `json:"data"`
			Meta *wireMeta  `json:"meta"`
		}
		if err := c.get(ctx, "following", "/2/users/"+userID+"/following", params, &out); err != nil {
			return err
		}
		if out.Meta == nil || out.Meta.ResultCount == 0 {
			return nil
		}
		for _, u := range out.Data {
			if err := fn(u.toDomain()); err != nil {
				return err
			}
		}
		if out.Meta.NextToken == "" {
			return nil
		}
		pagination = out.Meta.NextToken
	}
}

// get performs one GET with 5xx retry and decodes the 2xx body into out.
func (c *Client) get(ctx domain.Context, operation, path string, params url.Values, out any) error {
	var body []byte
	op := func() error {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		resp, err := c.hc.Do(req)
		if err != nil {
			observability.ObserveExternal(service, operation, "error", time.Since(start))
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			observability.ObserveExternal(service, operation, "error", time.Since(start))
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			observability.ObserveExternal(service, operation, "rate_limited", time.Since(start))
			return backoff.Permanent(rateLimitError(resp))
		case resp.StatusCode >= 500:
			observability.ObserveExternal(service, operation, "upstream_error", time.Since(start))
			return &domain.UpstreamError{Service: service, StatusCode: resp.StatusCode, Message: snippet(body)}
		case resp.StatusCode != http.StatusOK:
			observability.ObserveExternal(service, operation, "request_error", time.Since(start))
			return backoff.Permanent(&domain.UpstreamError{Service: service, StatusCode: resp.StatusCode, Message: snippet(body)})
		}
		observability.ObserveExternal(service, operation, "ok", time.Since(start))
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return fmt.Errorf("op=twitter.%s: %w", operation, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("op=twitter.%s_decode: %w", operation, err)
	}
	return nil
}

func rateLimitError(resp *http.Response) error {
	reset := time.Time{}
	if v := resp.Header.Get("x-rate-limit-reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			reset = time.Unix(epoch, 0)
		}
	}
	return &domain.RateLimitedError{Reset: reset}
}

func snippet(body []byte) string {
	if len(body) > 512 {
		body = body[:512]
	}
	return string(body)
}

var _ domain.PostsAPI = (*Client)(nil)
