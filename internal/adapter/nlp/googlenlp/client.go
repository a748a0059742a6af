// Package googlenlp implements the NLP port against the Google Cloud
// Natural Language REST API (entity analysis and text classification).
package googlenlp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/user-topic-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/user-topic-pipeline/internal/domain"
)

const service = "google_nlp"

// Client calls the Natural Language REST API with API-key auth.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: 30 * time.Second},
	}
}

// entityTypes maps the API's string enum to the persisted code.
var entityTypes = map[string]domain.EntityType{
	"UNKNOWN":       domain.EntityTypeUnknown,
	"PERSON":        domain.EntityTypePerson,
	"LOCATION":      domain.EntityTypeLocation,
	"ORGANIZATION":  domain.EntityTypeOrganization,
	"EVENT":         domain.EntityTypeEvent,
	"WORK_OF_ART":   domain.EntityTypeWorkOfArt,
	"CONSUMER_GOOD": domain.EntityTypeConsumerGood,
	"OTHER":         domain.EntityTypeOther,
	"PHONE_NUMBER":  domain.EntityTypePhoneNumber,
	"ADDRESS":       domain.EntityTypeAddress,
	"DATE":          domain.EntityTypeDate,
	"NUMBER":        domain.EntityTypeNumber,
	"PRICE":         domain.EntityTypePrice,
}

type document struct {
	Type     string `json:"type"`
	Language string `json:"language"`
	Content  string `json:"content"`
}

type analyzeRequest struct {
	Document document `json:"document"`
}

// AnalyzeEntities extracts the named entities mentioned in text.
func (c *Client) AnalyzeEntities(ctx domain.Context, text string) ([]domain.Entity, error) {
	var out struct {
		Entities []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"entities"`
	}
	if err := c.post(ctx, "analyze_entities", "/v1/documents:analyzeEntities", text, &out); err != nil {
		return nil, err
	}
	entities := make([]domain.Entity, 0, len(out.Entities))
	for _, e := range out.Entities {
		entities = append(entities, domain.Entity{
			Name: e.Name,
			Type: entityTypes[e.Type],
		})
	}
	return entities, nil
}

// ClassifyText assigns content categories to text. Text too short or too
// ambiguous for the service surfaces as domain.ErrInvalidArgument; the
// caller records an empty category set for it.
func (c *Client) ClassifyText(ctx domain.Context, text string) ([]domain.Category, error) {
	var out struct {
		Categories []struct {
			Name       string  `json:"name"`
			Confidence float64 `json:"confidence"`
		} `json:"categories"`
	}
	if err := c.post(ctx, "classify_text", "/v1/documents:classifyText", text, &out); err != nil {
		return nil, err
	}
	categories := make([]domain.Category, 0, len(out.Categories))
	for _, cat := range out.Categories {
		categories = append(categories, domain.Category{Name: cat.Name, Confidence: cat.Confidence})
	}
	return categories, nil
}

// post performs one API call with 5xx retry and decodes the 2xx body.
// 429 surfaces as domain.RateLimitedError with a zero Reset: the API does
// not say when the quota refills, so the worker applies its configured
// backoff window.
func (c *Client) post(ctx domain.Context, operation, path, text string, out any) error {
	payload, err := json.Marshal(analyzeRequest{Document: document{
		Type:     "PLAIN_TEXT",
		Language: "en",
		Content:  text,
	}})
	if err != nil {
		return fmt.Errorf("op=googlenlp.%s_encode: %w", operation, err)
	}

	var body []byte
	op := func() error {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+path+"?key="+c.apiKey, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
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
			return backoff.Permanent(&domain.RateLimitedError{})
		case resp.StatusCode == http.StatusBadRequest:
			observability.ObserveExternal(service, operation, "invalid_argument", time.Since(start))
			return backoff.Permanent(fmt.Errorf("%s: %w", apiMessage(body), domain.ErrInvalidArgument))
		case resp.StatusCode >= 500:
			observability.ObserveExternal(service, operation, "upstream_error", time.Since(start))
			return &domain.UpstreamError{Service: service, StatusCode: resp.StatusCode, Message: apiMessage(body)}
		case resp.StatusCode != http.StatusOK:
			observability.ObserveExternal(service, operation, "request_error", time.Since(start))
			return backoff.Permanent(&domain.UpstreamError{Service: service, StatusCode: resp.StatusCode, Message: apiMessage(body)})
		}
		observability.ObserveExternal(service, operation, "ok", time.Since(start))
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return fmt.Errorf("op=googlenlp.%s: %w", operation, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("op=googlenlp.%s_decode: %w", operation, err)
	}
	return nil
}

// apiMessage pulls error.message out of the API's error envelope, falling
// back to a body snippet.
func apiMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	if len(body) > 512 {
		body = body[:512]
	}
	return string(body)
}

var _ domain.NLPAPI = (*Client)(nil)
