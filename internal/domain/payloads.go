package domain

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Broker payloads are self-describing JSON records. Every payload carries a
// schema tag that is checked on decode so a misrouted or stale record fails
// loudly instead of being half-applied.
const (
	SchemaScrapeResult    = "scrape_result.v1"
	SchemaEntityResult    = "entity_result.v1"
	SchemaClassifyRequest = "classify_request.v1"
	SchemaClassifyResult  = "classify_result.v1"
)

type wirePost struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	Text      string    `json:"text"`
}

func toWirePost(p Post) wirePost {
	return wirePost{ID: p.ID, UserID: p.UserID, CreatedAt: p.CreatedAt, Text: p.Text}
}

func fromWirePost(w wirePost) Post {
	return Post{ID: w.ID, UserID: w.UserID, CreatedAt: w.CreatedAt, Text: w.Text}
}

// ScrapeResult is one completed scrape of a user. Posts may be empty when
// the user had nothing new; the coordinator still advances last_scraped.
type ScrapeResult struct {
	UserID string
	Posts  []Post
}

type wireScrapeResult struct {
	Schema string     `json:"schema"`
	UserID string     `json:"user_id"`
	Posts  []wirePost `json:"posts"`
}

// EncodeScrapeResult serializes a ScrapeResult for the broker.
func EncodeScrapeResult(r ScrapeResult) (string, error) {
	w := wireScrapeResult{Schema: SchemaScrapeResult, UserID: r.UserID, Posts: make([]wirePost, 0, len(r.Posts))}
	for _, p := range r.Posts {
		w.Posts = append(w.Posts, toWirePost(p))
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("op=payload.encode_scrape: %w", err)
	}
	return string(b), nil
}

// DecodeScrapeResult parses a broker payload into a ScrapeResult.
func DecodeScrapeResult(data string) (ScrapeResult, error) {
	var w wireScrapeResult
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return ScrapeResult{}, fmt.Errorf("op=payload.decode_scrape: %w", err)
	}
	if w.Schema != SchemaScrapeResult {
		return ScrapeResult{}, fmt.Errorf("op=payload.decode_scrape: schema %q: %w", w.Schema, ErrInvalidArgument)
	}
	r := ScrapeResult{UserID: w.UserID, Posts: make([]Post, 0, len(w.Posts))}
	for _, p := range w.Posts {
		r.Posts = append(r.Posts, fromWirePost(p))
	}
	return r, nil
}

// EncodePost serializes a bare post for the entity request queue.
func EncodePost(p Post) (string, error) {
	b, err := json.Marshal(toWirePost(p))
	if err != nil {
		return "", fmt.Errorf("op=payload.encode_post: %w", err)
	}
	return string(b), nil
}

// DecodePost parses an entity request payload.
func DecodePost(data string) (Post, error) {
	var w wirePost
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return Post{}, fmt.Errorf("op=payload.decode_post: %w", err)
	}
	return fromWirePost(w), nil
}

// EntityResult carries the entities the NLP service extracted from a post.
type EntityResult struct {
	Post     Post
	Entities []Entity
}

type wireEntity struct {
	Name string     `json:"name"`
	Type EntityType `json:"type"`
}

type wireEntityResult struct {
	Schema   string       `json:"schema"`
	Post     wirePost     `json:"post"`
	Entities []wireEntity `json:"entities"`
}

// EncodeEntityResult serializes an EntityResult for the broker.
func EncodeEntityResult(r EntityResult) (string, error) {
	w := wireEntityResult{Schema: SchemaEntityResult, Post: toWirePost(r.Post)}
	for _, e := range r.Entities {
		w.Entities = append(w.Entities, wireEntity{Name: e.Name, Type: e.Type})
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("op=payload.encode_entity_result: %w", err)
	}
	return string(b), nil
}

// DecodeEntityResult parses a broker payload into an EntityResult.
func DecodeEntityResult(data string) (EntityResult, error) {
	var w wireEntityResult
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return EntityResult{}, fmt.Errorf("op=payload.decode_entity_result: %w", err)
	}
	if w.Schema != SchemaEntityResult {
		return EntityResult{}, fmt.Errorf("op=payload.decode_entity_result: schema %q: %w", w.Schema, ErrInvalidArgument)
	}
	r := EntityResult{Post: fromWirePost(w.Post)}
	for _, e := range w.Entities {
		r.Entities = append(r.Entities, Entity{Name: e.Name, Type: e.Type})
	}
	return r, nil
}

// ClassificationRequest is one (user, entity) partition of analyzed posts
// to be classified as a group.
type ClassificationRequest struct {
	ID     string
	UserID string
	Entity string
	Posts  []Post
}

type wireClassifyRequest struct {
	Schema string     `json:"schema"`
	ID     string     `json:"id"`
	UserID string     `json:"user_id"`
	Entity string     `json:"entity"`
	Posts  []wirePost `json:"posts"`
}

var classifyIDEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.

// NewClassificationRequestID mints a sortable id for a classification
// request, used for log correlation across worker and coordinator.
func NewClassificationRequestID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), classifyIDEntropy)
	if err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// EncodeClassificationRequest serializes a ClassificationRequest.
func EncodeClassificationRequest(r ClassificationRequest) (string, error) {
	w := wireClassifyRequest{Schema: SchemaClassifyRequest, ID: r.ID, UserID: r.UserID, Entity: r.Entity}
	for _, p := range r.Posts {
		w.Posts = append(w.Posts, toWirePost(p))
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("op=payload.encode_classify_request: %w", err)
	}
	return string(b), nil
}

// DecodeClassificationRequest parses a ClassificationRequest payload.
func DecodeClassificationRequest(data string) (ClassificationRequest, error) {
	var w wireClassifyRequest
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return ClassificationRequest{}, fmt.Errorf("op=payload.decode_classify_request: %w", err)
	}
	if w.Schema != SchemaClassifyRequest {
		return ClassificationRequest{}, fmt.Errorf("op=payload.decode_classify_request: schema %q: %w", w.Schema, ErrInvalidArgument)
	}
	r := ClassificationRequest{ID: w.ID, UserID: w.UserID, Entity: w.Entity}
	for _, p := range w.Posts {
		r.Posts = append(r.Posts, fromWirePost(p))
	}
	return r, nil
}

// ClassificationResult is the outcome of classifying one request. An empty
// Categories list is a valid outcome (unclassifiable text); the listed
// posts still advance to classified.
type ClassificationResult struct {
	UserID     string
	Categories []Category
	PostIDs    []string
}

type wireCategory struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

type wireClassifyResult struct {
	Schema     string         `json:"schema"`
	UserID     string         `json:"user_id"`
	Categories []wireCategory `json:"categories"`
	PostIDs    []string       `json:"post_ids"`
}

// EncodeClassificationResult serializes a ClassificationResult.
func EncodeClassificationResult(r ClassificationResult) (string, error) {
	w := wireClassifyResult{Schema: SchemaClassifyResult, UserID: r.UserID, PostIDs: r.PostIDs}
	for _, c := range r.Categories {
		w.Categories = append(w.Categories, wireCategory{Name: c.Name, Confidence: c.Confidence})
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("op=payload.encode_classify_result: %w", err)
	}
	return string(b), nil
}

// DecodeClassificationResult parses a ClassificationResult payload.
func DecodeClassificationResult(data string) (ClassificationResult, error) {
	var w wireClassifyResult
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return ClassificationResult{}, fmt.Errorf("op=payload.decode_classify_result: %w", err)
	}
	if w.Schema != SchemaClassifyResult {
		return ClassificationResult{}, fmt.Errorf("op=payload.decode_classify_result: schema %q: %w", w.Schema, ErrInvalidArgument)
	}
	r := ClassificationResult{UserID: w.UserID, PostIDs: w.PostIDs}
	for _, c := range w.Categories {
		r.Categories = append(r.Categories, Category{Name: c.Name, Confidence: c.Confidence})
	}
	return r, nil
}
