package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/user-topic-pipeline/internal/domain"
)

func TestScrapeResultRoundTrip(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	in := domain.ScrapeResult{
		UserID: "u1",
		Posts: []domain.Post{
			{ID: "p1", UserID: "u1", CreatedAt: created, Text: "hello"},
			{ID: "p2", UserID: "u1", CreatedAt: created, Text: "world"},
		},
	}
	data, err := domain.EncodeScrapeResult(in)
	require.NoError(t, err)

	out, err := domain.DecodeScrapeResult(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestScrapeResultEmptyPosts(t *testing.T) {
	data, err := domain.EncodeScrapeResult(domain.ScrapeResult{UserID: "u1"})
	require.NoError(t, err)

	out, err := domain.DecodeScrapeResult(data)
	require.NoError(t, err)
	assert.Equal(t, "u1", out.UserID)
	assert.Empty(t, out.Posts)
}

func TestDecodeRejectsWrongSchema(t *testing.T) {
	// An entity result must not decode as a scrape result.
	data, err := domain.EncodeEntityResult(domain.EntityResult{
		Post:     domain.Post{ID: "p1", UserID: "u1"},
		Entities: []domain.Entity{{Name: "go", Type: domain.EntityTypeOther}},
	})
	require.NoError(t, err)

	_, err = domain.DecodeScrapeResult(data)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestClassificationRequestRoundTrip(t *testing.T) {
	in := domain.ClassificationRequest{
		ID:     domain.NewClassificationRequestID(),
		UserID: "u1",
		Entity: "golang",
		Posts:  []domain.Post{{ID: "p1", UserID: "u1", Text: "about golang"}},
	}
	data, err := domain.EncodeClassificationRequest(in)
	require.NoError(t, err)

	out, err := domain.DecodeClassificationRequest(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestClassificationResultEmptyCategories(t *testing.T) {
	in := domain.ClassificationResult{UserID: "u1", PostIDs: []string{"p1", "p2"}}
	data, err := domain.EncodeClassificationResult(in)
	require.NoError(t, err)

	out, err := domain.DecodeClassificationResult(data)
	require.NoError(t, err)
	assert.Empty(t, out.Categories)
	assert.Equal(t, []string{"p1", "p2"}, out.PostIDs)
}

func TestRateLimitedErrorIs(t *testing.T) {
	err := &domain.RateLimitedError{Reset: time.Now().Add(time.Minute)}
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Contains(t, err.Error(), "rate limited until")

	zero := &domain.RateLimitedError{}
	assert.Equal(t, "rate limited", zero.Error())
}

func TestNewClassificationRequestIDMonotonic(t *testing.T) {
	a := domain.NewClassificationRequestID()
	b := domain.NewClassificationRequestID()
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b)
}
