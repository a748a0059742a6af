package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/user-topic-pipeline/internal/domain"
)

// AddPost inserts a post if absent by id; an existing row is untouched.
func (s *Store) AddPost(ctx domain.Context, p domain.Post) error {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.Add")
	defer span.End()
	q := `INSERT INTO posts (id, user_id, created_at, text, analyzed, classified)
	VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (id) DO NOTHING`
	_, err := s.Pool.Exec(ctx, q, p.ID, p.UserID, p.CreatedAt.UTC(), p.Text, p.Analyzed, p.Classified)
	if err != nil {
		return fmt.Errorf("op=post.add: %w", err)
	}
	return nil
}

// ApplyScrapeResult stores the posts of one completed scrape and advances
// the author's last_scraped clock in a single transaction. An empty post
// list still advances the clock: the scraper observed no new posts.
func (s *Store) ApplyScrapeResult(ctx domain.Context, userID string, posts []domain.Post, now time.Time) error {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.ApplyScrapeResult")
	defer span.End()
	return s.inTx(ctx, "post.apply_scrape", func(tx pgx.Tx) error {
		q := `INSERT INTO posts (id, user_id, created_at, text, analyzed, classified)
		VALUES ($1,$2,$3,$4,FALSE,FALSE)
		ON CONFLICT (id) DO NOTHING`
		for _, p := range posts {
			if _, err := tx.Exec(ctx, q, p.ID, p.UserID, p.CreatedAt.UTC(), p.Text); err != nil {
				return fmt.Errorf("insert post %s: %w", p.ID, err)
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET last_scraped=$2 WHERE id=$1`, userID, now.UTC()); err != nil {
			return fmt.Errorf("mark scraped %s: %w", userID, err)
		}
		return nil
	})
}

// PostsPendingEntity returns posts not yet analyzed, excluding the given
// ids (the in-flight set).
func (s *Store) PostsPendingEntity(ctx domain.Context, excludeIDs []string) ([]domain.Post, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.PendingEntity")
	defer span.End()
	if excludeIDs == nil {
		excludeIDs = []string{}
	}
	q := `SELECT id, user_id, created_at, text, analyzed, classified FROM posts
	WHERE analyzed = FALSE AND NOT (id = ANY($1))
	ORDER BY id`
	rows, err := s.Pool.Query(ctx, q, excludeIDs)
	if err != nil {
		return nil, fmt.Errorf("op=post.pending_entity: %w", err)
	}
	defer rows.Close()
	var posts []domain.Post
	for rows.Next() {
		var p domain.Post
		if err := rows.Scan(&p.ID, &p.UserID, &p.CreatedAt, &p.Text, &p.Analyzed, &p.Classified); err != nil {
			return nil, fmt.Errorf("op=post.pending_entity_scan: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=post.pending_entity_rows: %w", err)
	}
	return posts, nil
}

// PostsPendingClassifyByUser returns all unclassified posts grouped by
// author, each with the entity names linked to it. The coordinator decides
// which groups are complete enough to classify.
func (s *Store) PostsPendingClassifyByUser(ctx domain.Context) (map[string][]domain.PendingClassifyPost, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.PendingClassify")
	defer span.End()
	q := `SELECT p.id, p.user_id, p.created_at, p.text, p.analyzed, p.classified,
	COALESCE(array_agg(e.name ORDER BY e.name) FILTER (WHERE e.name IS NOT NULL), '{}')
	FROM posts p
	LEFT JOIN post_entities pe ON pe.post_id = p.id
	LEFT JOIN entities e ON e.id = pe.entity_id
	WHERE p.classified = FALSE
	GROUP BY p.id, p.user_id, p.created_at, p.text, p.analyzed, p.classified
	ORDER BY p.id`
	rows, err := s.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=post.pending_classify: %w", err)
	}
	defer rows.Close()
	byUser := make(map[string][]domain.PendingClassifyPost)
	for rows.Next() {
		var p domain.PendingClassifyPost
		if err := rows.Scan(&p.ID, &p.UserID, &p.CreatedAt, &p.Text, &p.Analyzed, &p.Classified, &p.Entities); err != nil {
			return nil, fmt.Errorf("op=post.pending_classify_scan: %w", err)
		}
		byUser[p.UserID] = append(byUser[p.UserID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=post.pending_classify_rows: %w", err)
	}
	return byUser, nil
}

// RecordEntities upserts the extracted entities, links them to the post and
// marks it analyzed, all in one transaction.
func (s *Store) RecordEntities(ctx domain.Context, postID string, entities []domain.Entity) error {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.RecordEntities")
	defer span.End()
	return s.inTx(ctx, "post.record_entities", func(tx pgx.Tx) error {
		upsert := `INSERT INTO entities (name, type) VALUES ($1,$2)
		ON CONFLICT (name, type) DO UPDATE SET name=EXCLUDED.name
		RETURNING id`
		link := `INSERT INTO post_entities (post_id, entity_id) VALUES ($1,$2)
		ON CONFLICT (post_id, entity_id) DO NOTHING`
		for _, e := range entities {
			var entityID int64
			if err := tx.QueryRow(ctx, upsert, e.Name, e.Type).Scan(&entityID); err != nil {
				return fmt.Errorf("upsert entity %q: %w", e.Name, err)
			}
			if _, err := tx.Exec(ctx, link, postID, entityID); err != nil {
				return fmt.Errorf("link entity %q: %w", e.Name, err)
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE posts SET analyzed=TRUE WHERE id=$1`, postID); err != nil {
			return fmt.Errorf("mark analyzed %s: %w", postID, err)
		}
		return nil
	})
}
