package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/user-topic-pipeline/internal/domain"
)

// RecordClassification upserts the topics of one classification result,
// accumulates the user's per-topic post counts and marks the listed posts
// classified, all in one transaction. An empty category list still marks
// the posts so unclassifiable groups do not loop.
func (s *Store) RecordClassification(ctx domain.Context, userID string, categories []domain.Category, postIDs []string) error {
	tracer := otel.Tracer("repo.topics")
	ctx, span := tracer.Start(ctx, "topics.RecordClassification")
	defer span.End()
	return s.inTx(ctx, "topic.record_classification", func(tx pgx.Tx) error {
		topicUpsert := `INSERT INTO topics (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name=EXCLUDED.name
		RETURNING id`
		countUpsert := `INSERT INTO user_topics (user_id, topic_id, post_count, user_declared)
		VALUES ($1,$2,$3,FALSE)
		ON CONFLICT (user_id, topic_id)
		DO UPDATE SET post_count = user_topics.post_count + EXCLUDED.post_count`
		for _, cat := range categories {
			var topicID int64
			if err := tx.QueryRow(ctx, topicUpsert, cat.Name).Scan(&topicID); err != nil {
				return fmt.Errorf("upsert topic %q: %w", cat.Name, err)
			}
			if _, err := tx.Exec(ctx, countUpsert, userID, topicID, int64(len(postIDs))); err != nil {
				return fmt.Errorf("upsert user_topic %q: %w", cat.Name, err)
			}
		}
		if len(postIDs) > 0 {
			if _, err := tx.Exec(ctx, `UPDATE posts SET classified=TRUE WHERE id = ANY($1)`, postIDs); err != nil {
				return fmt.Errorf("mark classified: %w", err)
			}
		}
		return nil
	})
}

// AddUserTopic records a hand-declared topic for a user.
func (s *Store) AddUserTopic(ctx domain.Context, userID, topic string, declared bool) error {
	return s.inTx(ctx, "topic.add_user_topic", func(tx pgx.Tx) error {
		var topicID int64
		q := `INSERT INTO topics (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name=EXCLUDED.name
		RETURNING id`
		if err := tx.QueryRow(ctx, q, topic).Scan(&topicID); err != nil {
			return fmt.Errorf("upsert topic %q: %w", topic, err)
		}
		up := `INSERT INTO user_topics (user_id, topic_id, post_count, user_declared)
		VALUES ($1,$2,0,$3)
		ON CONFLICT (user_id, topic_id)
		DO UPDATE SET user_declared = user_topics.user_declared OR EXCLUDED.user_declared`
		if _, err := tx.Exec(ctx, up, userID, topicID, declared); err != nil {
			return fmt.Errorf("upsert user_topic: %w", err)
		}
		return nil
	})
}

// UsersByTopic returns the users associated with each of the given topic
// names. An empty topics slice returns every topic.
func (s *Store) UsersByTopic(ctx domain.Context, topics []string) (map[string][]domain.User, error) {
	tracer := otel.Tracer("repo.topics")
	ctx, span := tracer.Start(ctx, "topics.UsersByTopic")
	defer span.End()
	q := `SELECT t.name, ` + prefixedUserColumns("u") + `
	FROM user_topics ut
	JOIN topics t ON t.id = ut.topic_id
	JOIN users u ON u.id = ut.user_id
	WHERE cardinality($1::text[]) = 0 OR t.name = ANY($1)
	ORDER BY t.name, u.id`
	if topics == nil {
		topics = []string{}
	}
	rows, err := s.Pool.Query(ctx, q, topics)
	if err != nil {
		return nil, fmt.Errorf("op=topic.users_by_topic: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]domain.User)
	for rows.Next() {
		var name string
		var u domain.User
		if err := rows.Scan(&name, &u.ID, &u.Username, &u.Name, &u.URL, &u.Description,
			&u.Verified, &u.Protected, &u.LastScraped, &u.ScrapedFollowing); err != nil {
			return nil, fmt.Errorf("op=topic.users_by_topic_scan: %w", err)
		}
		out[name] = append(out[name], u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=topic.users_by_topic_rows: %w", err)
	}
	return out, nil
}

var _ domain.Store = (*Store)(nil)

func prefixedUserColumns(alias string) string {
	return alias + ".id, " + alias + ".username, " + alias + ".name, " + alias + ".url, " +
		alias + ".description, " + alias + ".verified, " + alias + ".protected, " +
		alias + ".last_scraped, " + alias + ".scraped_following"
}
