package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/user-topic-pipeline/internal/domain"
)

const userColumns = `id, username, name, url, description, verified, protected, last_scraped, scraped_following`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Username, &u.Name, &u.URL, &u.Description,
		&u.Verified, &u.Protected, &u.LastScraped, &u.ScrapedFollowing)
	return u, err
}

// UpsertUser inserts a user if absent by id and leaves an existing row
// unchanged.
func (s *Store) UpsertUser(ctx domain.Context, u domain.User) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Upsert")
	defer span.End()
	q := `INSERT INTO users (id, username, name, url, description, verified, protected, last_scraped, scraped_following)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (id) DO NOTHING`
	_, err := s.Pool.Exec(ctx, q, u.ID, u.Username, u.Name, u.URL, u.Description,
		u.Verified, u.Protected, u.LastScraped, u.ScrapedFollowing)
	if err != nil {
		return fmt.Errorf("op=user.upsert: %w", err)
	}
	return nil
}

// UserByID loads a user by id.
func (s *Store) UserByID(ctx domain.Context, id string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.ByID")
	defer span.End()
	q := `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	u, err := scanUser(s.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=user.by_id: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.by_id: %w", err)
	}
	return u, nil
}

// UserByUsername loads a user by unique username.
func (s *Store) UserByUsername(ctx domain.Context, username string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.ByUsername")
	defer span.End()
	q := `SELECT ` + userColumns + ` FROM users WHERE username=$1`
	u, err := scanUser(s.Pool.QueryRow(ctx, q, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=user.by_username: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.by_username: %w", err)
	}
	return u, nil
}

// ClearLastScraped resets a user's scrape clock so the next enqueue phase
// picks it up again.
func (s *Store) ClearLastScraped(ctx domain.Context, userID string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE users SET last_scraped=NULL WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("op=user.clear_last_scraped: %w", err)
	}
	return nil
}

// MarkScraped advances a user's last_scraped timestamp.
func (s *Store) MarkScraped(ctx domain.Context, userID string, now time.Time) error {
	_, err := s.Pool.Exec(ctx, `UPDATE users SET last_scraped=$2 WHERE id=$1`, userID, now.UTC())
	if err != nil {
		return fmt.Errorf("op=user.mark_scraped: %w", err)
	}
	return nil
}

// UsersDueForScrape returns users never scraped or last scraped at or
// before now-horizon, excluding the given ids (the in-flight set).
func (s *Store) UsersDueForScrape(ctx domain.Context, now time.Time, horizon time.Duration, excludeIDs []string) ([]domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.DueForScrape")
	defer span.End()
	if excludeIDs == nil {
		excludeIDs = []string{}
	}
	cutoff := now.UTC().Add(-horizon)
	q := `SELECT ` + userColumns + ` FROM users
	WHERE (last_scraped IS NULL OR last_scraped <= $1) AND NOT (id = ANY($2))
	ORDER BY id`
	rows, err := s.Pool.Query(ctx, q, cutoff, excludeIDs)
	if err != nil {
		return nil, fmt.Errorf("op=user.due_for_scrape: %w", err)
	}
	defer rows.Close()
	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("op=user.due_for_scrape_scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=user.due_for_scrape_rows: %w", err)
	}
	return users, nil
}

// NextUserToScrapeFollowing returns one user whose follow-graph has not
// been walked yet. The bool is false when no such user exists.
func (s *Store) NextUserToScrapeFollowing(ctx domain.Context) (domain.User, bool, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE scraped_following = FALSE ORDER BY id LIMIT 1`
	u, err := scanUser(s.Pool.QueryRow(ctx, q))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, fmt.Errorf("op=user.next_to_follow: %w", err)
	}
	return u, true, nil
}

// SetScrapedFollowing marks a user's follow-graph walk as complete.
func (s *Store) SetScrapedFollowing(ctx domain.Context, userID string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE users SET scraped_following=TRUE WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("op=user.set_scraped_following: %w", err)
	}
	return nil
}

// UserExists reports whether a user row exists.
func (s *Store) UserExists(ctx domain.Context, id string) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id=$1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("op=user.exists: %w", err)
	}
	return exists, nil
}
