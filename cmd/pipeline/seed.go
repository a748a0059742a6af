package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/user-topic-pipeline/internal/usecase"
)

// seedFile is the YAML shape consumed by the seed command:
//
//	users:
//	  - username: alice
//	    topics: [/Technology, /Sports]
//	  - username: bob
type seedFile struct {
	Users []seedUser `yaml:"users"`
}

type seedUser struct {
	Username string   `yaml:"username"`
	Topics   []string `yaml:"topics"`
}

func runSeed(ctx context.Context, d *deps, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	path := fs.String("f", "seed.yaml", "seed file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	raw, err := os.ReadFile(*path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return fmt.Errorf("parse seed file %s: %w", *path, err)
	}

	svc := usecase.NewUserService(d.store, d.posts)
	for _, su := range sf.Users {
		u, err := svc.EnqueueUser(ctx, su.Username)
		if err != nil {
			return fmt.Errorf("seed user %q: %w", su.Username, err)
		}
		for _, topic := range su.Topics {
			if err := svc.AddTopic(ctx, su.Username, topic); err != nil {
				return fmt.Errorf("seed topic %q for %q: %w", topic, su.Username, err)
			}
		}
		slog.Info("user seeded",
			slog.String("user_id", u.ID),
			slog.String("username", u.Username),
			slog.Int("topics", len(su.Topics)))
	}
	slog.Info("seed complete", slog.Int("users", len(sf.Users)))
	return nil
}
