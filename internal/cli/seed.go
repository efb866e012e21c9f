package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tournament-service/internal/backend"
	"tournament-service/internal/domain"
)

// seedDocument is the YAML layout of a seed file. A tournament's status is
// the status it should reach after creation; empty means DRAFT.
type seedDocument struct {
	Tournaments []domain.Tournament `yaml:"tournaments"`
}

// NewSeedCmd loads tournaments from a YAML file into the configured store.
func NewSeedCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create tournaments from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("seed needs postgres.url; use start --seed for the in-memory store")
			}
			d, err := openDeps(ctx, cfg, log, true)
			if err != nil {
				return err
			}
			defer d.Close()

			service := backend.NewService(backend.Config{Store: d.store, Cache: d.cache, Publisher: d.bus, Logger: log})
			n, err := seedFile(ctx, service, file, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d tournaments\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "config/tournaments.yaml", "YAML file of tournaments")
	return cmd
}

func readSeed(path string) ([]domain.Tournament, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc seedDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc.Tournaments, nil
}

// seedFile creates every tournament in path that does not exist yet and
// moves it forward to its declared status. It returns how many it created.
func seedFile(ctx context.Context, service *backend.Service, path string, log logrus.FieldLogger) (int, error) {
	tournaments, err := readSeed(path)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, t := range tournaments {
		fields := logrus.Fields{"tournament_id": t.ID}
		if _, err := service.GetTournament(ctx, t.ID); err == nil {
			log.WithFields(fields).Info("tournament exists, skipping")
			continue
		} else if !errors.Is(err, domain.ErrTournamentNotFound) {
			return created, err
		}

		target := t.Status
		t.Status = domain.StatusDraft
		if _, err := service.CreateTournament(ctx, t); err != nil {
			return created, fmt.Errorf("create %s: %w", t.ID, err)
		}
		if target != "" && target != domain.StatusDraft {
			if err := service.SetStatus(ctx, t.ID, target); err != nil {
				return created, fmt.Errorf("set %s to %s: %w", t.ID, target, err)
			}
		}
		created++
		log.WithFields(fields).WithField("status", target).Info("tournament seeded")
	}
	return created, nil
}
