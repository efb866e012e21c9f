package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tournament-service/internal/clock"
	"tournament-service/internal/domain"
	"tournament-service/internal/phase"
)

// NewPhaseCmd prints the resolved phase of a tournament at an instant.
func NewPhaseCmd(configPath *string) *cobra.Command {
	return newPhaseCmd(configPath, clock.System{})
}

func newPhaseCmd(configPath *string, clk clock.Clock) *cobra.Command {
	var (
		id   string
		at   string
		file string
	)
	cmd := &cobra.Command{
		Use:   "phase",
		Short: "Resolve a tournament's effective phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			now := clk.Now()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = parsed
			}

			var t domain.Tournament
			if file != "" {
				found, err := findInSeed(file, id)
				if err != nil {
					return err
				}
				t = found
			} else {
				ctx := cmd.Context()
				cfg, log, err := loadConfig(*configPath)
				if err != nil {
					return err
				}
				d, err := openDeps(ctx, cfg, log, false)
				if err != nil {
					return err
				}
				defer d.Close()
				if t, err = d.store.GetTournament(ctx, id); err != nil {
					return err
				}
			}

			ph := phase.Resolve(t, now)
			fmt.Fprintf(cmd.OutOrStdout(), "%s at %s: %s (declared %s, register=%t start=%t)\n",
				t.ID, now.Format(time.RFC3339), ph, t.Status, phase.AllowsRegistration(ph), phase.AllowsStart(ph))
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tournament id")
	cmd.Flags().StringVar(&at, "at", "", "instant to resolve at (RFC3339, default now)")
	cmd.Flags().StringVar(&file, "file", "", "read the tournament from a seed file instead of the store")
	return cmd
}

func findInSeed(path, id string) (domain.Tournament, error) {
	tournaments, err := readSeed(path)
	if err != nil {
		return domain.Tournament{}, err
	}
	for _, t := range tournaments {
		if t.ID == id {
			if t.Status == "" {
				t.Status = domain.StatusDraft
			}
			return t, nil
		}
	}
	return domain.Tournament{}, fmt.Errorf("%s in %s: %w", id, path, domain.ErrTournamentNotFound)
}
