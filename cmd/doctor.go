package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pairlink/pairlink/internal/config"
	"github.com/pairlink/pairlink/internal/evolution"
	"github.com/pairlink/pairlink/internal/store/redisdb"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, link store, and Evolution server reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor()
		},
	}
}

type probe struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) (string, error)
}

var probes = []probe{
	{"config", func(ctx context.Context, cfg *config.Config) (string, error) {
		if err := cfg.Validate(); err != nil {
			return "", err
		}
		if !cfg.CanSendLinks() {
			return "valid (admin sender identity missing, delivery disabled)", nil
		}
		return "valid", nil
	}},
	{"link store", func(ctx context.Context, cfg *config.Config) (string, error) {
		rs, err := redisdb.New(cfg.RedisURL)
		if err != nil {
			return "", err
		}
		defer rs.Close()
		if err := rs.Ping(ctx); err != nil {
			return "", err
		}
		return "reachable", nil
	}},
	{"evolution server", func(ctx context.Context, cfg *config.Config) (string, error) {
		client := evolution.NewClient(evolution.Options{
			Domain:    cfg.EvolutionDomain,
			GlobalKey: cfg.GlobalKey,
		})
		instances := client.FetchInstances(ctx)
		if len(instances) == 0 {
			return "", fmt.Errorf("no instances returned (server down, bad key, or empty fleet)")
		}
		return fmt.Sprintf("%d instances listed", len(instances)), nil
	}},
}

func runDoctor() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	failed := false
	for _, p := range probes {
		detail, err := p.run(ctx, cfg)
		if err != nil {
			failed = true
			fmt.Fprintf(w, "%s\tFAIL\t%v\n", p.name, err)
			continue
		}
		fmt.Fprintf(w, "%s\tOK\t%s\n", p.name, detail)
	}
	w.Flush()

	if failed {
		return fmt.Errorf("one or more checks failed")
	}
	return nil
}
