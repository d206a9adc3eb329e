package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fademem/fademem/pkg/metrics"
	"github.com/fademem/fademem/pkg/storage"
)

type decayFlags struct {
	scope      storage.Scope
	categories bool
}

func newDecayCmd(flags *rootFlags) *cobra.Command {
	df := &decayFlags{}
	cmd := &cobra.Command{
		Use:   "decay",
		Short: "Run one maintenance pass against the configured store",
		Long: "Without scope flags, decay sweeps every scope and then runs category " +
			"maintenance and auto fusion as configured. With a scope only that scope is swept.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			ctx := cmd.Context()

			st, err := buildStack(ctx, cfg, log, metrics.NoOpManager())
			if err != nil {
				return err
			}
			defer func() {
				if err := st.close(ctx); err != nil {
					log.Error("error closing engine stack", "error", err)
				}
			}()

			out := map[string]any{}
			if df.scope.Empty() {
				if err := st.engine.Maintain(ctx); err != nil {
					return err
				}
				runs, err := st.engine.DecayRuns(ctx, 1)
				if err != nil {
					return err
				}
				if len(runs) > 0 {
					out["decay"] = runs[0]
				}
			} else {
				report, err := st.engine.ApplyDecay(ctx, df.scope)
				if err != nil {
					return err
				}
				out["decay"] = report
				if df.categories {
					res, err := st.engine.ApplyCategoryDecay(ctx)
					if err != nil {
						return err
					}
					out["categories"] = res
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&df.scope.UserID, "user-id", "", "only decay memories of this user")
	f.StringVar(&df.scope.AgentID, "agent-id", "", "only decay memories of this agent")
	f.StringVar(&df.scope.RunID, "run-id", "", "only decay memories of this run")
	f.BoolVar(&df.categories, "categories", false, "also run category maintenance for a scoped pass")
	return cmd
}
