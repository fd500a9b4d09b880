package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/privacydam/deploy/internal/engine"
	"github.com/privacydam/deploy/internal/ir"
	"github.com/privacydam/deploy/internal/state"
	"github.com/spf13/cobra"
)

var (
	planOutFile string
	planTargets []string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the changes apply would make",
	Long: `Assembles the deployment and compares it with the recorded state.

The plan shows:
  • Resources to be created
  • Resources to be updated (with diff)
  • Resources to be replaced or deleted`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Write the plan as JSON to a file")
	planCmd.Flags().StringSliceVar(&planTargets, "target", nil, "Limit the plan to these resource addresses (type.name)")
}

// planned is an assembled deployment planned against its state.
type planned struct {
	backend state.Backend
	locked  bool
	current *ir.State
	engine  *engine.Engine
	plan    *ir.Plan
}

// release drops the state lock if preparePlan took one.
func (pl *planned) release(ctx context.Context) error {
	if !pl.locked {
		return nil
	}
	pl.locked = false
	return pl.backend.Unlock(ctx)
}

// preparePlan assembles the deployment and plans it against the state. With
// lock set the state stays locked until release.
func preparePlan(ctx context.Context, out io.Writer, parallelism int, targets []string, lock bool) (_ *planned, err error) {
	fmt.Fprint(out, "Assembling deployment... ")
	cfg, p, err := synthesize(ctx)
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return nil, err
	}
	fmt.Fprintf(out, "OK (%d resources)\n", len(cfg.Resources))

	backend, err := openState(ctx, p.Region())
	if err != nil {
		return nil, err
	}
	pl := &planned{backend: backend}
	if lock {
		if err := backend.Lock(ctx); err != nil {
			return nil, err
		}
		pl.locked = true
		defer func() {
			if err != nil {
				pl.release(ctx)
			}
		}()
	}

	current, err := backend.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	registry := newRegistry(p)
	if err := loadProviders(registry, cfg, current); err != nil {
		return nil, err
	}
	eng := newEngine(registry, parallelism)

	fmt.Fprint(out, "Calculating plan... ")
	plan, err := eng.CreatePlanWithTargets(ctx, cfg, current, targets)
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return nil, fmt.Errorf("plan generation failed: %w", err)
	}
	fmt.Fprintln(out, "OK")

	pl.current, pl.engine, pl.plan = current, eng, plan
	return pl, nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	pl, err := preparePlan(cmd.Context(), out, 0, planTargets, false)
	if err != nil {
		return err
	}

	if pl.plan.Summary.Total() == 0 {
		fmt.Fprintln(out, "\nNo changes. Infrastructure is up-to-date.")
	} else {
		fmt.Fprintln(out, "\nprivacydam will perform the following actions:")
		renderPlanChanges(out, pl.plan)
		renderPlanSummary(out, pl.plan)
	}

	if planOutFile != "" {
		data, err := json.MarshalIndent(pl.plan, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode plan: %w", err)
		}
		if err := os.WriteFile(planOutFile, data, 0o644); err != nil {
			return fmt.Errorf("failed to write plan %s: %w", planOutFile, err)
		}
		fmt.Fprintf(out, "\nPlan written to %s\n", planOutFile)
	}
	return nil
}
