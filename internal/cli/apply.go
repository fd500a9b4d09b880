package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/privacydam/deploy/internal/engine"
	"github.com/privacydam/deploy/internal/ir"
	"github.com/privacydam/deploy/internal/logging"
	"github.com/privacydam/deploy/internal/state"
	"github.com/spf13/cobra"
)

var (
	applyAutoApprove   bool
	applyParallelism   int
	applyContinueOnErr bool
	applyTargets       []string
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update the deployment",
	Long:  `Assembles the deployment, shows the plan and converges the account to it.`,
	Args:  cobra.NoArgs,
	RunE:  runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of plan before applying")
	applyCmd.Flags().IntVar(&applyParallelism, "parallelism", 10, "Number of resource operations to run concurrently")
	applyCmd.Flags().StringSliceVar(&applyTargets, "target", nil, "Limit the apply to these resource addresses (type.name)")
	applyCmd.Flags().BoolVar(&applyContinueOnErr, "continue-on-error", false, "Keep applying independent changes after a failure")
}

// confirm asks on in for a yes answer.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "\n%s (y/n): ", question)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func logApplyEvent(event engine.ApplyEvent) {
	switch event.Status {
	case "started":
		logging.Debug("applying", "address", event.Address, "action", event.Action)
	case "completed":
		logging.Info("applied", "address", event.Address, "action", event.Action, "duration", event.Duration)
	case "failed":
		logging.Error("apply failed", "address", event.Address, "action", event.Action, "error", event.Error)
	case "skipped":
		logging.Warn("skipped", "address", event.Address, "action", event.Action)
	}
}

// execute applies plan and persists the resulting state, including partial
// progress when the apply fails.
func execute(ctx context.Context, backend state.Backend, eng *engine.Engine, plan *ir.Plan, current *ir.State) (*ir.State, error) {
	newState, applyErr := eng.ApplyPlanWithCallback(ctx, plan, current, logApplyEvent)
	if newState != nil {
		if err := backend.Write(ctx, newState); err != nil {
			if applyErr != nil {
				return nil, fmt.Errorf("apply failed: %w (state not saved: %v)", applyErr, err)
			}
			return nil, fmt.Errorf("failed to write state: %w", err)
		}
	}
	if applyErr != nil {
		return nil, fmt.Errorf("apply failed: %w", applyErr)
	}
	return newState, nil
}

func printOutputs(w io.Writer, outputs map[string]string) {
	if len(outputs) == 0 {
		return
	}
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(w, "\nOutputs:")
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %s\n", k, outputs[k])
	}
}

func runApply(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	pl, err := preparePlan(ctx, out, applyParallelism, applyTargets, true)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := pl.release(ctx); uerr != nil && err == nil {
			err = uerr
		}
	}()
	pl.engine.ContinueOnError = applyContinueOnErr

	if pl.plan.Summary.Total() == 0 {
		fmt.Fprintln(out, "\nNo changes. Infrastructure is up-to-date.")
		return nil
	}

	fmt.Fprintln(out, "\nprivacydam will perform the following actions:")
	renderPlanChanges(out, pl.plan)
	renderPlanSummary(out, pl.plan)

	if !applyAutoApprove && !confirm(cmd.InOrStdin(), out, "Do you want to perform these actions?") {
		fmt.Fprintln(out, "Apply cancelled.")
		return nil
	}

	fmt.Fprintf(out, "\nApplying %d changes...\n", len(pl.plan.Changes))
	newState, err := execute(ctx, pl.backend, pl.engine, pl.plan, pl.current)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\nApply complete! Resources: %d added, %d changed, %d replaced, %d destroyed.\n",
		pl.plan.Summary.Create, pl.plan.Summary.Update, pl.plan.Summary.Replace, pl.plan.Summary.Delete)
	printOutputs(out, newState.Outputs)
	return nil
}
