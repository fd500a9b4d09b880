package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var destroyAutoApprove bool

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Destroy every resource in the state",
	Long: `Deletes every resource recorded in the state, dependents first. The VPC,
its subnets, the machine image and the container repository are looked up
and never owned, so they are left alone.`,
	Args: cobra.NoArgs,
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval before destroying")
}

func runDestroy(cmd *cobra.Command, args []string) (err error) {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	p, err := newProvider(ctx)
	if err != nil {
		return err
	}
	backend, err := openState(ctx, p.Region())
	if err != nil {
		return err
	}
	if err := backend.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if uerr := backend.Unlock(ctx); uerr != nil && err == nil {
			err = uerr
		}
	}()

	current, err := backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if len(current.Resources) == 0 {
		fmt.Fprintln(out, "No resources in state. Nothing to destroy.")
		return nil
	}

	registry := newRegistry(p)
	if err := loadProviders(registry, nil, current); err != nil {
		return err
	}
	eng := newEngine(registry, 0)
	plan, err := eng.CreateDestroyPlan(ctx, current)
	if err != nil {
		return fmt.Errorf("destroy plan failed: %w", err)
	}

	fmt.Fprintln(out, "privacydam will destroy the following resources:")
	renderPlanChanges(out, plan)
	renderPlanSummary(out, plan)

	if !destroyAutoApprove && !confirm(cmd.InOrStdin(), out, "Do you really want to destroy all resources?") {
		fmt.Fprintln(out, "Destroy cancelled.")
		return nil
	}

	if _, err := execute(ctx, backend, eng, plan, current); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nDestroy complete! Resources: %d destroyed.\n", plan.Summary.Delete)
	return nil
}
