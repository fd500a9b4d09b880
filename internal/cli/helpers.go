package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/privacydam/deploy/internal/engine"
	"github.com/privacydam/deploy/internal/eval"
	"github.com/privacydam/deploy/internal/ir"
	"github.com/privacydam/deploy/internal/provider"
	"github.com/privacydam/deploy/internal/settings"
	"github.com/privacydam/deploy/internal/state"
	"github.com/privacydam/deploy/internal/topology"
	awsprov "github.com/privacydam/deploy/providers/aws"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
)

func colorize(code string) string {
	if noColor {
		return ""
	}
	return code
}

// sources returns where the assembly inputs live. Pkl settings modules are
// evaluated relative to the settings file.
func sources(secrets settings.SecretStore) topology.Sources {
	return topology.Sources{
		Settings:    configPath,
		Credentials: credentialsPath,
		Pkl:         eval.NewEvaluator(filepath.Dir(configPath), nil),
		Secrets:     secrets,
	}
}

// newProvider reads the settings for their region and returns an AWS
// provider for it.
func newProvider(ctx context.Context) (*awsprov.Provider, error) {
	cfg, err := settings.Load(ctx, configPath, eval.NewEvaluator(filepath.Dir(configPath), nil))
	if err != nil {
		return nil, err
	}
	return awsprov.New(cfg.Region).WithProfile(awsProfile), nil
}

// synthesize assembles the deployment with lookups against the live account.
func synthesize(ctx context.Context) (*ir.Config, *awsprov.Provider, error) {
	p, err := newProvider(ctx)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := topology.Synthesize(ctx, sources(p), p)
	if err != nil {
		return nil, nil, err
	}
	return cfg, p, nil
}

func newRegistry(p provider.Provider) *provider.Registry {
	registry := provider.NewRegistry()
	registry.Register(awsprov.Name, func() provider.Provider { return p })
	return registry
}

// loadProviders loads every provider named by the config and the state;
// resources only in state still need theirs to be deleted.
func loadProviders(registry *provider.Registry, cfg *ir.Config, st *ir.State) error {
	seen := make(map[string]bool)
	load := func(name string) error {
		if name == "" || seen[name] {
			return nil
		}
		seen[name] = true
		if err := registry.LoadProvider(name); err != nil {
			return fmt.Errorf("failed to load provider %s: %w", name, err)
		}
		return nil
	}
	if cfg != nil {
		for _, res := range cfg.Resources {
			if err := load(res.Provider); err != nil {
				return err
			}
		}
	}
	for _, res := range st.Resources {
		if err := load(res.Provider); err != nil {
			return err
		}
	}
	return nil
}

func newEngine(registry *provider.Registry, parallelism int) *engine.Engine {
	eng := engine.NewEngine(registry)
	eng.Parallelism = parallelism
	eng.Retry = engine.DefaultRetryPolicy()
	eng.Timeouts = awsprov.OperationTimeouts()
	return eng
}

func openState(ctx context.Context, region string) (state.Backend, error) {
	backend, err := state.Open(ctx, statePath, region)
	if err != nil {
		return nil, fmt.Errorf("failed to open state %s: %w", statePath, err)
	}
	return backend, nil
}

func actionStyle(action string) (symbol, color string) {
	switch action {
	case "CREATE":
		return "+", colorGreen
	case "DELETE":
		return "-", colorRed
	case "REPLACE":
		return "-/+", colorYellow
	case "UPDATE":
		return "~", colorYellow
	default:
		return " ", colorReset
	}
}

// renderPlanChanges prints the detailed change list for a plan.
func renderPlanChanges(w io.Writer, plan *ir.Plan) {
	for _, change := range plan.Changes {
		symbol, color := actionStyle(change.Action)
		color = colorize(color)
		reset := colorize(colorReset)

		var resourceType, resourceName string
		if change.Desired != nil {
			resourceType = change.Desired.Type
			resourceName = change.Desired.Name
		} else if change.Prior != nil {
			resourceType = change.Prior.Type
			resourceName = change.Prior.Name
		}

		fmt.Fprintf(w, "\n%s  # %s will be %s%s\n", color, change.Address, change.Action, reset)
		fmt.Fprintf(w, "%s  %s resource %q %q {\n", color, symbol, resourceType, resourceName)
		if len(change.Diff) > 0 {
			renderPropertyDiff(w, change.Diff)
		} else {
			fmt.Fprintf(w, "%s      ...\n", color)
		}
		fmt.Fprintf(w, "%s    }%s\n", color, reset)
	}
}

// renderPropertyDiff prints structured property diffs in key order.
func renderPropertyDiff(w io.Writer, diffs map[string]*ir.PropertyDiff) {
	keys := make([]string, 0, len(diffs))
	for k := range diffs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	reset := colorize(colorReset)
	for _, key := range keys {
		diff := diffs[key]
		switch diff.Action {
		case "create":
			fmt.Fprintf(w, "%s      + %s = %s%s\n", colorize(colorGreen), key, formatValue(diff.After), reset)
		case "delete":
			fmt.Fprintf(w, "%s      - %s = %s%s\n", colorize(colorRed), key, formatValue(diff.Before), reset)
		case "update":
			fmt.Fprintf(w, "%s      ~ %s = %s -> %s%s\n", colorize(colorYellow), key, formatValue(diff.Before), formatValue(diff.After), reset)
		default:
			fmt.Fprintf(w, "        %s = %s\n", key, formatValue(diff.After))
		}
	}
}

// formatValue returns a human-readable representation of a value.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// renderPlanSummary prints the plan summary counts.
func renderPlanSummary(w io.Writer, plan *ir.Plan) {
	fmt.Fprintln(w, "\nPlan Summary:")
	fmt.Fprintf(w, "  Create:  %d\n", plan.Summary.Create)
	fmt.Fprintf(w, "  Update:  %d\n", plan.Summary.Update)
	fmt.Fprintf(w, "  Delete:  %d\n", plan.Summary.Delete)
	fmt.Fprintf(w, "  Replace: %d\n", plan.Summary.Replace)
	fmt.Fprintf(w, "  NoOp:    %d\n", plan.Summary.NoOp)
}
