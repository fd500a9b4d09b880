// Package eval evaluates Pkl settings modules.
package eval

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/apple/pkl-go/pkl"
)

// Evaluator evaluates Pkl modules rooted at a project directory.
type Evaluator struct {
	projectDir string
	properties map[string]string
}

func NewEvaluator(projectDir string, properties map[string]string) *Evaluator {
	return &Evaluator{
		projectDir: projectDir,
		properties: properties,
	}
}

// HasProject reports whether projectDir carries a PklProject file.
func (e *Evaluator) HasProject() bool {
	if e.projectDir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(e.projectDir, "PklProject"))
	return err == nil
}

func (e *Evaluator) options() []func(*pkl.EvaluatorOptions) {
	opts := []func(*pkl.EvaluatorOptions){pkl.PreconfiguredOptions}
	if len(e.properties) > 0 {
		opts = append(opts, func(o *pkl.EvaluatorOptions) {
			if o.Properties == nil {
				o.Properties = make(map[string]string)
			}
			for k, v := range e.properties {
				o.Properties[k] = v
			}
		})
	}
	return opts
}

func (e *Evaluator) newEvaluator(ctx context.Context) (pkl.Evaluator, error) {
	if e.HasProject() {
		abs, err := filepath.Abs(e.projectDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve project directory: %w", err)
		}
		u, err := url.Parse("file://" + abs + "/")
		if err != nil {
			return nil, fmt.Errorf("failed to parse project directory URL: %w", err)
		}
		return pkl.NewProjectEvaluator(ctx, u, e.options()...)
	}
	return pkl.NewEvaluator(ctx, e.options()...)
}

// EvaluateInto evaluates the module at path and decodes it into out.
func (e *Evaluator) EvaluateInto(ctx context.Context, path string, out any) error {
	evaluator, err := e.newEvaluator(ctx)
	if err != nil {
		return fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	if err := evaluator.EvaluateModule(ctx, pkl.FileSource(path), out); err != nil {
		return fmt.Errorf("failed to evaluate %s: %w", path, err)
	}
	return nil
}
