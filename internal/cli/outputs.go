package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/privacydam/deploy/internal/names"
	"github.com/spf13/cobra"
)

const defaultOutputsTemplate = `{{ range $key, $value := . }}{{ printf "%-26s" $key }} {{ $value | default "(known after apply)" }}
{{ end }}`

var (
	outputsJSON     bool
	outputsTemplate string
)

var outputsCmd = &cobra.Command{
	Use:   "outputs [key]",
	Short: "Show the stable resource names and recorded outputs",
	Long: `Prints every stable resource name together with the outputs recorded by
the last apply (instance address, load balancer DNS name, queue URL).
Values that only exist after apply are shown as such until then.

--format takes a Go text/template with the sprig functions, for example:

  privacydam outputs --format '{{ index . "nlb.dnsName" }}'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOutputs,
}

func init() {
	outputsCmd.Flags().BoolVar(&outputsJSON, "json", false, "Output in JSON format")
	outputsCmd.Flags().StringVar(&outputsTemplate, "format", "", "Go template applied to the outputs")
}

// outputValues merges the stable names with the recorded outputs. Keys with
// values only known after apply are present with an empty value.
func outputValues(recorded map[string]string) map[string]string {
	values := make(map[string]string, len(recorded)+len(names.All()))
	for _, e := range names.All() {
		values[e.Key] = e.Name
	}
	for _, key := range []string{"ec2.privateIp", "nlb.dnsName", "sqs.url"} {
		values[key] = ""
	}
	for k, v := range recorded {
		values[k] = v
	}
	return values
}

func renderOutputs(w io.Writer, format string, values map[string]string) error {
	if format == "" {
		format = defaultOutputsTemplate
	}
	tmpl, err := template.New("outputs").Funcs(sprig.TxtFuncMap()).Parse(format)
	if err != nil {
		return fmt.Errorf("invalid output format: %w", err)
	}
	if err := tmpl.Execute(w, values); err != nil {
		return fmt.Errorf("failed to render outputs: %w", err)
	}
	return nil
}

func runOutputs(cmd *cobra.Command, args []string) error {
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
	st, err := backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	values := outputValues(st.Outputs)

	if len(args) > 0 {
		val, ok := values[args[0]]
		if !ok {
			return fmt.Errorf("output %q not found", args[0])
		}
		if outputsJSON {
			data, err := json.Marshal(val)
			if err != nil {
				return err
			}
			val = string(data)
		}
		fmt.Fprintln(out, val)
		return nil
	}

	if outputsJSON {
		data, err := json.MarshalIndent(values, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}
	return renderOutputs(out, outputsTemplate, values)
}
