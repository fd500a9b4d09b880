package topology

import (
	"github.com/privacydam/deploy/internal/env"
	"github.com/privacydam/deploy/internal/names"
	"github.com/privacydam/deploy/internal/settings"
	"github.com/privacydam/deploy/internal/token"
	awsprov "github.com/privacydam/deploy/providers/aws"
)

// withEnvironment overlays the assembly environment on configured
// variables. Assembly values win.
func withEnvironment(configured map[string]string, vars env.Environment) map[string]string {
	b := env.NewBuilder().Merge(configured)
	for _, k := range vars.Keys() {
		v, _ := vars.Get(k)
		b = b.Set(k, v)
	}
	frozen := b.Freeze()
	out := make(map[string]string, len(frozen.Keys()))
	for _, k := range frozen.Keys() {
		v, _ := frozen.Get(k)
		out[k] = v.Encode()
	}
	return out
}

// Function is the declared archiving function.
type Function struct {
	Name string
	ARN  token.Value
}

// declareFunction records the archive hash; a rebuilt archive at the same
// path is a change.
func declareFunction(s *Stack, cfg settings.Lambda, codeSHA256 string, role Role, vars env.Environment) (Function, error) {
	_, err := s.Add(awsprov.TypeFunction, names.Function, awsprov.FunctionConfig{
		FunctionName: names.Function,
		Description:  "Archiving function generated by privacyDAM",
		Runtime:      cfg.Runtime,
		Handler:      cfg.Handler,
		Role:         role.ARN.Encode(),
		Code:         cfg.Code,
		CodeSHA256:   codeSHA256,
		MemorySize:   cfg.Memory,
		Timeout:      cfg.Timeout,
		Environment:  withEnvironment(cfg.Environment, vars),
	})
	if err != nil {
		return Function{}, err
	}
	return Function{Name: names.Function, ARN: attr(awsprov.TypeFunction, names.Function, "arn")}, nil
}

// declareErrorAlarm raises when the function reports any error in a five
// minute window.
func declareErrorAlarm(s *Stack, fn Function) error {
	_, err := s.Add(awsprov.TypeAlarm, names.AlarmFunction, awsprov.AlarmConfig{
		AlarmName:          names.AlarmFunction,
		Description:        "Errors of " + fn.Name + " generated by privacyDAM",
		Namespace:          "AWS/Lambda",
		MetricName:         "Errors",
		Dimensions:         map[string]string{"FunctionName": attr(awsprov.TypeFunction, fn.Name, "name").Encode()},
		Statistic:          "Sum",
		Period:             300,
		EvaluationPeriods:  1,
		Threshold:          1,
		ComparisonOperator: "GreaterThanOrEqualToThreshold",
		TreatMissingData:   "notBreaching",
	})
	return err
}
