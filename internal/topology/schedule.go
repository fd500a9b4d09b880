package topology

import (
	"errors"
	"fmt"

	"github.com/privacydam/deploy/internal/names"
	"github.com/privacydam/deploy/internal/settings"
	awsprov "github.com/privacydam/deploy/providers/aws"
)

// CronExpression renders c as an EventBridge cron expression. Unset fields
// are "*", except that exactly one of day and weekDay must be "?".
func CronExpression(c settings.Cron) (string, error) {
	if c.Day != "" && c.WeekDay != "" {
		return "", errors.New("cron schedule cannot set both day and weekDay")
	}
	or := func(v, fallback string) string {
		if v == "" {
			return fallback
		}
		return v
	}
	day := or(c.Day, "*")
	if c.WeekDay != "" {
		day = "?"
	}
	return fmt.Sprintf("cron(%s %s %s %s %s %s)",
		or(c.Minute, "*"),
		or(c.Hour, "*"),
		day,
		or(c.Month, "*"),
		or(c.WeekDay, "?"),
		or(c.Year, "*"),
	), nil
}

// ScheduleExpression returns the configured expression, or one built from
// the cron fields when none is given.
func ScheduleExpression(ev settings.Events) (string, error) {
	if ev.Expression != "" {
		return ev.Expression, nil
	}
	return CronExpression(ev.Schedule)
}

// declareSchedule triggers fn on expression. Retries are left to
// EventBridge and Lambda.
func declareSchedule(s *Stack, fn Function, expression string) error {
	if _, err := s.Add(awsprov.TypeRule, names.Schedule, awsprov.RuleConfig{
		Name:               names.Schedule,
		Description:        "Schedule for " + fn.Name + " generated by privacyDAM",
		ScheduleExpression: expression,
		Enabled:            true,
	}); err != nil {
		return err
	}
	ruleARN := attr(awsprov.TypeRule, names.Schedule, "arn")

	if _, err := s.Add(awsprov.TypePermission, names.FunctionPermission, awsprov.PermissionConfig{
		FunctionName: attr(awsprov.TypeFunction, fn.Name, "name").Encode(),
		StatementID:  names.FunctionPermission,
		Action:       "lambda:InvokeFunction",
		Principal:    "events.amazonaws.com",
		SourceArn:    ruleARN.Encode(),
	}); err != nil {
		return err
	}

	// The target is added after the permission so the first invocation is
	// not rejected.
	_, err := s.Add(awsprov.TypeTarget, names.ScheduleTarget, awsprov.TargetConfig{
		Rule:     attr(awsprov.TypeRule, names.Schedule, "name").Encode(),
		TargetID: names.ScheduleTarget,
		Arn:      fn.ARN.Encode(),
	}, address(awsprov.TypePermission, names.FunctionPermission))
	return err
}
