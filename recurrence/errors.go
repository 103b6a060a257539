package recurrence

import (
	"errors"
	"fmt"
)

// Rule field names reported in InvalidRuleError
const (
	FieldFrequency  = "frequency"
	FieldInterval   = "interval"
	FieldCount      = "count"
	FieldUntil      = "until"
	FieldWeekStart  = "weekStart"
	FieldByDay      = "byDay"
	FieldByMonthDay = "byMonthDay"
	FieldByMonth    = "byMonth"
)

// ErrInvalidRule matches any *InvalidRuleError with errors.Is
var ErrInvalidRule = errors.New("invalid recurrence rule")

// InvalidRuleError reports the first rule field that failed validation
type InvalidRuleError struct {
	Field  string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("invalid recurrence rule: %s: %s", e.Field, e.Reason)
}

func (e *InvalidRuleError) Is(target error) bool {
	return target == ErrInvalidRule
}
