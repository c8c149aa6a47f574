package objc

import (
	"fmt"
	"strings"
)

// IntegrityError reports a broken bridge invariant: retaining a static or
// freed object, borrowing a payload as the wrong type, and so on. It is raised
// with panic and stops the run.
type IntegrityError struct {
	Op     string
	Object ID
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Object, e.Detail)
}

func integrityf(op string, id ID, format string, args ...any) {
	panic(&IntegrityError{Op: op, Object: id, Detail: fmt.Sprintf(format, args...)})
}

// ConfigError reports invalid class registration data.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "class configuration: " + strings.Join(e.Problems, "; ")
}

// UnknownSelectorError is returned when dispatch finds no implementation.
type UnknownSelectorError struct {
	Class    string
	Selector string
	Meta     bool
}

func (e *UnknownSelectorError) Error() string {
	sign := "-"
	if e.Meta {
		sign = "+"
	}
	return fmt.Sprintf("%s[%s %s]: unrecognized selector", sign, e.Class, e.Selector)
}
