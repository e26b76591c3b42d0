package server

import "context"

// FuncChecker adapts a function into a ReadinessChecker.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

// NewFuncChecker wraps check as a named readiness checker.
func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

// Name implements ReadinessChecker.
func (c *FuncChecker) Name() string {
	return c.name
}

// CheckReady implements ReadinessChecker.
func (c *FuncChecker) CheckReady(ctx context.Context) error {
	return c.check(ctx)
}
