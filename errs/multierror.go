package errs

import (
	"github.com/hashicorp/errwrap"
	multierror "github.com/hashicorp/go-multierror"
)

// Collector aggregates independent failures from concurrent
// sub-operations (prefetch, write-back) into a single reportable error,
// the way the thread pool's task group joins worker results.
type Collector struct {
	merr *multierror.Error
}

// Add records err, ignoring nil.
func (c *Collector) Add(err error) {
	if err == nil {
		return
	}
	c.merr = multierror.Append(c.merr, err)
}

// ErrorOrNil returns the aggregated error, or nil if nothing was added.
func (c *Collector) ErrorOrNil() error {
	if c.merr == nil {
		return nil
	}
	return c.merr.ErrorOrNil()
}

// WrapCause wraps err with a causal message using errwrap, preserving
// the ability to errwrap.Walk through the chain.
func WrapCause(msg string, err error) error {
	if err == nil {
		return nil
	}
	return errwrap.Wrapf(msg+": {{err}}", err)
}
