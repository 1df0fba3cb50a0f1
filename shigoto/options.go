package shigoto

import "time"

// EnqueueOption configures a task built by Client.Enqueue.
type EnqueueOption func(*enqueueConfig)

type enqueueConfig struct {
	args     []any
	kwargs   Payload
	interval time.Duration
	cont     FuncRef
	periodic bool
}

// Args sets the positional arguments.
func Args(args ...any) EnqueueOption {
	return func(c *enqueueConfig) { c.args = args }
}

// Kwargs sets the keyword arguments.
func Kwargs(kw Payload) EnqueueOption {
	return func(c *enqueueConfig) { c.kwargs = kw }
}

// Every makes the task periodic: it is resubmitted every interval while the
// predicate registered as cont returns true.
func Every(interval time.Duration, cont FuncRef) EnqueueOption {
	return func(c *enqueueConfig) {
		c.periodic = true
		c.interval = interval
		c.cont = cont
	}
}
