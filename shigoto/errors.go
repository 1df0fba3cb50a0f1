package shigoto

import "errors"

var (
	// ErrSerialization is returned by Put when the channel codec cannot encode a message.
	// The message is not enqueued.
	ErrSerialization = errors.New("shigoto: serialization failed")

	// ErrDeserialization is returned by a codec when bytes cannot be decoded into a message.
	ErrDeserialization = errors.New("shigoto: deserialization failed")

	// ErrResolution is returned when a decoded task names a function that is not
	// registered in the consuming process.
	ErrResolution = errors.New("shigoto: function not resolvable")

	// ErrTaskExecution wraps an error or panic raised by a task's function.
	ErrTaskExecution = errors.New("shigoto: task execution failed")

	// ErrChannel wraps backend failures (connection loss, broker errors).
	// It is fatal to the node loop that observes it.
	ErrChannel = errors.New("shigoto: channel backend error")

	// ErrQueueFull is returned by TryPut when a bounded queue has no free slot.
	ErrQueueFull = errors.New("shigoto: queue full")

	// ErrChannelClosed is returned by operations on a closed channel or queue.
	ErrChannelClosed = errors.New("shigoto: channel closed")

	// ErrDuplicateFunc is returned when a qualified name is registered twice.
	ErrDuplicateFunc = errors.New("shigoto: duplicate function registration")

	// ErrInvalidFuncRef is returned when a function reference has an empty module or name.
	ErrInvalidFuncRef = errors.New("shigoto: invalid function reference")

	// ErrUnknownNode is returned when a process node name has no registered builder.
	ErrUnknownNode = errors.New("shigoto: unknown process node")

	// ErrInvalidChannelName is returned when a channel, key or topic name contains invalid characters.
	ErrInvalidChannelName = errors.New("shigoto: invalid channel name (only alphanumeric, hyphen, underscore, dot, colon allowed; max 128 chars)")
)
