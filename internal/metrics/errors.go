package metrics

import "errors"

// Sentinel errors returned by registry operations. Callers are expected to
// match them with errors.Is; the pipeline logs and skips recording errors
// rather than letting them surface into request handling.
var (
	// ErrInvalidDescriptor is returned by Register when a descriptor fails
	// validation. Treated as a configuration error, fatal at startup.
	ErrInvalidDescriptor = errors.New("invalid metric descriptor")

	// ErrDuplicateMetric is returned by Register when a name is already
	// taken by a descriptor with different properties. Re-registering an
	// identical descriptor is not an error.
	ErrDuplicateMetric = errors.New("duplicate metric registration")

	// ErrUnknownMetric is returned by name-keyed operations when no metric
	// with the given name has been registered.
	ErrUnknownMetric = errors.New("unknown metric")

	// ErrLabelMismatch is returned when the number of label values does not
	// match the registered label names.
	ErrLabelMismatch = errors.New("label values do not match descriptor")

	// ErrKindMismatch is returned when an operation is applied to a metric
	// of the wrong kind, such as Observe on a counter.
	ErrKindMismatch = errors.New("operation not supported by metric kind")

	// ErrCounterDecrease is returned when a counter is incremented by a
	// negative value.
	ErrCounterDecrease = errors.New("counter cannot decrease")
)
