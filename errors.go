package optracez

import "errors"

// Configuration and usage errors. They are reported through the manager's
// error and warning callbacks, never returned from ingestion calls.
var (
	ErrMissingDefinitionName = errors.New("trace definition has no name")
	ErrMissingRequiredSpans  = errors.New("trace definition has no required spans")
	ErrMissingVariants       = errors.New("trace definition has no variants")
	ErrSelfAdoption          = errors.New("trace definition adopts itself as a child")
	ErrInvalidVariant        = errors.New("unknown trace variant")
	ErrInvalidRelatedTo      = errors.New("relatedTo does not satisfy the relation schema")
	ErrUnknownRelationSchema = errors.New("unknown relation schema")
	ErrMissingSpanID         = errors.New("span has no id; one was generated")
	ErrNoCurrentTrace        = errors.New("no current trace for this tracer")
	ErrTraceAlreadyActive    = errors.New("trace is already active")
	ErrEmptyMatchDefinition  = errors.New("match definition is nil")
	ErrParentResolverPanic   = errors.New("parent resolver panicked")
)
