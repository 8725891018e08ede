package task

import "errors"

var (
	// ErrNoCapableModel means the capability filter produced an empty set.
	ErrNoCapableModel = errors.New("no capable model")
	// ErrAllProvidersFailed means retries and fallback were exhausted.
	ErrAllProvidersFailed = errors.New("all providers failed")
	// ErrDependenciesUnmet means a prerequisite has not completed yet.
	ErrDependenciesUnmet = errors.New("dependencies not met")
	// ErrTaskTimeout means a workflow step exceeded its wait bound.
	// The underlying task is not failed by it.
	ErrTaskTimeout = errors.New("task timeout")
	// ErrNotAssignedToAgent is a protocol violation and should not be retried.
	ErrNotAssignedToAgent = errors.New("task not assigned to this agent")
	ErrTaskNotFound       = errors.New("task not found")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrInvalidTransition  = errors.New("invalid transition")
)
