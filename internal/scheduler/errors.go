package scheduler

import "errors"

// Error taxonomy for C5 (spec.md §7: ResourceError, PreemptionError).
var (
	ErrNoGpusVisible          = errors.New("scheduler: no gpus visible")
	ErrInsufficientMemory     = errors.New("scheduler: insufficient memory")
	ErrGpuPinnedDeviceMissing = errors.New("scheduler: pinned gpu device missing")

	ErrPreemptionRateLimited = errors.New("scheduler: preemption rate limited")
	ErrNoEligibleVictim      = errors.New("scheduler: no eligible preemption victim")
	ErrPriorityGapTooSmall   = errors.New("scheduler: priority gap too small")

	ErrUnknownModel = errors.New("scheduler: unknown model")
)
