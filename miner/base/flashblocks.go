package base

// FlashblocksCtx tracks the execution time budget of the flashblock batch
// currently being built.
type FlashblocksCtx struct {
	// TargetExecutionTimeUs is the absolute limit for the open batch.
	TargetExecutionTimeUs   uint64
	ExecutionTimePerBatchUs uint64
	EnforceLimits           bool
}

func NewFlashblocksCtx(executionTimePerBatchUs uint64, enforceLimits bool) FlashblocksCtx {
	return FlashblocksCtx{
		TargetExecutionTimeUs:   executionTimePerBatchUs,
		ExecutionTimePerBatchUs: executionTimePerBatchUs,
		EnforceLimits:           enforceLimits,
	}
}

// Next opens the following batch. Unlike gas and DA, unused execution time is
// not carried over: the target is re-anchored on what was consumed so far.
func (c FlashblocksCtx) Next(cumulativeExecutionTimeUs uint64) FlashblocksCtx {
	c.TargetExecutionTimeUs = saturatingAdd(cumulativeExecutionTimeUs, c.ExecutionTimePerBatchUs)
	return c
}

func (c FlashblocksCtx) BuilderCtx() BuilderCtx {
	return NewBuilderCtx(c.TargetExecutionTimeUs, c.EnforceLimits)
}
