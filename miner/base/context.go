package base

// BuilderCtx holds the execution time settings for one payload build.
type BuilderCtx struct {
	BlockExecutionTimeLimitUs uint64
	EnforceLimits             bool
}

func NewBuilderCtx(blockExecutionTimeLimitUs uint64, enforceLimits bool) BuilderCtx {
	return BuilderCtx{
		BlockExecutionTimeLimitUs: blockExecutionTimeLimitUs,
		EnforceLimits:             enforceLimits,
	}
}

func (c BuilderCtx) Limits() BlockLimits {
	return BlockLimits{ExecutionTimeUs: c.BlockExecutionTimeLimitUs}
}
