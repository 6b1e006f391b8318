package supervisor

// Defaults for the review convergence policy.
const (
	DefaultQualityThreshold = 0.75
	DefaultMaxIterations    = 3
)

// Policy bounds the review-fix loop.
type Policy struct {
	// QualityThreshold is the minimum review score that completes a
	// workflow.
	QualityThreshold float64
	// MaxIterations caps how many review-fix cycles run before the
	// workflow fails.
	MaxIterations int
}

// DefaultPolicy returns the standard convergence policy.
func DefaultPolicy() Policy {
	return Policy{
		QualityThreshold: DefaultQualityThreshold,
		MaxIterations:    DefaultMaxIterations,
	}
}

// normalized fills zero fields with defaults.
func (p Policy) normalized() Policy {
	if p.QualityThreshold <= 0 {
		p.QualityThreshold = DefaultQualityThreshold
	}
	if p.MaxIterations <= 0 {
		p.MaxIterations = DefaultMaxIterations
	}
	return p
}
