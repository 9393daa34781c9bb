package call

import "time"

// Config contains the timing and retry policy of a call.
//
// The millisecond values are policy, not protocol: peers with different
// settings still interoperate. The defaults match the reference client
// behavior this engine was built against.
type Config struct {
	// InviteLifetime is how long an outbound invite remains answerable.
	// It is transmitted in the invite so the callee can expire it too.
	InviteLifetime time.Duration

	// CandidateBatchDelayInbound is how long an inbound call waits after
	// its answer is sent before flushing queued candidates, so several
	// can be amalgamated into one message. The callee gets the shorter
	// delay of the two: it needs less settling time before answering.
	CandidateBatchDelayInbound time.Duration

	// CandidateBatchDelayOutbound is the equivalent delay for outbound
	// calls after the invite is sent.
	CandidateBatchDelayOutbound time.Duration

	// CandidateRetryDelay is the delay before the first retry of a failed
	// candidate send. Each further consecutive failure doubles it.
	CandidateRetryDelay time.Duration

	// MaxCandidateRetries bounds consecutive candidate-send failures.
	// Reaching the bound terminates the call with a signalling failure.
	MaxCandidateRetries int

	// SettleDelay is the pause after setting a local description before
	// the invite/answer is transmitted, allowing the first burst of
	// gathered candidates to be folded into its description.
	SettleDelay time.Duration
}

// DefaultConfig returns the standard call policy.
func DefaultConfig() Config {
	return Config{
		InviteLifetime:              60 * time.Second,
		CandidateBatchDelayInbound:  500 * time.Millisecond,
		CandidateBatchDelayOutbound: 2 * time.Second,
		CandidateRetryDelay:         500 * time.Millisecond,
		MaxCandidateRetries:         5,
		SettleDelay:                 200 * time.Millisecond,
	}
}

// withDefaults fills zero-valued fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.InviteLifetime == 0 {
		c.InviteLifetime = def.InviteLifetime
	}
	if c.CandidateBatchDelayInbound == 0 {
		c.CandidateBatchDelayInbound = def.CandidateBatchDelayInbound
	}
	if c.CandidateBatchDelayOutbound == 0 {
		c.CandidateBatchDelayOutbound = def.CandidateBatchDelayOutbound
	}
	if c.CandidateRetryDelay == 0 {
		c.CandidateRetryDelay = def.CandidateRetryDelay
	}
	if c.MaxCandidateRetries == 0 {
		c.MaxCandidateRetries = def.MaxCandidateRetries
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = def.SettleDelay
	}
	return c
}
