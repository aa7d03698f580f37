package config

import "time"

// PipelineConfig tunes the webhook gate, the idempotency ledger and the
// retry controller.
type PipelineConfig struct {
	WebhookTolerance  time.Duration
	ResponseBudget    time.Duration
	ProcessingTimeout time.Duration
	InFlightWait      time.Duration
	Retention         time.Duration // ledger records and raw payment events
	Lease             time.Duration // pending ledger records older than this are stale

	RetryAttempts       int
	RetryBase           time.Duration
	RetryCap            time.Duration
	RetryAttemptTimeout time.Duration
}

func LoadPipelineConfig() PipelineConfig {
	c := PipelineConfig{
		WebhookTolerance:  envDur("WEBHOOK_TOLERANCE", 5*time.Minute),
		ResponseBudget:    envDur("WEBHOOK_RESPONSE_BUDGET", 4500*time.Millisecond),
		ProcessingTimeout: envDur("WEBHOOK_PROCESSING_TIMEOUT", 2*time.Minute),
		InFlightWait:      envDur("WEBHOOK_INFLIGHT_WAIT", 1500*time.Millisecond),
		Retention:         envDur("IDEMPOTENCY_RETENTION", 720*time.Hour),
		Lease:             envDur("IDEMPOTENCY_LEASE", 2*time.Minute),

		RetryAttempts:       envInt("RETRY_ATTEMPTS", 5),
		RetryBase:           envDur("RETRY_BASE", 500*time.Millisecond),
		RetryCap:            envDur("RETRY_CAP", 10*time.Second),
		RetryAttemptTimeout: envDur("RETRY_ATTEMPT_TIMEOUT", 10*time.Second),
	}
	if c.RetryAttempts < 1 {
		c.RetryAttempts = 1
	}
	if c.RetryCap < c.RetryBase {
		c.RetryCap = c.RetryBase
	}
	// A stale lease must outlive one full processing run.
	if c.Lease < c.ProcessingTimeout {
		c.Lease = c.ProcessingTimeout
	}
	return c
}

// SuspiciousConfig controls blocking of sources that keep failing webhook
// authentication.
type SuspiciousConfig struct {
	Threshold int
	Window    time.Duration
	Block     time.Duration
	Prefix    string
}

func LoadSuspiciousConfig() SuspiciousConfig {
	c := SuspiciousConfig{
		Threshold: envInt("SUSPICIOUS_THRESHOLD", 10),
		Window:    envDur("SUSPICIOUS_WINDOW", 10*time.Minute),
		Block:     envDur("SUSPICIOUS_BLOCK", 15*time.Minute),
		Prefix:    envStr("SUSPICIOUS_PREFIX", "suspicious"),
	}
	if c.Threshold < 1 {
		c.Threshold = 1
	}
	return c
}
