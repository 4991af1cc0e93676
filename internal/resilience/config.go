package resilience

import "time"

// ConflictRetryConfig builds the retry policy used when a reconcile loses a
// canonical write race. maxAttempts <= 0 keeps the default.
func ConflictRetryConfig(maxAttempts int, shouldRetry func(error) bool) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	cfg.ShouldRetry = func(err error) bool {
		return (shouldRetry != nil && shouldRetry(err)) || IsTransient(err)
	}
	cfg.OnRetry = RetryLogger("reconcile", "decide")
	return cfg
}

// WebhookCircuitConfig builds the breaker guarding webhook delivery.
func WebhookCircuitConfig(failureThreshold int, resetTimeout time.Duration) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	cfg.Name = "webhook"
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeout > 0 {
		cfg.ResetTimeout = resetTimeout
	}
	return cfg
}
