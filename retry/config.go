// Package retry runs a single operation with exponential backoff, jitter and a
// per-attempt timeout, stopping early on errors that another attempt cannot fix.
package retry

import (
	"errors"
	"math"
	"time"

	"github.com/c360studio/lexitask/task"
)

// JitterFraction is the symmetric share of the backoff added as uniform jitter.
const JitterFraction = 0.2

// Config holds retry configuration for one class of operations.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration

	// BackoffMultiplier is applied to the delay after each failed attempt.
	BackoffMultiplier float64

	// RetryableKinds lists the error kinds worth another attempt.
	RetryableKinds map[task.ErrorKind]bool

	// Timeout bounds each individual attempt. Zero disables the per-attempt timer.
	Timeout time.Duration
}

// DefaultConfig returns the profile used for translation-class work.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		BaseDelay:         1 * time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		RetryableKinds:    task.DefaultRetryable(),
		Timeout:           30 * time.Second,
	}
}

// FastConfig returns a short profile for latency-sensitive work such as
// language detection or speech, where a late answer is worthless.
func FastConfig() Config {
	return Config{
		MaxAttempts:       2,
		BaseDelay:         200 * time.Millisecond,
		MaxDelay:          1 * time.Second,
		BackoffMultiplier: 1.5,
		RetryableKinds:    task.DefaultRetryable(),
		Timeout:           5 * time.Second,
	}
}

// LongConfig returns a profile for long generations such as article summaries.
func LongConfig() Config {
	return Config{
		MaxAttempts:       3,
		BaseDelay:         2 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		RetryableKinds:    task.DefaultRetryable(),
		Timeout:           90 * time.Second,
	}
}

// ForKind returns the built-in profile for a task kind.
func ForKind(kind task.Kind) Config {
	switch kind {
	case task.KindDetectLanguage:
		return FastConfig()
	case task.KindSummarize, task.KindAnalyzeVocabulary:
		return LongConfig()
	case task.KindTranslate, task.KindRewrite:
		return DefaultConfig()
	}
	return DefaultConfig()
}

// IsRetryable reports whether an error kind may be retried under this config.
func (c Config) IsRetryable(kind task.ErrorKind) bool {
	if c.RetryableKinds == nil {
		return kind.IsRetryable()
	}
	return c.RetryableKinds[kind]
}

// BaseBackoff returns min(BaseDelay * BackoffMultiplier^(attempt-1), MaxDelay)
// for the delay that follows the given 1-indexed attempt.
func (c Config) BaseBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.BaseDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if delay > float64(c.MaxDelay) || math.IsInf(delay, 0) {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

// Backoff applies additive jitter of ±JitterFraction to BaseBackoff and clamps the
// outcome to [0, MaxDelay]. rnd must return a value in [0, 1).
func (c Config) Backoff(attempt int, rnd func() float64) time.Duration {
	base := c.BaseBackoff(attempt)
	jitter := float64(base) * JitterFraction * (rnd()*2 - 1)

	delay := base + time.Duration(jitter)
	if delay < 0 {
		return 0
	}
	if delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

// Budget is the longest Execute can run under this config: every attempt hitting
// its timeout plus the largest jittered delay between attempts. It is zero when
// Timeout is zero, since attempts are then unbounded.
func (c Config) Budget() time.Duration {
	if c.Timeout <= 0 || c.MaxAttempts < 1 {
		return 0
	}
	total := time.Duration(c.MaxAttempts) * c.Timeout
	for attempt := 1; attempt < c.MaxAttempts; attempt++ {
		delay := c.BaseBackoff(attempt)
		delay += time.Duration(float64(delay) * JitterFraction)
		total += min(delay, c.MaxDelay)
	}
	return total
}

// Validate checks if the retry configuration is usable.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("MaxAttempts must be at least 1")
	}
	if c.BaseDelay < 0 {
		return errors.New("BaseDelay must be non-negative")
	}
	if c.MaxDelay < c.BaseDelay {
		return errors.New("MaxDelay cannot be less than BaseDelay")
	}
	if c.BackoffMultiplier < 1 {
		return errors.New("BackoffMultiplier must be at least 1")
	}
	if c.Timeout < 0 {
		return errors.New("Timeout must be non-negative")
	}
	return nil
}
