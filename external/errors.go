package external

import "fmt"

// GatewayError indicates that a call to the payment processor failed or timed
// out. The local projection is left untouched; the caller decides on retry.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway: %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// SignatureError indicates that a webhook delivery failed signature
// verification. No store may be touched once this is returned.
type SignatureError struct {
	Err error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("webhook signature verification failed: %v", e.Err)
}

func (e *SignatureError) Unwrap() error {
	return e.Err
}

// ConfigError indicates a missing required configuration value, such as an
// unmapped paid plan or a missing webhook secret in production.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return e.Reason
}
