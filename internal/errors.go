package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
)
