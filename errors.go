package modelproxy

import "github.com/ferro-labs/model-proxy/internal/proxyerr"

// Errors returned by Service. Match them with errors.Is.
var (
	ErrAuth           = proxyerr.ErrAuth
	ErrPermission     = proxyerr.ErrPermission
	ErrQuotaExceeded  = proxyerr.ErrQuotaExceeded
	ErrConfiguration  = proxyerr.ErrConfiguration
	ErrUpstream       = proxyerr.ErrUpstream
	ErrRetryExhausted = proxyerr.ErrRetryExhausted
)
