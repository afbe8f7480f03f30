// Package errors provides the classified error primitives used across previewd.
//
// A ClassifiedError carries a category (validation, unauthorized, not_found,
// invalid_state, process, timeout, ...), a severity and a retry hint. The HTTP
// adapter maps categories to status codes so handlers never switch on error
// strings.
//
// Example usage:
//
//	err := errors.ProcessError("dependency install failed").
//		WithContext("exit_code", 1).
//		WithCause(runErr).
//		Build()
package errors
