// Package awsutil classifies AWS SDK errors for the retry policies of the broker and
// the image cache manager.
package awsutil

import (
	"context"
	"net"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
)

// ErrorCode returns the API error code carried by err, or "".
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

var transientCodes = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"RequestLimitExceeded":     true,
	"TooManyRequestsException": true,
	"RequestThrottled":         true,
	"InternalError":            true,
	"InternalFailure":          true,
	"ServiceUnavailable":       true,
	"Unavailable":              true,
	"IDPCommunicationError":    true,
	"RequestTimeout":           true,
	"RequestTimeoutException":  true,
	"EC2ThrottledException":    true,
}

// IsTransient reports whether err is worth retrying: throttling, server faults, and
// network failures. Permission, quota, and state errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if transientCodes[apiErr.ErrorCode()] {
			return true
		}
		return apiErr.ErrorFault() == smithy.FaultServer
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *smithy.OperationError
	if errors.As(err, &opErr) {
		msg := strings.ToLower(opErr.Err.Error())
		return strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") || strings.Contains(msg, "eof")
	}
	return false
}

// IsPermission reports whether err is an authorization failure.
func IsPermission(err error) bool {
	switch ErrorCode(err) {
	case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation", "AuthFailure",
		"InvalidClientTokenId", "ExpiredToken", "ExpiredTokenException", "SignatureDoesNotMatch":
		return true
	}
	return false
}
