package awsutil

import (
	"context"
	"net"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	throttled := &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "slow down"}
	denied := &smithy.GenericAPIError{Code: "UnauthorizedOperation", Message: "no"}
	server := &smithy.GenericAPIError{Code: "Weird", Fault: smithy.FaultServer}

	assert.True(t, IsTransient(errors.Wrap(throttled, "describe images")))
	assert.True(t, IsTransient(server))
	assert.True(t, IsTransient(&net.OpError{Op: "dial", Err: errors.New("connection refused")}))
	assert.False(t, IsTransient(denied))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))

	assert.True(t, IsPermission(denied))
	assert.False(t, IsPermission(throttled))
	assert.Equal(t, "RequestLimitExceeded", ErrorCode(throttled))
	assert.Equal(t, "", ErrorCode(errors.New("plain")))
}
