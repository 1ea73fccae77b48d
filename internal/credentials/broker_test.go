package credentials

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"provisioning-orchestrator/internal/errs"
	"provisioning-orchestrator/internal/models"
)

type fakeSTS struct {
	assumeErrs  []error
	assumeCalls int
	lastInput   *sts.AssumeRoleInput
	expiration  time.Time
}

func (f *fakeSTS) AssumeRole(_ context.Context, in *sts.AssumeRoleInput, _ ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	f.assumeCalls++
	f.lastInput = in
	if len(f.assumeErrs) > 0 {
		err := f.assumeErrs[0]
		f.assumeErrs = f.assumeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &sts.AssumeRoleOutput{Credentials: &ststypes.Credentials{
		AccessKeyId:     aws.String("ASIAEXAMPLEKEY"),
		SecretAccessKey: aws.String("super-secret-value"),
		SessionToken:    aws.String("session-token-value"),
		Expiration:      aws.Time(f.expiration),
	}}, nil
}

func (f *fakeSTS) GetCallerIdentity(context.Context, *sts.GetCallerIdentityInput, ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{
		Account: aws.String("123456789012"),
		Arn:     aws.String("arn:aws:sts::123456789012:assumed-role/deployer/session"),
		UserId:  aws.String("AROA:session"),
	}, nil
}

func newTestBroker(opts Options, fake *fakeSTS) *Broker {
	b := NewBroker(opts, zap.NewNop())
	b.opts.BackoffBase = time.Millisecond
	b.opts.BackoffMax = 2 * time.Millisecond
	b.baseSTS = func(context.Context, string) (STSAPI, error) { return fake, nil }
	b.stsFor = func(Credentials) STSAPI { return fake }
	return b
}

func roleAuth() models.AuthConfig {
	return models.AuthConfig{
		Method:     models.AuthAssumeRole,
		RoleARN:    "arn:aws:iam::123456789012:role/deployer",
		ExternalID: "ext-42",
	}
}

func TestAssumeRoleCredentialsExpireInFuture(t *testing.T) {
	fake := &fakeSTS{expiration: time.Now().Add(time.Hour)}
	b := newTestBroker(Options{}, fake)

	creds, err := b.Acquire(context.Background(), roleAuth(), "us-east-1")
	require.NoError(t, err)
	assert.True(t, creds.CanExpire())
	assert.True(t, creds.Expiration.After(time.Now()))
	assert.Equal(t, "us-east-1", creds.Region)
	assert.Equal(t, "session-token-value", creds.SessionToken)

	assert.Equal(t, int32(3600), aws.ToInt32(fake.lastInput.DurationSeconds))
	assert.Equal(t, "ext-42", aws.ToString(fake.lastInput.ExternalId))
	assert.Equal(t, "provisioning-orchestrator", aws.ToString(fake.lastInput.RoleSessionName))
}

func TestAssumeRoleRejectsExpiredCredentials(t *testing.T) {
	fake := &fakeSTS{expiration: time.Now().Add(-time.Second)}
	b := newTestBroker(Options{}, fake)

	_, err := b.Acquire(context.Background(), roleAuth(), "us-east-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrAuth))
}

func TestAssumeRoleAccessDeniedIsTerminal(t *testing.T) {
	denied := &smithy.GenericAPIError{Code: "AccessDenied", Message: "not authorized to perform sts:AssumeRole"}
	fake := &fakeSTS{assumeErrs: []error{denied, denied, denied}, expiration: time.Now().Add(time.Hour)}
	b := newTestBroker(Options{}, fake)

	_, err := b.Acquire(context.Background(), roleAuth(), "us-east-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrAuth))
	assert.Equal(t, 1, fake.assumeCalls)
	assert.Contains(t, errs.Message(err), "trust policy")
}

func TestAssumeRoleRetriesThrottling(t *testing.T) {
	throttled := &smithy.GenericAPIError{Code: "Throttling", Message: "rate exceeded"}
	fake := &fakeSTS{assumeErrs: []error{throttled, throttled}, expiration: time.Now().Add(time.Hour)}
	b := newTestBroker(Options{MaxAttempts: 3}, fake)

	_, err := b.Acquire(context.Background(), roleAuth(), "us-east-1")
	require.NoError(t, err)
	assert.Equal(t, 3, fake.assumeCalls)
}

func TestAssumeRoleGivesUpAfterThreeAttempts(t *testing.T) {
	throttled := &smithy.GenericAPIError{Code: "Throttling"}
	fake := &fakeSTS{assumeErrs: []error{throttled, throttled, throttled, throttled}, expiration: time.Now().Add(time.Hour)}
	b := newTestBroker(Options{MaxAttempts: 3}, fake)

	_, err := b.Acquire(context.Background(), roleAuth(), "us-east-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrAuth))
	assert.Equal(t, 3, fake.assumeCalls)
}

func TestStaticKeys(t *testing.T) {
	auth := models.AuthConfig{Method: models.AuthAccessKey}

	_, err := newTestBroker(Options{StaticAccessKey: "AKIAEXAMPLE", StaticSecretKey: "s"}, &fakeSTS{}).
		Acquire(context.Background(), auth, "us-west-2")
	assert.True(t, errors.Is(err, errs.ErrAuth), "disabled by default")

	creds, err := newTestBroker(Options{AllowAccessKey: true, StaticAccessKey: "AKIAEXAMPLE", StaticSecretKey: "s"}, &fakeSTS{}).
		Acquire(context.Background(), auth, "us-west-2")
	require.NoError(t, err)
	assert.False(t, creds.CanExpire())
	assert.Equal(t, "us-west-2", creds.Env()["AWS_DEFAULT_REGION"])
	_, hasToken := creds.Env()["AWS_SESSION_TOKEN"]
	assert.False(t, hasToken)
}

func TestProfileResolution(t *testing.T) {
	b := newTestBroker(Options{}, &fakeSTS{})
	expires := time.Now().Add(30 * time.Minute)
	b.loadProfile = func(_ context.Context, profile, region string) (aws.Credentials, error) {
		assert.Equal(t, "staging", profile)
		return aws.Credentials{AccessKeyID: "ASIAPROFILE", SecretAccessKey: "x", SessionToken: "t", CanExpire: true, Expires: expires}, nil
	}
	creds, err := b.Acquire(context.Background(), models.AuthConfig{Method: models.AuthProfile, Profile: "staging"}, "eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, expires, creds.Expiration)
	assert.Equal(t, models.AuthProfile, creds.Source)

	_, err = b.Acquire(context.Background(), models.AuthConfig{Method: "oauth"}, "eu-west-1")
	assert.True(t, errors.Is(err, errs.ErrAuth))
}

func TestIdentify(t *testing.T) {
	b := newTestBroker(Options{}, &fakeSTS{})
	id, err := b.Identify(context.Background(), Credentials{Region: "us-east-1"})
	require.NoError(t, err)
	assert.Equal(t, "123456789012", id.AccountID)
}

func TestCredentialsNeverRenderSecrets(t *testing.T) {
	creds := Credentials{AccessKey: "ASIAEXAMPLEKEY", SecretKey: "super-secret-value", SessionToken: "session-token-value"}
	for _, rendered := range []string{creds.String(), fmt.Sprintf("%v", creds), fmt.Sprintf("%#v", creds)} {
		assert.False(t, strings.Contains(rendered, "super-secret-value"), rendered)
		assert.False(t, strings.Contains(rendered, "session-token-value"), rendered)
		assert.Contains(t, rendered, "ASIA****")
	}
}
