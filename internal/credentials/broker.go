package credentials

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"provisioning-orchestrator/internal/awsutil"
	"provisioning-orchestrator/internal/config"
	"provisioning-orchestrator/internal/errs"
	"provisioning-orchestrator/internal/logging"
	"provisioning-orchestrator/internal/models"
	"provisioning-orchestrator/internal/retry"
)

// STSAPI is the subset of the STS client the broker calls.
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Options is the broker's immutable configuration.
type Options struct {
	StaticAccessKey string
	StaticSecretKey string
	AllowAccessKey  bool
	SessionName     string
	RoleDuration    time.Duration
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

// OptionsFromConfig extracts broker options from the service config.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		StaticAccessKey: cfg.AWSAccessKeyID,
		StaticSecretKey: cfg.AWSSecretAccessKey,
		AllowAccessKey:  cfg.Policy.AllowAccessKeyAuth,
		SessionName:     cfg.DefaultSessionName,
		RoleDuration:    cfg.AssumeRoleDuration,
		MaxAttempts:     cfg.AuthMaxAttempts,
		BackoffBase:     500 * time.Millisecond,
		BackoffMax:      5 * time.Second,
	}
}

// Identity is the principal behind a credential set.
type Identity struct {
	AccountID string
	ARN       string
	UserID    string
}

// Broker turns an AuthConfig into Credentials. It holds no live credentials between
// calls; each Acquire starts from the orchestrator's own identity.
type Broker struct {
	opts        Options
	baseSTS     func(ctx context.Context, region string) (STSAPI, error)
	stsFor      func(c Credentials) STSAPI
	loadProfile func(ctx context.Context, profile, region string) (aws.Credentials, error)
	logger      *zap.Logger
	now         func() time.Time
}

// NewBroker builds a broker backed by the AWS SDK default credential chain.
func NewBroker(opts Options, logger *zap.Logger) *Broker {
	if opts.RoleDuration <= 0 {
		opts.RoleDuration = time.Hour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.SessionName == "" {
		opts.SessionName = "provisioning-orchestrator"
	}
	return &Broker{
		opts: opts,
		baseSTS: func(ctx context.Context, region string) (STSAPI, error) {
			cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
			if err != nil {
				return nil, errors.Wrap(err, "load aws config")
			}
			return sts.NewFromConfig(cfg), nil
		},
		stsFor: func(c Credentials) STSAPI {
			return sts.NewFromConfig(c.AWSConfig())
		},
		loadProfile: func(ctx context.Context, profile, region string) (aws.Credentials, error) {
			cfg, err := awsconfig.LoadDefaultConfig(ctx,
				awsconfig.WithSharedConfigProfile(profile),
				awsconfig.WithRegion(region),
			)
			if err != nil {
				return aws.Credentials{}, errors.Wrapf(err, "load profile %s", profile)
			}
			return cfg.Credentials.Retrieve(ctx)
		},
		logger: logging.Component(logger, "credentials"),
		now:    time.Now,
	}
}

func (b *Broker) retryPolicy() retry.Policy {
	return retry.Policy{
		Attempts:  b.opts.MaxAttempts,
		Base:      b.opts.BackoffBase,
		Max:       b.opts.BackoffMax,
		Retryable: awsutil.IsTransient,
	}
}

// Acquire resolves credentials for one pipeline step in region. Access-denied and trust
// errors are terminal; throttling and network errors are retried with backoff.
func (b *Broker) Acquire(ctx context.Context, auth models.AuthConfig, region string) (Credentials, error) {
	switch auth.Method {
	case models.AuthAssumeRole:
		return b.assumeRole(ctx, auth, region)
	case models.AuthAccessKey:
		return b.staticKeys(region)
	case models.AuthProfile:
		return b.profile(ctx, auth, region)
	default:
		return Credentials{}, errs.Auth(errors.Newf("unsupported auth method %q", auth.Method))
	}
}

func (b *Broker) assumeRole(ctx context.Context, auth models.AuthConfig, region string) (Credentials, error) {
	if auth.RoleARN == "" {
		return Credentials{}, errs.Auth(errors.New("assume_role requires a role ARN"))
	}
	client, err := b.baseSTS(ctx, region)
	if err != nil {
		return Credentials{}, errs.Auth(err)
	}
	sessionName := auth.SessionName
	if sessionName == "" {
		sessionName = b.opts.SessionName
	}
	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(auth.RoleARN),
		RoleSessionName: aws.String(sessionName),
		DurationSeconds: aws.Int32(int32(b.opts.RoleDuration / time.Second)),
	}
	if auth.ExternalID != "" {
		input.ExternalId = aws.String(auth.ExternalID)
	}

	var out *sts.AssumeRoleOutput
	err = retry.Do(ctx, b.retryPolicy(), func(ctx context.Context, attempt int) error {
		var callErr error
		out, callErr = client.AssumeRole(ctx, input)
		if callErr != nil && awsutil.IsTransient(callErr) {
			b.logger.Warn("assume role attempt failed",
				zap.String("role_arn", auth.RoleARN),
				zap.Int(logging.FieldAttempt, attempt),
				zap.Error(callErr))
		}
		return callErr
	})
	if err != nil {
		err = errors.Wrapf(err, "assume role %s", auth.RoleARN)
		if awsutil.IsPermission(err) {
			err = errors.WithHint(err, "check the role trust policy and external id")
		}
		return Credentials{}, errs.Auth(err)
	}
	if out == nil || out.Credentials == nil {
		return Credentials{}, errs.Auth(errors.Newf("assume role %s: empty credentials", auth.RoleARN))
	}

	creds := Credentials{
		AccessKey:    aws.ToString(out.Credentials.AccessKeyId),
		SecretKey:    aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken: aws.ToString(out.Credentials.SessionToken),
		Expiration:   aws.ToTime(out.Credentials.Expiration),
		Region:       region,
		Source:       models.AuthAssumeRole,
	}
	if !creds.Expiration.After(b.now()) {
		return Credentials{}, errs.Auth(errors.Newf("assume role %s: credentials already expired at %s",
			auth.RoleARN, creds.Expiration.UTC().Format(time.RFC3339)))
	}
	b.logger.Info("assumed role",
		zap.String("role_arn", auth.RoleARN),
		zap.String(logging.FieldRegion, region),
		zap.Time("expires", creds.Expiration))
	return creds, nil
}

func (b *Broker) staticKeys(region string) (Credentials, error) {
	if !b.opts.AllowAccessKey {
		return Credentials{}, errs.Auth(errors.WithHint(
			errors.New("access key authentication is disabled"),
			"set ALLOW_ACCESS_KEY_AUTH=true or use assume_role"))
	}
	if b.opts.StaticAccessKey == "" || b.opts.StaticSecretKey == "" {
		return Credentials{}, errs.Auth(errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are not configured"))
	}
	return Credentials{
		AccessKey: b.opts.StaticAccessKey,
		SecretKey: b.opts.StaticSecretKey,
		Region:    region,
		Source:    models.AuthAccessKey,
	}, nil
}

func (b *Broker) profile(ctx context.Context, auth models.AuthConfig, region string) (Credentials, error) {
	if auth.Profile == "" {
		return Credentials{}, errs.Auth(errors.New("profile auth requires a profile name"))
	}
	var resolved aws.Credentials
	err := retry.Do(ctx, b.retryPolicy(), func(ctx context.Context, _ int) error {
		var callErr error
		resolved, callErr = b.loadProfile(ctx, auth.Profile, region)
		return callErr
	})
	if err != nil {
		return Credentials{}, errs.Auth(errors.Wrapf(err, "resolve profile %s", auth.Profile))
	}
	creds := Credentials{
		AccessKey:    resolved.AccessKeyID,
		SecretKey:    resolved.SecretAccessKey,
		SessionToken: resolved.SessionToken,
		Region:       region,
		Source:       models.AuthProfile,
	}
	if resolved.CanExpire {
		creds.Expiration = resolved.Expires
	}
	return creds, nil
}

// Identify returns the principal behind creds.
func (b *Broker) Identify(ctx context.Context, creds Credentials) (Identity, error) {
	client := b.stsFor(creds)
	var out *sts.GetCallerIdentityOutput
	err := retry.Do(ctx, b.retryPolicy(), func(ctx context.Context, _ int) error {
		var callErr error
		out, callErr = client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		return callErr
	})
	if err != nil {
		return Identity{}, errs.Auth(errors.Wrap(err, "get caller identity"))
	}
	return Identity{
		AccountID: aws.ToString(out.Account),
		ARN:       aws.ToString(out.Arn),
		UserID:    aws.ToString(out.UserId),
	}, nil
}
