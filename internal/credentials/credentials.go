// Package credentials exchanges a job's configured trust relationship for short-lived
// cloud credentials. Nothing in this package persists secret material.
package credentials

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
)

// Credentials is an ephemeral credential set scoped to one pipeline step.
// The zero Expiration means the credentials do not expire.
type Credentials struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
	Expiration   time.Time
	Region       string
	Source       string
}

// CanExpire reports whether the credentials carry an expiration.
func (c Credentials) CanExpire() bool {
	return !c.Expiration.IsZero()
}

// String renders the credentials with every secret masked.
func (c Credentials) String() string {
	exp := "never"
	if c.CanExpire() {
		exp = c.Expiration.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("credentials{source=%s region=%s access_key=%s secret_key=%s session_token=%s expires=%s}",
		c.Source, c.Region, Mask(c.AccessKey), redact(c.SecretKey), redact(c.SessionToken), exp)
}

// GoString keeps %#v from leaking secrets.
func (c Credentials) GoString() string {
	return c.String()
}

// Env returns the environment variables the IaC tool reads credentials from.
func (c Credentials) Env() map[string]string {
	env := map[string]string{
		"AWS_ACCESS_KEY_ID":     c.AccessKey,
		"AWS_SECRET_ACCESS_KEY": c.SecretKey,
		"AWS_DEFAULT_REGION":    c.Region,
		"AWS_REGION":            c.Region,
	}
	if c.SessionToken != "" {
		env["AWS_SESSION_TOKEN"] = c.SessionToken
	}
	return env
}

// AWSConfig builds an SDK config bound to these credentials only.
func (c Credentials) AWSConfig() aws.Config {
	return aws.Config{
		Region:      c.Region,
		Credentials: aws.NewCredentialsCache(awscreds.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, c.SessionToken)),
	}
}

// Mask hides all but the first four characters of a secret.
func Mask(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 4:
		return "****"
	default:
		return secret[:4] + "****"
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
}
