package credentials

import (
	"context"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// DefaultChainResolver walks the standard AWS credential chain (environment,
// shared config/profile, EC2 instance metadata, STS web identity) via
// aws-sdk-go-v2/config and returns the resolved keys. Used as the
// AWSStore.resolveChain implementation for instance-profile/web-identity
// stores, so the gateway never has to hand-roll the instance-metadata HTTP
// dance itself.
func DefaultChainResolver(ctx context.Context, profile string) func() (string, string, string, time.Time, error) {
	return func() (string, string, string, time.Time, error) {
		var opts []func(*awsconfig.LoadOptions) error
		if profile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
		}

		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return "", "", "", time.Time{}, err
		}

		creds, err := cfg.Credentials.Retrieve(ctx)
		if err != nil {
			return "", "", "", time.Time{}, err
		}

		var expires time.Time
		if creds.CanExpire {
			expires = creds.Expires
		}
		return creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken, expires, nil
	}
}
