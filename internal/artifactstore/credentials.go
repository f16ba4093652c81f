package artifactstore

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// staticCredentials wraps a fixed access/secret key pair for S3-compatible
// endpoints (MinIO, etc.) that don't participate in the default AWS
// credential chain.
func staticCredentials(accessKey, secretKey string) aws.CredentialsProviderFunc {
	return func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey}, nil
	}
}
