// Package secrets resolves AWS credentials and S3-compatible endpoint
// settings for the source and destination clients, in priority order:
// explicit values, then environment variables, then the AWS SDK's default
// chain (env vars it owns, shared config file, container/IAM role).
package secrets

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// Endpoint describes one side (source or destination) of a transfer: the
// bucket's region, credentials, and optional S3-compatible endpoint
// override.
type Endpoint struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
	EndpointURL     string
	ForcePathStyle  bool
}

// LoadAWSConfig resolves one Endpoint into an aws.Config, trying explicit
// fields first, then the named environment variable prefix (so the source
// and destination sides can each have independent env vars), then the SDK
// default chain. Only region and credentials reach the returned
// aws.Config; EndpointURL and ForcePathStyle are not applied.
func LoadAWSConfig(ctx context.Context, ep Endpoint, envPrefix string) (aws.Config, error) {
	if ep.AccessKeyID != "" && ep.SecretAccessKey != "" {
		return loadExplicit(ctx, ep)
	}

	if fromEnv, ok := loadFromEnvironment(envPrefix); ok {
		return loadExplicit(ctx, fromEnv)
	}

	region := ep.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load default aws config: %w", err)
	}
	return cfg, nil
}

func loadExplicit(ctx context.Context, ep Endpoint) (aws.Config, error) {
	region := ep.Region
	if region == "" {
		region = "us-east-1"
	}

	provider := credentials.NewStaticCredentialsProvider(ep.AccessKeyID, ep.SecretAccessKey, ep.SessionToken)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(provider),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load explicit aws config: %w", err)
	}
	return cfg, nil
}

func loadFromEnvironment(prefix string) (Endpoint, bool) {
	accessKey := os.Getenv(prefix + "_ACCESS_KEY_ID")
	secretKey := os.Getenv(prefix + "_SECRET_ACCESS_KEY")
	if accessKey == "" || secretKey == "" {
		return Endpoint{}, false
	}
	return Endpoint{
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		SessionToken:    os.Getenv(prefix + "_SESSION_TOKEN"),
		Region:          os.Getenv(prefix + "_REGION"),
		EndpointURL:     os.Getenv(prefix + "_ENDPOINT_URL"),
		ForcePathStyle:  os.Getenv(prefix+"_FORCE_PATH_STYLE") == "true",
	}, true
}
