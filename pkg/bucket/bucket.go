package bucket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/agentsea/nebulous/pkg/config"
)

// DefaultDuration is how long brokered credentials stay valid.
const DefaultDuration = 12 * time.Hour

// Credentials are short-lived S3 credentials scoped to one container's
// object prefixes.
type Credentials struct {
	AccessKeyID     string    `json:"access_key_id"`
	SecretAccessKey string    `json:"secret_access_key"`
	SessionToken    string    `json:"session_token"`
	Expiration      time.Time `json:"expiration"`
	Bucket          string    `json:"bucket"`
	Region          string    `json:"region"`
	DataPrefix      string    `json:"data_prefix"`
	CachePrefix     string    `json:"cache_prefix"`
}

type federationAPI interface {
	GetFederationToken(ctx context.Context, params *sts.GetFederationTokenInput, optFns ...func(*sts.Options)) (*sts.GetFederationTokenOutput, error)
}

// Broker mints scoped credentials against the shared artifact bucket.
type Broker struct {
	sts    federationAPI
	bucket string
	region string
}

// New builds a broker from the ambient AWS credential chain.
func New(ctx context.Context, cfg config.ServerConfig) (*Broker, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.BucketRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &Broker{
		sts:    sts.NewFromConfig(awsCfg),
		bucket: cfg.BucketName,
		region: cfg.BucketRegion,
	}, nil
}

// DataPrefix is where a container's synced volume data lives.
func DataPrefix(namespace, name string) string {
	return fmt.Sprintf("data/%s/%s", namespace, name)
}

// CachePrefix is the namespace-wide cache area shared by a namespace's
// containers (model weights, build artifacts).
func CachePrefix(namespace string) string {
	return fmt.Sprintf("cache/%s", namespace)
}

// ScopedCredentials mints federation-token credentials whose inline session
// policy only allows object access under the container's data prefix and its
// namespace cache prefix. The workload gets these as AWS_* env vars, so the
// scoping is the only thing keeping tenants out of each other's objects.
func (b *Broker) ScopedCredentials(ctx context.Context, namespace, name string) (*Credentials, error) {
	data := DataPrefix(namespace, name)
	cache := CachePrefix(namespace)

	policy, err := sessionPolicy(b.bucket, data, cache)
	if err != nil {
		return nil, err
	}

	out, err := b.sts.GetFederationToken(ctx, &sts.GetFederationTokenInput{
		Name:            aws.String(federationName(namespace, name)),
		Policy:          aws.String(policy),
		DurationSeconds: aws.Int32(int32(DefaultDuration.Seconds())),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get federation token: %w", err)
	}
	if out.Credentials == nil {
		return nil, fmt.Errorf("federation token response had no credentials")
	}

	creds := &Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Bucket:          b.bucket,
		Region:          b.region,
		DataPrefix:      data,
		CachePrefix:     cache,
	}
	if out.Credentials.Expiration != nil {
		creds.Expiration = *out.Credentials.Expiration
	}
	return creds, nil
}

// federationName fits the GetFederationToken Name constraint (2-32 chars).
func federationName(namespace, name string) string {
	n := fmt.Sprintf("nebu-%s-%s", namespace, name)
	if len(n) > 32 {
		n = n[:32]
	}
	return n
}

type policyStatement struct {
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource []string `json:"Resource"`
	// Condition restricts ListBucket to the allowed prefixes.
	Condition map[string]map[string][]string `json:"Condition,omitempty"`
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

func sessionPolicy(bucket, dataPrefix, cachePrefix string) (string, error) {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{
				Effect: "Allow",
				Action: []string{"s3:GetObject", "s3:PutObject", "s3:DeleteObject"},
				Resource: []string{
					fmt.Sprintf("arn:aws:s3:::%s/%s/*", bucket, dataPrefix),
					fmt.Sprintf("arn:aws:s3:::%s/%s/*", bucket, cachePrefix),
				},
			},
			{
				Effect:   "Allow",
				Action:   []string{"s3:ListBucket"},
				Resource: []string{fmt.Sprintf("arn:aws:s3:::%s", bucket)},
				Condition: map[string]map[string][]string{
					"StringLike": {
						"s3:prefix": {dataPrefix + "/*", cachePrefix + "/*"},
					},
				},
			},
		},
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to render session policy: %w", err)
	}
	return string(data), nil
}
