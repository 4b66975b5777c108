package bucket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSTS struct {
	lastInput *sts.GetFederationTokenInput
}

func (f *fakeSTS) GetFederationToken(ctx context.Context, params *sts.GetFederationTokenInput, optFns ...func(*sts.Options)) (*sts.GetFederationTokenOutput, error) {
	f.lastInput = params
	exp := time.Now().Add(time.Hour)
	return &sts.GetFederationTokenOutput{
		Credentials: &ststypes.Credentials{
			AccessKeyId:     aws.String("AKIAFAKE"),
			SecretAccessKey: aws.String("secret"),
			SessionToken:    aws.String("token"),
			Expiration:      &exp,
		},
	}, nil
}

func TestScopedCredentials(t *testing.T) {
	fake := &fakeSTS{}
	b := &Broker{sts: fake, bucket: "nebu-artifacts", region: "us-east-1"}

	creds, err := b.ScopedCredentials(context.Background(), "default", "trainer")
	require.NoError(t, err)

	assert.Equal(t, "AKIAFAKE", creds.AccessKeyID)
	assert.Equal(t, "nebu-artifacts", creds.Bucket)
	assert.Equal(t, "data/default/trainer", creds.DataPrefix)
	assert.Equal(t, "cache/default", creds.CachePrefix)
	assert.False(t, creds.Expiration.IsZero())

	require.NotNil(t, fake.lastInput)
	assert.Equal(t, int32(43200), aws.ToInt32(fake.lastInput.DurationSeconds))
	assert.LessOrEqual(t, len(aws.ToString(fake.lastInput.Name)), 32)
}

func TestSessionPolicyScoping(t *testing.T) {
	policy, err := sessionPolicy("nebu-artifacts", "data/default/trainer", "cache/default")
	require.NoError(t, err)

	var doc policyDocument
	require.NoError(t, json.Unmarshal([]byte(policy), &doc))
	require.Len(t, doc.Statement, 2)

	objects := doc.Statement[0]
	assert.Contains(t, objects.Resource, "arn:aws:s3:::nebu-artifacts/data/default/trainer/*")
	assert.Contains(t, objects.Resource, "arn:aws:s3:::nebu-artifacts/cache/default/*")
	// No statement may grant the bucket root for object actions.
	assert.NotContains(t, objects.Resource, "arn:aws:s3:::nebu-artifacts/*")

	list := doc.Statement[1]
	assert.Equal(t, []string{"s3:ListBucket"}, list.Action)
	assert.Equal(t, []string{"data/default/trainer/*", "cache/default/*"}, list.Condition["StringLike"]["s3:prefix"])
}

func TestFederationNameTruncation(t *testing.T) {
	n := federationName("a-very-long-namespace-name", "an-even-longer-container-name")
	assert.LessOrEqual(t, len(n), 32)
}
