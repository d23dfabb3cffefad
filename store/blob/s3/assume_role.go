package s3

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// defaultRoleSessionName names assumed-role sessions when none is configured.
const defaultRoleSessionName = "inbox-blob-store"

// assumeRoleCredentials returns a cached provider that assumes roleARN via STS.
func assumeRoleCredentials(cfg aws.Config, o *options) aws.CredentialsProvider {
	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), o.roleARN, func(ao *stscreds.AssumeRoleOptions) {
		ao.RoleSessionName = o.roleSessionName
		if ao.RoleSessionName == "" {
			ao.RoleSessionName = defaultRoleSessionName
		}
		if o.externalID != "" {
			ao.ExternalID = aws.String(o.externalID)
		}
	})
	return aws.NewCredentialsCache(provider)
}
