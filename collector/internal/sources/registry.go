package sources

import (
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/account"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/applicationsignals"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/configservice"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/guardduty"
	"github.com/aws/aws-sdk-go-v2/service/health"
	"github.com/aws/aws-sdk-go-v2/service/inspector2"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	"github.com/aws/aws-sdk-go-v2/service/resiliencehub"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/securityhub"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/support"
	"github.com/aws/aws-sdk-go-v2/service/wafv2"

	"github.com/telhawk-systems/accountscope/common/awsconfig"
)

// GlobalRegion hosts the services that only answer in one region.
const GlobalRegion = "us-east-1"

// Default builds one source per domain from cfg, in document order.
func Default(cfg aws.Config, throttle *Throttle, logger *slog.Logger) []Source {
	global := awsconfig.ForRegion(cfg, GlobalRegion)
	ce := costexplorer.NewFromConfig(global)

	return []Source{
		NewAccountSource(organizations.NewFromConfig(global), account.NewFromConfig(cfg), throttle, logger),
		NewConfigSource(configservice.NewFromConfig(cfg), throttle, logger),
		NewServiceSource(ce, throttle),
		NewCostSource(ce, throttle, logger),
		NewSecuritySource(SecurityClients{
			SecurityHub:    securityhub.NewFromConfig(cfg),
			GuardDuty:      guardduty.NewFromConfig(cfg),
			KMS:            kms.NewFromConfig(cfg),
			WAFRegional:    wafv2.NewFromConfig(cfg),
			WAFCloudFront:  wafv2.NewFromConfig(global),
			CloudTrail:     cloudtrail.NewFromConfig(cfg),
			SecretsManager: secretsmanager.NewFromConfig(cfg),
			ACM:            acm.NewFromConfig(cfg),
			Inspector:      inspector2.NewFromConfig(cfg),
		}, throttle, logger),
		NewInventorySource(ssm.NewFromConfig(cfg), throttle, logger),
		NewMarketplaceSource(ce, throttle),
		NewTrustedAdvisorSource(support.NewFromConfig(global), throttle, logger),
		NewHealthSource(health.NewFromConfig(global), throttle, logger),
		NewApplicationSource(applicationsignals.NewFromConfig(cfg), throttle, logger),
		NewResilienceSource(resiliencehub.NewFromConfig(cfg), throttle, logger),
	}
}

// DefaultIdentity resolves the caller through STS.
func DefaultIdentity(cfg aws.Config, throttle *Throttle) *STSIdentity {
	return NewSTSIdentity(sts.NewFromConfig(cfg), throttle)
}
