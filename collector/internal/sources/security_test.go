package sources

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/guardduty"
	gdtypes "github.com/aws/aws-sdk-go-v2/service/guardduty/types"
	"github.com/aws/aws-sdk-go-v2/service/inspector2"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/securityhub"
	shtypes "github.com/aws/aws-sdk-go-v2/service/securityhub/types"
	"github.com/aws/aws-sdk-go-v2/service/wafv2"
	waftypes "github.com/aws/aws-sdk-go-v2/service/wafv2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var securitySubsections = []string{
	"security_hub", "guard_duty", "kms", "waf", "waf_rules",
	"cloudtrail", "secrets_manager", "certificate_manager", "inspector",
}

type fakeSecurityHub struct {
	getFindings func(in *securityhub.GetFindingsInput) (*securityhub.GetFindingsOutput, error)
	inputs      []*securityhub.GetFindingsInput
}

func (f *fakeSecurityHub) GetFindings(_ context.Context, in *securityhub.GetFindingsInput, _ ...func(*securityhub.Options)) (*securityhub.GetFindingsOutput, error) {
	f.inputs = append(f.inputs, in)
	return f.getFindings(in)
}

type fakeGuardDuty struct {
	listDetectors func() (*guardduty.ListDetectorsOutput, error)
	listFindings  func(in *guardduty.ListFindingsInput) (*guardduty.ListFindingsOutput, error)
	getFindings   func(in *guardduty.GetFindingsInput) (*guardduty.GetFindingsOutput, error)
}

func (f *fakeGuardDuty) ListDetectors(context.Context, *guardduty.ListDetectorsInput, ...func(*guardduty.Options)) (*guardduty.ListDetectorsOutput, error) {
	return f.listDetectors()
}

func (f *fakeGuardDuty) ListFindings(_ context.Context, in *guardduty.ListFindingsInput, _ ...func(*guardduty.Options)) (*guardduty.ListFindingsOutput, error) {
	return f.listFindings(in)
}

func (f *fakeGuardDuty) GetFindings(_ context.Context, in *guardduty.GetFindingsInput, _ ...func(*guardduty.Options)) (*guardduty.GetFindingsOutput, error) {
	return f.getFindings(in)
}

type fakeKMS struct {
	keys     []string
	listErr  error
	describe func(id string) (*kms.DescribeKeyOutput, error)
	rotation map[string]bool
}

func (f *fakeKMS) ListKeys(context.Context, *kms.ListKeysInput, ...func(*kms.Options)) (*kms.ListKeysOutput, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := &kms.ListKeysOutput{}
	for _, k := range f.keys {
		out.Keys = append(out.Keys, kmstypes.KeyListEntry{KeyId: aws.String(k)})
	}
	return out, nil
}

func (f *fakeKMS) DescribeKey(_ context.Context, in *kms.DescribeKeyInput, _ ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	return f.describe(aws.ToString(in.KeyId))
}

func (f *fakeKMS) GetKeyRotationStatus(_ context.Context, in *kms.GetKeyRotationStatusInput, _ ...func(*kms.Options)) (*kms.GetKeyRotationStatusOutput, error) {
	return &kms.GetKeyRotationStatusOutput{KeyRotationEnabled: f.rotation[aws.ToString(in.KeyId)]}, nil
}

type fakeWAF struct {
	acls      []waftypes.WebACL
	logged    map[string]bool
	listErr   error
	listCalls int
}

func (f *fakeWAF) ListWebACLs(context.Context, *wafv2.ListWebACLsInput, ...func(*wafv2.Options)) (*wafv2.ListWebACLsOutput, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := &wafv2.ListWebACLsOutput{}
	for _, a := range f.acls {
		out.WebACLs = append(out.WebACLs, waftypes.WebACLSummary{Id: a.Id, Name: a.Name, ARN: a.ARN})
	}
	return out, nil
}

func (f *fakeWAF) GetWebACL(_ context.Context, in *wafv2.GetWebACLInput, _ ...func(*wafv2.Options)) (*wafv2.GetWebACLOutput, error) {
	for _, a := range f.acls {
		if aws.ToString(a.Id) == aws.ToString(in.Id) {
			return &wafv2.GetWebACLOutput{WebACL: &a}, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeWAF) GetLoggingConfiguration(_ context.Context, in *wafv2.GetLoggingConfigurationInput, _ ...func(*wafv2.Options)) (*wafv2.GetLoggingConfigurationOutput, error) {
	if !f.logged[aws.ToString(in.ResourceArn)] {
		return nil, &waftypes.WAFNonexistentItemException{Message: aws.String("no logging configuration")}
	}
	return &wafv2.GetLoggingConfigurationOutput{LoggingConfiguration: &waftypes.LoggingConfiguration{
		ResourceArn:           in.ResourceArn,
		LogDestinationConfigs: []string{"arn:aws:logs:us-east-1:123456789012:log-group:aws-waf-logs-main"},
	}}, nil
}

type failingCloudTrail struct{ err error }

func (f failingCloudTrail) DescribeTrails(context.Context, *cloudtrail.DescribeTrailsInput, ...func(*cloudtrail.Options)) (*cloudtrail.DescribeTrailsOutput, error) {
	return nil, f.err
}

func (f failingCloudTrail) GetTrailStatus(context.Context, *cloudtrail.GetTrailStatusInput, ...func(*cloudtrail.Options)) (*cloudtrail.GetTrailStatusOutput, error) {
	return nil, f.err
}

type failingSecrets struct{ err error }

func (f failingSecrets) ListSecrets(context.Context, *secretsmanager.ListSecretsInput, ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	return nil, f.err
}

type failingACM struct{ err error }

func (f failingACM) ListCertificates(context.Context, *acm.ListCertificatesInput, ...func(*acm.Options)) (*acm.ListCertificatesOutput, error) {
	return nil, f.err
}

func (f failingACM) DescribeCertificate(context.Context, *acm.DescribeCertificateInput, ...func(*acm.Options)) (*acm.DescribeCertificateOutput, error) {
	return nil, f.err
}

type failingInspector struct{ err error }

func (f failingInspector) ListFindings(context.Context, *inspector2.ListFindingsInput, ...func(*inspector2.Options)) (*inspector2.ListFindingsOutput, error) {
	return nil, f.err
}

func collectSecurity(t *testing.T, clients SecurityClients) map[string]any {
	t.Helper()
	got, err := NewSecuritySource(clients, nil, nil).Collect(context.Background(), Scope{AccountID: "123456789012"}, dailyWindow())
	require.NoError(t, err)
	return got.(map[string]any)
}

func TestSecuritySourceNoClients(t *testing.T) {
	doc := collectSecurity(t, SecurityClients{})
	for _, name := range securitySubsections {
		assert.Equal(t, []map[string]any{}, doc[name], name)
	}
}

func TestSecuritySourceAllFail(t *testing.T) {
	boom := errors.New("access denied")
	clients := SecurityClients{
		SecurityHub: &fakeSecurityHub{getFindings: func(*securityhub.GetFindingsInput) (*securityhub.GetFindingsOutput, error) {
			return nil, boom
		}},
		GuardDuty:      &fakeGuardDuty{listDetectors: func() (*guardduty.ListDetectorsOutput, error) { return nil, boom }},
		KMS:            &fakeKMS{listErr: boom},
		WAFRegional:    &fakeWAF{listErr: boom},
		WAFCloudFront:  &fakeWAF{listErr: boom},
		CloudTrail:     failingCloudTrail{err: boom},
		SecretsManager: failingSecrets{err: boom},
		ACM:            failingACM{err: boom},
		Inspector:      failingInspector{err: boom},
	}
	_, err := NewSecuritySource(clients, nil, nil).Collect(context.Background(), Scope{AccountID: "123456789012"}, dailyWindow())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "guard_duty")
}

func TestSecuritySourcePartialFailure(t *testing.T) {
	boom := errors.New("not subscribed")
	denied := errors.New("AccessDeniedException: cloudtrail:DescribeTrails")
	got, err := NewSecuritySource(SecurityClients{
		SecurityHub: &fakeSecurityHub{getFindings: func(*securityhub.GetFindingsInput) (*securityhub.GetFindingsOutput, error) {
			return nil, boom
		}},
		KMS:        &fakeKMS{},
		CloudTrail: failingCloudTrail{err: denied},
	}, nil, nil).Collect(context.Background(), Scope{AccountID: "123456789012"}, dailyWindow())

	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	assert.Len(t, partial.Errs, 2)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, denied)
	assert.Contains(t, err.Error(), "security_hub: not subscribed")
	assert.Contains(t, err.Error(), "cloudtrail: AccessDeniedException")

	doc := got.(map[string]any)
	for _, name := range securitySubsections {
		assert.Equal(t, []map[string]any{}, doc[name], name)
	}
}

func TestSecurityHubGroupsByService(t *testing.T) {
	hub := &fakeSecurityHub{getFindings: func(*securityhub.GetFindingsInput) (*securityhub.GetFindingsOutput, error) {
		return &securityhub.GetFindingsOutput{Findings: []shtypes.AwsSecurityFinding{
			{
				Id:          aws.String("f-1"),
				GeneratorId: aws.String("security-control/IAM.1"),
				Severity:    &shtypes.Severity{Label: shtypes.SeverityLabelHigh},
				Workflow:    &shtypes.Workflow{Status: shtypes.WorkflowStatusNew},
				Resources:   []shtypes.Resource{{Type: aws.String("AwsIamPolicy"), Id: aws.String("arn:aws:iam::123456789012:policy/admin")}},
			},
			{
				Id:          aws.String("f-2"),
				GeneratorId: aws.String("security-control/S3.2"),
				Severity:    &shtypes.Severity{Label: shtypes.SeverityLabelCritical},
				Workflow:    &shtypes.Workflow{Status: shtypes.WorkflowStatusResolved},
			},
			{
				Id:          aws.String("f-3"),
				GeneratorId: aws.String("inspector"),
				Severity:    &shtypes.Severity{Label: shtypes.SeverityLabelLow},
			},
		}}, nil
	}}

	doc := collectSecurity(t, SecurityClients{SecurityHub: hub})

	require.Len(t, hub.inputs, 1)
	filters := hub.inputs[0].Filters
	assert.Equal(t, "123456789012", aws.ToString(filters.AwsAccountId[0].Value))
	assert.Equal(t, "2024-03-14T00:00:00Z", aws.ToString(filters.CreatedAt[0].Start))
	assert.Len(t, filters.SeverityLabel, 4)

	services := doc["security_hub"].([]map[string]any)
	require.Len(t, services, 2)

	sc := services[0]
	assert.Equal(t, "security-control", sc["service"])
	assert.Equal(t, 2, sc["total_findings"])
	assert.Equal(t, 1, sc["open_findings"])
	assert.Equal(t, 1, sc["resolved_findings"])
	assert.Equal(t, map[string]any{"CRITICAL": 1, "HIGH": 1, "MEDIUM": 0, "LOW": 0, "INFORMATIONAL": 0}, sc["severity_counts"])

	findings := sc["findings"].([]map[string]any)
	require.Len(t, findings, 2)
	assert.Equal(t, "IAM", findings[0]["generator"])
	assert.Equal(t, "NEW", findings[0]["status"])
	assert.Equal(t, aws.String("AwsIamPolicy"), findings[0]["resource_type"])
	assert.Equal(t, "RESOLVED", findings[1]["workflow_state"])

	assert.Equal(t, "Unknown", services[1]["service"])
	assert.Equal(t, "OPEN", services[1]["findings"].([]map[string]any)[0]["status"])
}

func TestSplitGenerator(t *testing.T) {
	tests := []struct {
		id, service, generator string
	}{
		{"security-control/Lambda.3", "security-control", "Lambda"},
		{"aws-foundational-security-best-practices/v/1.0.0/IAM.1", "aws-foundational-security-best-practices", "v"},
		{"arn:aws:guardduty", "Unknown", "Unknown"},
		{"", "Unknown", "Unknown"},
	}
	for _, tt := range tests {
		service, generator := splitGenerator(tt.id)
		assert.Equal(t, tt.service, service, tt.id)
		assert.Equal(t, tt.generator, generator, tt.id)
	}
}

func TestGuardDutyBatchesFindings(t *testing.T) {
	ids := make([]string, 60)
	for i := range ids {
		ids[i] = "finding"
	}
	var criterion gdtypes.Condition
	var requested int
	gd := &fakeGuardDuty{
		listDetectors: func() (*guardduty.ListDetectorsOutput, error) {
			return &guardduty.ListDetectorsOutput{DetectorIds: []string{"det-1", "det-empty"}}, nil
		},
		listFindings: func(in *guardduty.ListFindingsInput) (*guardduty.ListFindingsOutput, error) {
			if aws.ToString(in.DetectorId) == "det-empty" {
				return &guardduty.ListFindingsOutput{}, nil
			}
			criterion = in.FindingCriteria.Criterion["updatedAt"]
			return &guardduty.ListFindingsOutput{FindingIds: ids}, nil
		},
		getFindings: func(in *guardduty.GetFindingsInput) (*guardduty.GetFindingsOutput, error) {
			requested = len(in.FindingIds)
			return &guardduty.GetFindingsOutput{Findings: []gdtypes.Finding{{
				Id:       aws.String("gd-1"),
				Type:     aws.String("Recon:EC2/PortProbeUnprotectedPort"),
				Severity: aws.Float64(5),
			}}}, nil
		},
	}

	doc := collectSecurity(t, SecurityClients{GuardDuty: gd})

	assert.Equal(t, guardDutyBatch, requested)
	start, end := windowBounds(dailyWindow())
	assert.Equal(t, start.UnixMilli(), aws.ToInt64(criterion.GreaterThanOrEqual))
	assert.Equal(t, end.UnixMilli(), aws.ToInt64(criterion.LessThanOrEqual))

	findings := doc["guard_duty"].([]map[string]any)
	require.Len(t, findings, 1)
	assert.Equal(t, aws.String("gd-1"), findings[0]["id"])
}

func TestKMSKeysCreatedInWindow(t *testing.T) {
	inside := time.Date(2024, 3, 14, 9, 30, 0, 0, time.UTC)
	before := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	k := &fakeKMS{
		keys:     []string{"new", "old", "broken"},
		rotation: map[string]bool{"new": true},
		describe: func(id string) (*kms.DescribeKeyOutput, error) {
			switch id {
			case "new":
				return &kms.DescribeKeyOutput{KeyMetadata: &kmstypes.KeyMetadata{
					KeyId: aws.String(id), CreationDate: &inside, Enabled: true,
					KeyState: kmstypes.KeyStateEnabled, KeyUsage: kmstypes.KeyUsageTypeEncryptDecrypt,
				}}, nil
			case "old":
				return &kms.DescribeKeyOutput{KeyMetadata: &kmstypes.KeyMetadata{KeyId: aws.String(id), CreationDate: &before}}, nil
			}
			return nil, errors.New("access denied")
		},
	}

	doc := collectSecurity(t, SecurityClients{KMS: k})

	keys := doc["kms"].([]map[string]any)
	require.Len(t, keys, 1)
	assert.Equal(t, "new", keys[0]["key_id"])
	assert.Equal(t, true, keys[0]["key_rotation_enabled"])
	assert.Equal(t, "Enabled", keys[0]["key_state"])
	assert.Equal(t, "ENCRYPT_DECRYPT", keys[0]["key_usage"])
}

func mainACL() waftypes.WebACL {
	return waftypes.WebACL{
		Id:            aws.String("acl-1"),
		Name:          aws.String("main"),
		ARN:           aws.String("arn:aws:wafv2:us-east-1:123456789012:regional/webacl/main/acl-1"),
		DefaultAction: &waftypes.DefaultAction{Allow: &waftypes.AllowAction{}},
		Rules: []waftypes.Rule{
			{
				Name:     aws.String("block-countries"),
				Priority: 0,
				Action:   &waftypes.RuleAction{Block: &waftypes.BlockAction{}},
				Statement: &waftypes.Statement{GeoMatchStatement: &waftypes.GeoMatchStatement{
					CountryCodes: []waftypes.CountryCode{waftypes.CountryCode("KP"), waftypes.CountryCode("IR")},
				}},
				VisibilityConfig: &waftypes.VisibilityConfig{CloudWatchMetricsEnabled: true, SampledRequestsEnabled: true},
			},
			{
				Name:           aws.String("aws-common"),
				Priority:       1,
				OverrideAction: &waftypes.OverrideAction{None: &waftypes.NoneAction{}},
				Statement: &waftypes.Statement{ManagedRuleGroupStatement: &waftypes.ManagedRuleGroupStatement{
					Name: aws.String("AWSManagedRulesCommonRuleSet"), VendorName: aws.String("AWS"),
				}},
			},
			{
				Name:   aws.String("count-geo"),
				Action: &waftypes.RuleAction{Count: &waftypes.CountAction{}},
				Statement: &waftypes.Statement{GeoMatchStatement: &waftypes.GeoMatchStatement{
					CountryCodes: []waftypes.CountryCode{waftypes.CountryCode("RU")},
				}},
			},
		},
	}
}

func TestWAFListsOncePerRun(t *testing.T) {
	acl := mainACL()
	regional := &fakeWAF{acls: []waftypes.WebACL{acl}, logged: map[string]bool{aws.ToString(acl.ARN): true}}
	cloudfront := &fakeWAF{listErr: errors.New("wrong region")}

	doc := collectSecurity(t, SecurityClients{WAFRegional: regional, WAFCloudFront: cloudfront})

	assert.Equal(t, 1, regional.listCalls)
	assert.Equal(t, 1, cloudfront.listCalls)

	acls := doc["waf"].([]map[string]any)
	require.Len(t, acls, 1)
	assert.Equal(t, "REGIONAL", acls[0]["scope"])
	assert.Equal(t, map[string]any{"type": "ALLOW"}, acls[0]["default_action"])
	assert.Equal(t, 3, acls[0]["rules_count"])
	assert.Equal(t, true, acls[0]["logging_enabled"])
	assert.Equal(t, true, acls[0]["geo_blocking_enabled"])
	assert.Equal(t, "KP,IR", acls[0]["blocked_countries"])

	rules := doc["waf_rules"].([]map[string]any)
	require.Len(t, rules, 3)
}

func TestRuleItem(t *testing.T) {
	acl := mainACL()
	logged := webACL{acl: &acl, scope: waftypes.ScopeRegional, logging: true}

	geo := ruleItem(logged, acl.Rules[0])
	assert.Equal(t, "BLOCK", geo["action"])
	assert.Equal(t, "GeoMatch", geo["statement_type"])
	assert.Equal(t, true, geo["geo_blocking"])
	assert.Equal(t, true, geo["is_custom_rule"])
	assert.Equal(t, true, geo["is_compliant"])
	assert.Equal(t, "v2", geo["waf_version"])

	managed := ruleItem(logged, acl.Rules[1])
	assert.Equal(t, "OVERRIDE_NONE", managed["action"])
	assert.Equal(t, "ManagedRuleGroup", managed["statement_type"])
	assert.Equal(t, true, managed["is_managed_rule"])
	assert.Equal(t, false, managed["cloudwatch_enabled"])
	assert.Equal(t, false, managed["is_compliant"])

	unlogged := webACL{acl: &acl, scope: waftypes.ScopeCloudfront}
	assert.Equal(t, false, ruleItem(unlogged, acl.Rules[0])["is_compliant"])

	bare := ruleItem(logged, waftypes.Rule{Name: aws.String("bare")})
	assert.Equal(t, "UNKNOWN", bare["action"])
	assert.Equal(t, "Unknown", bare["statement_type"])
}

func TestBlockedCountries(t *testing.T) {
	assert.Equal(t, []string{"KP", "IR"}, blockedCountries(mainACL().Rules))
	assert.Empty(t, blockedCountries(nil))
}
