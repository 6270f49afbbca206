package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/guardduty"
	gdtypes "github.com/aws/aws-sdk-go-v2/service/guardduty/types"
	"github.com/aws/aws-sdk-go-v2/service/inspector2"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/securityhub"
	shtypes "github.com/aws/aws-sdk-go-v2/service/securityhub/types"

	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/common/window"
)

type securityHubAPI interface {
	GetFindings(ctx context.Context, in *securityhub.GetFindingsInput, optFns ...func(*securityhub.Options)) (*securityhub.GetFindingsOutput, error)
}

type guardDutyAPI interface {
	ListDetectors(ctx context.Context, in *guardduty.ListDetectorsInput, optFns ...func(*guardduty.Options)) (*guardduty.ListDetectorsOutput, error)
	ListFindings(ctx context.Context, in *guardduty.ListFindingsInput, optFns ...func(*guardduty.Options)) (*guardduty.ListFindingsOutput, error)
	GetFindings(ctx context.Context, in *guardduty.GetFindingsInput, optFns ...func(*guardduty.Options)) (*guardduty.GetFindingsOutput, error)
}

type kmsAPI interface {
	ListKeys(ctx context.Context, in *kms.ListKeysInput, optFns ...func(*kms.Options)) (*kms.ListKeysOutput, error)
	DescribeKey(ctx context.Context, in *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	GetKeyRotationStatus(ctx context.Context, in *kms.GetKeyRotationStatusInput, optFns ...func(*kms.Options)) (*kms.GetKeyRotationStatusOutput, error)
}

type cloudTrailAPI interface {
	DescribeTrails(ctx context.Context, in *cloudtrail.DescribeTrailsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.DescribeTrailsOutput, error)
	GetTrailStatus(ctx context.Context, in *cloudtrail.GetTrailStatusInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.GetTrailStatusOutput, error)
}

type secretsManagerAPI interface {
	ListSecrets(ctx context.Context, in *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

type acmAPI interface {
	ListCertificates(ctx context.Context, in *acm.ListCertificatesInput, optFns ...func(*acm.Options)) (*acm.ListCertificatesOutput, error)
	DescribeCertificate(ctx context.Context, in *acm.DescribeCertificateInput, optFns ...func(*acm.Options)) (*acm.DescribeCertificateOutput, error)
}

type inspectorAPI interface {
	ListFindings(ctx context.Context, in *inspector2.ListFindingsInput, optFns ...func(*inspector2.Options)) (*inspector2.ListFindingsOutput, error)
}

// SecurityClients are the service clients behind the security domain. WAF
// needs a regional client and a us-east-1 client for CloudFront ACLs.
type SecurityClients struct {
	SecurityHub    securityHubAPI
	GuardDuty      guardDutyAPI
	KMS            kmsAPI
	WAFRegional    wafAPI
	WAFCloudFront  wafAPI
	CloudTrail     cloudTrailAPI
	SecretsManager secretsManagerAPI
	ACM            acmAPI
	Inspector      inspectorAPI
}

// guardDutyBatch is the GetFindings limit per call.
const guardDutyBatch = 50

var severityLabels = []string{"CRITICAL", "HIGH", "MEDIUM", "LOW", "INFORMATIONAL"}

// SecuritySource gathers the security posture from every security service.
// A failing subsection is logged and left empty; the domain fails only when
// every subsection failed.
type SecuritySource struct {
	clients  SecurityClients
	throttle *Throttle
	logger   *slog.Logger
}

func NewSecuritySource(clients SecurityClients, throttle *Throttle, logger *slog.Logger) *SecuritySource {
	return &SecuritySource{clients: clients, throttle: throttle, logger: sourceLogger(logger, document.Security)}
}

func (s *SecuritySource) Domain() document.Domain { return document.Security }

type subsection struct {
	name    string
	collect func(ctx context.Context, scope Scope, start, end time.Time) ([]map[string]any, error)
}

func (s *SecuritySource) subsections(acls func() ([]webACL, error)) []subsection {
	return []subsection{
		{"security_hub", s.securityHub},
		{"guard_duty", s.guardDuty},
		{"kms", s.kms},
		{"waf", webACLItems(acls)},
		{"waf_rules", wafRuleItems(acls)},
		{"cloudtrail", s.cloudTrail},
		{"secrets_manager", s.secrets},
		{"certificate_manager", s.certificates},
		{"inspector", s.inspector},
	}
}

func (s *SecuritySource) Collect(ctx context.Context, scope Scope, w window.Window) (any, error) {
	start, end := windowBounds(w)
	result := make(map[string]any)
	var errs []error

	acls := sync.OnceValues(func() ([]webACL, error) { return s.webACLDetails(ctx) })
	subs := s.subsections(acls)
	for _, sub := range subs {
		items, err := sub.collect(ctx, scope, start, end)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.WarnContext(ctx, "security subsection failed", slog.String("subsection", sub.name), logging.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", sub.name, err))
			items = nil
		}
		if items == nil {
			items = []map[string]any{}
		}
		result[sub.name] = items
	}

	switch len(errs) {
	case 0:
		return result, nil
	case len(subs):
		return nil, errors.Join(errs...)
	}
	return result, &PartialError{Errs: errs}
}

// securityHub groups findings by the service prefix of their generator id.
func (s *SecuritySource) securityHub(ctx context.Context, scope Scope, start, end time.Time) ([]map[string]any, error) {
	if s.clients.SecurityHub == nil {
		return nil, nil
	}
	severity := make([]shtypes.StringFilter, 0, 4)
	for _, label := range severityLabels[:4] {
		severity = append(severity, shtypes.StringFilter{Value: aws.String(label), Comparison: shtypes.StringFilterComparisonEquals})
	}
	in := &securityhub.GetFindingsInput{
		Filters: &shtypes.AwsSecurityFindingFilters{
			CreatedAt: []shtypes.DateFilter{{
				Start: aws.String(start.Format(time.RFC3339)),
				End:   aws.String(end.Format(time.RFC3339)),
			}},
			AwsAccountId: []shtypes.StringFilter{{
				Value:      aws.String(scope.AccountID),
				Comparison: shtypes.StringFilterComparisonEquals,
			}},
			SeverityLabel: severity,
		},
	}

	byService := make(map[string]map[string]any)
	counts := make(map[string]map[string]int)
	findings := make(map[string][]map[string]any)

	p := securityhub.NewGetFindingsPaginator(s.clients.SecurityHub, in)
	for p.HasMorePages() {
		if err := s.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("get findings: %w", err)
		}
		for _, f := range page.Findings {
			service, generator := splitGenerator(aws.ToString(f.GeneratorId))
			summary, ok := byService[service]
			if !ok {
				summary = map[string]any{"service": service, "total_findings": 0, "open_findings": 0, "resolved_findings": 0}
				byService[service] = summary
				counts[service] = map[string]int{}
				for _, l := range severityLabels {
					counts[service][l] = 0
				}
			}
			summary["total_findings"] = summary["total_findings"].(int) + 1

			label := "UNKNOWN"
			if f.Severity != nil && f.Severity.Label != "" {
				label = string(f.Severity.Label)
			}
			if _, known := counts[service][label]; known {
				counts[service][label]++
			}

			workflow := ""
			if f.Workflow != nil {
				workflow = string(f.Workflow.Status)
			}
			if workflow == string(shtypes.WorkflowStatusResolved) {
				summary["resolved_findings"] = summary["resolved_findings"].(int) + 1
			} else {
				summary["open_findings"] = summary["open_findings"].(int) + 1
			}

			findings[service] = append(findings[service], findingItem(f, service, generator, label, workflow))
		}
	}

	out := make([]map[string]any, 0, len(byService))
	for service, summary := range byService {
		sev := make(map[string]any, len(counts[service]))
		for l, n := range counts[service] {
			sev[l] = n
		}
		summary["severity_counts"] = sev
		summary["findings"] = findings[service]
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i]["total_findings"].(int), out[j]["total_findings"].(int)
		if ti != tj {
			return ti > tj
		}
		return out[i]["service"].(string) < out[j]["service"].(string)
	})
	return out, nil
}

// splitGenerator returns the first path segment of a generator id as the
// service and the second, up to its first dot, as the generator:
// "security-control/Lambda.3" is ("security-control", "Lambda").
func splitGenerator(id string) (string, string) {
	service, rest, ok := strings.Cut(id, "/")
	if !ok {
		return "Unknown", "Unknown"
	}
	segment, _, _ := strings.Cut(rest, "/")
	generator, _, _ := strings.Cut(segment, ".")
	return service, generator
}

func findingItem(f shtypes.AwsSecurityFinding, service, generator, severity, workflow string) map[string]any {
	item := map[string]any{
		"finding_id":        f.Id,
		"title":             f.Title,
		"description":       f.Description,
		"severity":          severity,
		"status":            "OPEN",
		"resource_type":     nil,
		"resource_id":       nil,
		"created_at":        f.CreatedAt,
		"updated_at":        f.UpdatedAt,
		"recommendation":    nil,
		"compliance_status": nil,
		"region":            f.Region,
		"workflow_state":    "NEW",
		"record_state":      "ACTIVE",
		"product_name":      f.ProductName,
		"company_name":      f.CompanyName,
		"product_arn":       f.ProductArn,
		"generator_id":      f.GeneratorId,
		"generator":         generator,
		"service":           service,
	}
	if workflow != "" {
		item["status"] = workflow
		item["workflow_state"] = workflow
	}
	if f.RecordState != "" {
		item["record_state"] = string(f.RecordState)
	}
	if len(f.Resources) > 0 {
		item["resource_type"] = f.Resources[0].Type
		item["resource_id"] = f.Resources[0].Id
	}
	if f.Remediation != nil && f.Remediation.Recommendation != nil {
		item["recommendation"] = f.Remediation.Recommendation.Text
	}
	if f.Compliance != nil && f.Compliance.Status != "" {
		item["compliance_status"] = string(f.Compliance.Status)
	}
	return item
}

func (s *SecuritySource) guardDuty(ctx context.Context, _ Scope, start, end time.Time) ([]map[string]any, error) {
	if s.clients.GuardDuty == nil {
		return nil, nil
	}
	if err := s.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	detectors, err := s.clients.GuardDuty.ListDetectors(ctx, &guardduty.ListDetectorsInput{})
	if err != nil {
		return nil, fmt.Errorf("list detectors: %w", err)
	}

	var out []map[string]any
	for _, detectorID := range detectors.DetectorIds {
		if err := s.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		ids, err := s.clients.GuardDuty.ListFindings(ctx, &guardduty.ListFindingsInput{
			DetectorId: aws.String(detectorID),
			FindingCriteria: &gdtypes.FindingCriteria{Criterion: map[string]gdtypes.Condition{
				"updatedAt": {
					GreaterThanOrEqual: aws.Int64(start.UnixMilli()),
					LessThanOrEqual:    aws.Int64(end.UnixMilli()),
				},
			}},
		})
		if err != nil {
			return nil, fmt.Errorf("list findings for detector %s: %w", detectorID, err)
		}
		if len(ids.FindingIds) == 0 {
			continue
		}
		batch := ids.FindingIds
		if len(batch) > guardDutyBatch {
			batch = batch[:guardDutyBatch]
		}

		if err := s.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		details, err := s.clients.GuardDuty.GetFindings(ctx, &guardduty.GetFindingsInput{
			DetectorId: aws.String(detectorID),
			FindingIds: batch,
		})
		if err != nil {
			return nil, fmt.Errorf("get findings for detector %s: %w", detectorID, err)
		}
		for _, f := range details.Findings {
			out = append(out, map[string]any{
				"id":          f.Id,
				"type":        f.Type,
				"severity":    f.Severity,
				"title":       f.Title,
				"description": f.Description,
				"created_at":  f.CreatedAt,
				"updated_at":  f.UpdatedAt,
				"confidence":  f.Confidence,
				"region":      f.Region,
			})
		}
	}
	return out, nil
}

// kms reports keys created within the window.
func (s *SecuritySource) kms(ctx context.Context, _ Scope, start, end time.Time) ([]map[string]any, error) {
	if s.clients.KMS == nil {
		return nil, nil
	}
	var out []map[string]any
	p := kms.NewListKeysPaginator(s.clients.KMS, &kms.ListKeysInput{})
	for p.HasMorePages() {
		if err := s.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list keys: %w", err)
		}
		for _, k := range page.Keys {
			item, err := s.describeKey(ctx, aws.ToString(k.KeyId), start, end)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.logger.DebugContext(ctx, "skipping key", slog.String("key_id", aws.ToString(k.KeyId)), logging.Error(err))
				continue
			}
			if item != nil {
				out = append(out, item)
			}
		}
	}
	return out, nil
}

func (s *SecuritySource) describeKey(ctx context.Context, keyID string, start, end time.Time) (map[string]any, error) {
	if err := s.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	desc, err := s.clients.KMS.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, err
	}
	md := desc.KeyMetadata
	if md == nil || !inWindow(start, end, md.CreationDate) {
		return nil, nil
	}

	rotation := false
	if err := s.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	if rs, err := s.clients.KMS.GetKeyRotationStatus(ctx, &kms.GetKeyRotationStatusInput{KeyId: aws.String(keyID)}); err == nil {
		rotation = rs.KeyRotationEnabled
	}

	return map[string]any{
		"key_id":               keyID,
		"arn":                  md.Arn,
		"description":          md.Description,
		"key_usage":            string(md.KeyUsage),
		"key_state":            string(md.KeyState),
		"creation_date":        md.CreationDate,
		"enabled":              md.Enabled,
		"key_rotation_enabled": rotation,
	}, nil
}

func (s *SecuritySource) cloudTrail(ctx context.Context, _ Scope, _, _ time.Time) ([]map[string]any, error) {
	if s.clients.CloudTrail == nil {
		return nil, nil
	}
	if err := s.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	trails, err := s.clients.CloudTrail.DescribeTrails(ctx, &cloudtrail.DescribeTrailsInput{})
	if err != nil {
		return nil, fmt.Errorf("describe trails: %w", err)
	}

	out := make([]map[string]any, 0, len(trails.TrailList))
	for _, t := range trails.TrailList {
		item := map[string]any{
			"name":                  t.Name,
			"arn":                   t.TrailARN,
			"is_multi_region":       t.IsMultiRegionTrail,
			"include_global_events": t.IncludeGlobalServiceEvents,
			"s3_bucket":             t.S3BucketName,
			"kms_key_id":            t.KmsKeyId,
			"log_file_validation":   t.LogFileValidationEnabled,
			"is_logging":            nil,
			"latest_delivery_time":  nil,
		}
		if err := s.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		status, err := s.clients.CloudTrail.GetTrailStatus(ctx, &cloudtrail.GetTrailStatusInput{Name: t.TrailARN})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.DebugContext(ctx, "trail status unavailable", slog.String("trail", aws.ToString(t.Name)), logging.Error(err))
		} else {
			item["is_logging"] = status.IsLogging
			item["latest_delivery_time"] = status.LatestDeliveryTime
			item["start_logging_time"] = status.StartLoggingTime
			item["stop_logging_time"] = status.StopLoggingTime
		}
		out = append(out, item)
	}
	return out, nil
}

// secrets reports secrets created, changed or accessed within the window.
func (s *SecuritySource) secrets(ctx context.Context, _ Scope, start, end time.Time) ([]map[string]any, error) {
	if s.clients.SecretsManager == nil {
		return nil, nil
	}
	var out []map[string]any
	p := secretsmanager.NewListSecretsPaginator(s.clients.SecretsManager, &secretsmanager.ListSecretsInput{})
	for p.HasMorePages() {
		if err := s.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list secrets: %w", err)
		}
		for _, sec := range page.SecretList {
			if !inWindow(start, end, sec.CreatedDate, sec.LastChangedDate, sec.LastAccessedDate) {
				continue
			}
			out = append(out, map[string]any{
				"name":                sec.Name,
				"arn":                 sec.ARN,
				"description":         sec.Description,
				"created_date":        sec.CreatedDate,
				"last_changed_date":   sec.LastChangedDate,
				"last_accessed_date":  sec.LastAccessedDate,
				"rotation_enabled":    sec.RotationEnabled,
				"rotation_lambda_arn": sec.RotationLambdaARN,
				"kms_key_id":          sec.KmsKeyId,
			})
		}
	}
	return out, nil
}

// certificates reports certificates created or issued within the window.
func (s *SecuritySource) certificates(ctx context.Context, _ Scope, start, end time.Time) ([]map[string]any, error) {
	if s.clients.ACM == nil {
		return nil, nil
	}
	var out []map[string]any
	p := acm.NewListCertificatesPaginator(s.clients.ACM, &acm.ListCertificatesInput{})
	for p.HasMorePages() {
		if err := s.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list certificates: %w", err)
		}
		for _, summary := range page.CertificateSummaryList {
			if err := s.throttle.Wait(ctx); err != nil {
				return nil, err
			}
			desc, err := s.clients.ACM.DescribeCertificate(ctx, &acm.DescribeCertificateInput{CertificateArn: summary.CertificateArn})
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.logger.DebugContext(ctx, "skipping certificate", slog.String("arn", aws.ToString(summary.CertificateArn)), logging.Error(err))
				continue
			}
			c := desc.Certificate
			if c == nil || !inWindow(start, end, c.CreatedAt, c.IssuedAt) {
				continue
			}
			out = append(out, map[string]any{
				"arn":                       summary.CertificateArn,
				"domain_name":               summary.DomainName,
				"subject_alternative_names": c.SubjectAlternativeNames,
				"status":                    string(c.Status),
				"type":                      string(c.Type),
				"key_algorithm":             string(c.KeyAlgorithm),
				"signature_algorithm":       c.SignatureAlgorithm,
				"created_at":                c.CreatedAt,
				"issued_at":                 c.IssuedAt,
				"not_before":                c.NotBefore,
				"not_after":                 c.NotAfter,
				"renewal_eligibility":       string(c.RenewalEligibility),
			})
		}
	}
	return out, nil
}

// inspector reports findings first observed, last observed or updated
// within the window.
func (s *SecuritySource) inspector(ctx context.Context, _ Scope, start, end time.Time) ([]map[string]any, error) {
	if s.clients.Inspector == nil {
		return nil, nil
	}
	var out []map[string]any
	p := inspector2.NewListFindingsPaginator(s.clients.Inspector, &inspector2.ListFindingsInput{})
	for p.HasMorePages() {
		if err := s.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list findings: %w", err)
		}
		for _, f := range page.Findings {
			if !inWindow(start, end, f.FirstObservedAt, f.LastObservedAt, f.UpdatedAt) {
				continue
			}
			out = append(out, map[string]any{
				"finding_arn":       f.FindingArn,
				"severity":          string(f.Severity),
				"status":            string(f.Status),
				"type":              string(f.Type),
				"title":             f.Title,
				"description":       f.Description,
				"first_observed_at": f.FirstObservedAt,
				"last_observed_at":  f.LastObservedAt,
				"updated_at":        f.UpdatedAt,
			})
		}
	}
	return out, nil
}
