package sources

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/configservice"
	cfgtypes "github.com/aws/aws-sdk-go-v2/service/configservice/types"

	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/common/window"
)

type configServiceAPI interface {
	DescribeConfigRules(ctx context.Context, in *configservice.DescribeConfigRulesInput, optFns ...func(*configservice.Options)) (*configservice.DescribeConfigRulesOutput, error)
	GetComplianceDetailsByConfigRule(ctx context.Context, in *configservice.GetComplianceDetailsByConfigRuleInput, optFns ...func(*configservice.Options)) (*configservice.GetComplianceDetailsByConfigRuleOutput, error)
}

// ConfigSource reports the resources AWS Config recorded as NON_COMPLIANT
// within the window and the share of rules without such results.
type ConfigSource struct {
	client   configServiceAPI
	throttle *Throttle
	logger   *slog.Logger
}

func NewConfigSource(client configServiceAPI, throttle *Throttle, logger *slog.Logger) *ConfigSource {
	return &ConfigSource{client: client, throttle: throttle, logger: sourceLogger(logger, document.Config)}
}

func (s *ConfigSource) Domain() document.Domain { return document.Config }

func (s *ConfigSource) Collect(ctx context.Context, _ Scope, w window.Window) (any, error) {
	rules, err := s.rules(ctx)
	if err != nil {
		return nil, err
	}

	start, end := windowBounds(w)
	resources := []map[string]any{}
	failing := make(map[string]bool)
	for _, rule := range rules {
		results, err := s.nonCompliant(ctx, rule)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			s.logger.WarnContext(ctx, "failed to read rule compliance", slog.String("rule", rule), logging.Error(err))
			continue
		}
		for _, r := range results {
			if !inWindow(start, end, r.ResultRecordedTime) {
				continue
			}
			item := map[string]any{
				"rule_name":                rule,
				"resource_id":              nil,
				"resource_type":            nil,
				"error_date":               r.ResultRecordedTime,
				"config_rule_invoked_time": r.ConfigRuleInvokedTime,
			}
			if id := r.EvaluationResultIdentifier; id != nil && id.EvaluationResultQualifier != nil {
				item["resource_id"] = id.EvaluationResultQualifier.ResourceId
				item["resource_type"] = id.EvaluationResultQualifier.ResourceType
			}
			resources = append(resources, item)
			failing[rule] = true
		}
	}

	totalRules := len(rules)
	nonCompliantRules := len(failing)
	score := float64(totalRules-nonCompliantRules) / float64(max(totalRules, 1)) * 100

	return map[string]any{
		"date_from":               document.FormatDate(w.Start),
		"date_to":                 document.FormatDate(w.End),
		"compliance_score":        round2(score),
		"total_rules":             totalRules,
		"compliant_rules":         totalRules - nonCompliantRules,
		"non_compliant_rules":     nonCompliantRules,
		"non_compliant_resources": resources,
	}, nil
}

func (s *ConfigSource) rules(ctx context.Context) ([]string, error) {
	var names []string
	in := &configservice.DescribeConfigRulesInput{}
	for {
		if err := s.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		out, err := s.client.DescribeConfigRules(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("describe config rules: %w", err)
		}
		for _, r := range out.ConfigRules {
			names = append(names, aws.ToString(r.ConfigRuleName))
		}
		if aws.ToString(out.NextToken) == "" {
			return names, nil
		}
		in.NextToken = out.NextToken
	}
}

func (s *ConfigSource) nonCompliant(ctx context.Context, rule string) ([]cfgtypes.EvaluationResult, error) {
	var results []cfgtypes.EvaluationResult
	in := &configservice.GetComplianceDetailsByConfigRuleInput{
		ConfigRuleName:  aws.String(rule),
		ComplianceTypes: []cfgtypes.ComplianceType{cfgtypes.ComplianceTypeNonCompliant},
	}
	for {
		if err := s.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		out, err := s.client.GetComplianceDetailsByConfigRule(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("get compliance details for %s: %w", rule, err)
		}
		results = append(results, out.EvaluationResults...)
		if aws.ToString(out.NextToken) == "" {
			return results, nil
		}
		in.NextToken = out.NextToken
	}
}
