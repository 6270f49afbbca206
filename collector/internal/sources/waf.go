package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/wafv2"
	waftypes "github.com/aws/aws-sdk-go-v2/service/wafv2/types"

	"github.com/telhawk-systems/accountscope/common/logging"
)

type wafAPI interface {
	ListWebACLs(ctx context.Context, in *wafv2.ListWebACLsInput, optFns ...func(*wafv2.Options)) (*wafv2.ListWebACLsOutput, error)
	GetWebACL(ctx context.Context, in *wafv2.GetWebACLInput, optFns ...func(*wafv2.Options)) (*wafv2.GetWebACLOutput, error)
	GetLoggingConfiguration(ctx context.Context, in *wafv2.GetLoggingConfigurationInput, optFns ...func(*wafv2.Options)) (*wafv2.GetLoggingConfigurationOutput, error)
}

const wafVersion = "v2"

type webACL struct {
	acl     *waftypes.WebACL
	scope   waftypes.Scope
	logging bool
}

// webACLDetails lists every web ACL in both scopes. CloudFront ACLs only
// exist in us-east-1 and need their own client.
func (s *SecuritySource) webACLDetails(ctx context.Context) ([]webACL, error) {
	scopes := []struct {
		client wafAPI
		scope  waftypes.Scope
	}{
		{s.clients.WAFRegional, waftypes.ScopeRegional},
		{s.clients.WAFCloudFront, waftypes.ScopeCloudfront},
	}

	var (
		out  []webACL
		errs []error
	)
	for _, sc := range scopes {
		if sc.client == nil {
			continue
		}
		acls, err := s.listWebACLs(ctx, sc.client, sc.scope)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%s: %w", sc.scope, err))
			continue
		}
		out = append(out, acls...)
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		s.logger.WarnContext(ctx, "web acl scope failed", logging.Error(err))
	}
	return out, nil
}

func (s *SecuritySource) listWebACLs(ctx context.Context, client wafAPI, scope waftypes.Scope) ([]webACL, error) {
	var (
		out    []webACL
		marker *string
	)
	for {
		if err := s.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := client.ListWebACLs(ctx, &wafv2.ListWebACLsInput{Scope: scope, NextMarker: marker})
		if err != nil {
			return nil, fmt.Errorf("list web acls: %w", err)
		}
		for _, summary := range page.WebACLs {
			if err := s.throttle.Wait(ctx); err != nil {
				return nil, err
			}
			got, err := client.GetWebACL(ctx, &wafv2.GetWebACLInput{Id: summary.Id, Name: summary.Name, Scope: scope})
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.logger.DebugContext(ctx, "skipping web acl", slog.String("name", aws.ToString(summary.Name)), logging.Error(err))
				continue
			}
			if got.WebACL == nil {
				continue
			}
			out = append(out, webACL{
				acl:     got.WebACL,
				scope:   scope,
				logging: s.loggingEnabled(ctx, client, got.WebACL.ARN),
			})
		}
		if aws.ToString(page.NextMarker) == "" || len(page.WebACLs) == 0 {
			return out, nil
		}
		marker = page.NextMarker
	}
}

// loggingEnabled treats any error, including a missing configuration, as off.
func (s *SecuritySource) loggingEnabled(ctx context.Context, client wafAPI, arn *string) bool {
	if err := s.throttle.Wait(ctx); err != nil {
		return false
	}
	out, err := client.GetLoggingConfiguration(ctx, &wafv2.GetLoggingConfigurationInput{ResourceArn: arn})
	if err != nil {
		return false
	}
	return out.LoggingConfiguration != nil && len(out.LoggingConfiguration.LogDestinationConfigs) > 0
}

func webACLItems(list func() ([]webACL, error)) func(context.Context, Scope, time.Time, time.Time) ([]map[string]any, error) {
	return func(context.Context, Scope, time.Time, time.Time) ([]map[string]any, error) {
		acls, err := list()
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(acls))
		for _, w := range acls {
			countries := blockedCountries(w.acl.Rules)
			out = append(out, map[string]any{
				"id":                   w.acl.Id,
				"name":                 w.acl.Name,
				"arn":                  w.acl.ARN,
				"scope":                string(w.scope),
				"description":          w.acl.Description,
				"default_action":       defaultAction(w.acl.DefaultAction),
				"rules_count":          len(w.acl.Rules),
				"logging_enabled":      w.logging,
				"geo_blocking_enabled": len(countries) > 0,
				"blocked_countries":    strings.Join(countries, ","),
			})
		}
		return out, nil
	}
}

func wafRuleItems(list func() ([]webACL, error)) func(context.Context, Scope, time.Time, time.Time) ([]map[string]any, error) {
	return func(context.Context, Scope, time.Time, time.Time) ([]map[string]any, error) {
		acls, err := list()
		if err != nil {
			return nil, err
		}
		var out []map[string]any
		for _, w := range acls {
			for _, r := range w.acl.Rules {
				out = append(out, ruleItem(w, r))
			}
		}
		return out, nil
	}
}

func ruleItem(w webACL, r waftypes.Rule) map[string]any {
	st := r.Statement
	if st == nil {
		st = &waftypes.Statement{}
	}
	managed := st.ManagedRuleGroupStatement != nil
	rateLimit := st.RateBasedStatement != nil
	geo := st.GeoMatchStatement != nil
	sqli := st.SqliMatchStatement != nil
	xss := st.XssMatchStatement != nil

	var sampled, cloudwatch bool
	if r.VisibilityConfig != nil {
		sampled = r.VisibilityConfig.SampledRequestsEnabled
		cloudwatch = r.VisibilityConfig.CloudWatchMetricsEnabled
	}

	return map[string]any{
		"web_acl_name":           w.acl.Name,
		"rule_name":              r.Name,
		"priority":               r.Priority,
		"action":                 ruleAction(r),
		"statement_type":         statementType(st),
		"is_managed_rule":        managed,
		"is_custom_rule":         !managed,
		"rate_limit":             rateLimit,
		"logging_enabled":        w.logging,
		"geo_blocking":           geo,
		"sql_injection":          sqli,
		"sample_request_enabled": sampled,
		"cloudwatch_enabled":     cloudwatch,
		"has_xss_protection":     xss,
		"waf_version":            wafVersion,
		"is_compliant":           w.logging && cloudwatch && (managed || rateLimit || sqli || xss || geo),
		"scope":                  string(w.scope),
	}
}

func defaultAction(a *waftypes.DefaultAction) map[string]any {
	switch {
	case a == nil:
		return map[string]any{}
	case a.Block != nil:
		return map[string]any{"type": "BLOCK"}
	case a.Allow != nil:
		return map[string]any{"type": "ALLOW"}
	}
	return map[string]any{}
}

func ruleAction(r waftypes.Rule) string {
	if a := r.Action; a != nil {
		switch {
		case a.Block != nil:
			return "BLOCK"
		case a.Allow != nil:
			return "ALLOW"
		case a.Count != nil:
			return "COUNT"
		case a.Captcha != nil:
			return "CAPTCHA"
		case a.Challenge != nil:
			return "CHALLENGE"
		}
	}
	if o := r.OverrideAction; o != nil {
		switch {
		case o.Count != nil:
			return "OVERRIDE_COUNT"
		case o.None != nil:
			return "OVERRIDE_NONE"
		}
	}
	return "UNKNOWN"
}

func statementType(st *waftypes.Statement) string {
	switch {
	case st.ManagedRuleGroupStatement != nil:
		return "ManagedRuleGroup"
	case st.RateBasedStatement != nil:
		return "RateBased"
	case st.GeoMatchStatement != nil:
		return "GeoMatch"
	case st.SqliMatchStatement != nil:
		return "SqliMatch"
	case st.XssMatchStatement != nil:
		return "XssMatch"
	case st.ByteMatchStatement != nil:
		return "ByteMatch"
	case st.IPSetReferenceStatement != nil:
		return "IPSetReference"
	case st.RuleGroupReferenceStatement != nil:
		return "RuleGroupReference"
	case st.RegexPatternSetReferenceStatement != nil:
		return "RegexPatternSetReference"
	case st.SizeConstraintStatement != nil:
		return "SizeConstraint"
	case st.LabelMatchStatement != nil:
		return "LabelMatch"
	case st.AndStatement != nil:
		return "And"
	case st.OrStatement != nil:
		return "Or"
	case st.NotStatement != nil:
		return "Not"
	}
	return "Unknown"
}

// blockedCountries collects country codes from geo match rules that block.
func blockedCountries(rules []waftypes.Rule) []string {
	var out []string
	for _, r := range rules {
		if r.Statement == nil || r.Statement.GeoMatchStatement == nil {
			continue
		}
		if r.Action == nil || r.Action.Block == nil {
			continue
		}
		for _, c := range r.Statement.GeoMatchStatement.CountryCodes {
			out = append(out, string(c))
		}
	}
	return out
}
