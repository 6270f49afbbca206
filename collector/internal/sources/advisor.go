package sources

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/support"
	supporttypes "github.com/aws/aws-sdk-go-v2/service/support/types"

	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/common/window"
)

type supportAPI interface {
	DescribeTrustedAdvisorChecks(ctx context.Context, in *support.DescribeTrustedAdvisorChecksInput, optFns ...func(*support.Options)) (*support.DescribeTrustedAdvisorChecksOutput, error)
	DescribeTrustedAdvisorCheckResult(ctx context.Context, in *support.DescribeTrustedAdvisorCheckResultInput, optFns ...func(*support.Options)) (*support.DescribeTrustedAdvisorCheckResultOutput, error)
}

const advisorLanguage = "en"

// TrustedAdvisorSource reports checks in warning or error state that flag
// at least one resource. Checks refreshed outside the window are skipped;
// checks without a timestamp are kept.
type TrustedAdvisorSource struct {
	client   supportAPI
	throttle *Throttle
	logger   *slog.Logger
}

// NewTrustedAdvisorSource expects a client bound to us-east-1.
func NewTrustedAdvisorSource(client supportAPI, throttle *Throttle, logger *slog.Logger) *TrustedAdvisorSource {
	return &TrustedAdvisorSource{client: client, throttle: throttle, logger: sourceLogger(logger, document.TrustedAdvisor)}
}

func (s *TrustedAdvisorSource) Domain() document.Domain { return document.TrustedAdvisor }

func (s *TrustedAdvisorSource) Collect(ctx context.Context, _ Scope, w window.Window) (any, error) {
	if err := s.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	checks, err := s.client.DescribeTrustedAdvisorChecks(ctx, &support.DescribeTrustedAdvisorChecksInput{
		Language: aws.String(advisorLanguage),
	})
	if err != nil {
		return nil, fmt.Errorf("describe trusted advisor checks: %w", err)
	}

	start, end := windowBounds(w)
	out := []map[string]any{}
	for _, check := range checks.Checks {
		if err := s.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		res, err := s.client.DescribeTrustedAdvisorCheckResult(ctx, &support.DescribeTrustedAdvisorCheckResultInput{
			CheckId:  check.Id,
			Language: aws.String(advisorLanguage),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.DebugContext(ctx, "skipping check", slog.String("check_id", aws.ToString(check.Id)), logging.Error(err))
			continue
		}
		if item := adviceItem(check, res.Result, start, end); item != nil {
			out = append(out, item)
		}
	}
	return out, nil
}

func adviceItem(check supporttypes.TrustedAdvisorCheckDescription, r *supporttypes.TrustedAdvisorCheckResult, start, end time.Time) map[string]any {
	if r == nil || len(r.FlaggedResources) == 0 {
		return nil
	}
	status := aws.ToString(r.Status)
	if status != "warning" && status != "error" {
		return nil
	}

	var ts *time.Time
	if raw := aws.ToString(r.Timestamp); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			t = t.UTC()
			ts = &t
		}
	}
	if ts != nil && !inWindow(start, end, ts) {
		return nil
	}

	var savings any
	if sum := r.CategorySpecificSummary; sum != nil && sum.CostOptimizing != nil {
		savings = sum.CostOptimizing.EstimatedMonthlySavings
	}

	return map[string]any{
		"check_id":                 check.Id,
		"check_name":               check.Name,
		"category":                 check.Category,
		"severity":                 status,
		"recommendation":           check.Description,
		"affected_resources_count": len(r.FlaggedResources),
		"potential_savings":        savings,
		"timestamp":                ts,
	}
}
