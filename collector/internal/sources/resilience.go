package sources

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/resiliencehub"
	rhtypes "github.com/aws/aws-sdk-go-v2/service/resiliencehub/types"

	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/common/window"
)

type resilienceHubAPI interface {
	ListApps(ctx context.Context, in *resiliencehub.ListAppsInput, optFns ...func(*resiliencehub.Options)) (*resiliencehub.ListAppsOutput, error)
	DescribeApp(ctx context.Context, in *resiliencehub.DescribeAppInput, optFns ...func(*resiliencehub.Options)) (*resiliencehub.DescribeAppOutput, error)
	DescribeResiliencyPolicy(ctx context.Context, in *resiliencehub.DescribeResiliencyPolicyInput, optFns ...func(*resiliencehub.Options)) (*resiliencehub.DescribeResiliencyPolicyOutput, error)
}

// ResilienceSource lists Resilience Hub applications created or assessed
// within the window, with RPO and RTO from the availability zone policy.
type ResilienceSource struct {
	client   resilienceHubAPI
	throttle *Throttle
	logger   *slog.Logger
}

func NewResilienceSource(client resilienceHubAPI, throttle *Throttle, logger *slog.Logger) *ResilienceSource {
	return &ResilienceSource{client: client, throttle: throttle, logger: sourceLogger(logger, document.ResilienceHub)}
}

func (s *ResilienceSource) Domain() document.Domain { return document.ResilienceHub }

func (s *ResilienceSource) Collect(ctx context.Context, _ Scope, w window.Window) (any, error) {
	start, end := windowBounds(w)

	out := []map[string]any{}
	var token *string
	for {
		if err := s.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := s.client.ListApps(ctx, &resiliencehub.ListAppsInput{NextToken: token})
		if err != nil {
			return nil, fmt.Errorf("list apps: %w", err)
		}
		for _, app := range page.AppSummaries {
			detail, err := s.describe(ctx, app.AppArn)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.logger.WarnContext(ctx, "app details unavailable", slog.String("app_arn", aws.ToString(app.AppArn)), logging.Error(err))
			}

			assessed := lastAssessed(detail)
			if !inWindow(start, end, app.CreationTime, assessed) {
				continue
			}

			item := map[string]any{
				"app_arn":              app.AppArn,
				"name":                 app.Name,
				"description":          app.Description,
				"creation_time":        app.CreationTime,
				"last_assessment_time": assessed,
				"compliance_status":    app.ComplianceStatus,
				"resiliency_score":     app.ResiliencyScore,
				"status":               app.Status,
				"rpo":                  nil,
				"rto":                  nil,
				"last_drill":           nil,
				"cost":                 nil,
			}
			if detail != nil && detail.policy != nil {
				item["rpo"] = detail.policy.RpoInSecs
				item["rto"] = detail.policy.RtoInSecs
			}
			out = append(out, item)
		}
		if aws.ToString(page.NextToken) == "" {
			return out, nil
		}
		token = page.NextToken
	}
}

type appDetail struct {
	app    *rhtypes.App
	policy *rhtypes.FailurePolicy
}

func (s *ResilienceSource) describe(ctx context.Context, arn *string) (*appDetail, error) {
	if err := s.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	got, err := s.client.DescribeApp(ctx, &resiliencehub.DescribeAppInput{AppArn: arn})
	if err != nil {
		return nil, fmt.Errorf("describe app: %w", err)
	}
	if got.App == nil {
		return nil, nil
	}
	detail := &appDetail{app: got.App}
	if got.App.PolicyArn == nil {
		return detail, nil
	}

	if err := s.throttle.Wait(ctx); err != nil {
		return detail, err
	}
	pol, err := s.client.DescribeResiliencyPolicy(ctx, &resiliencehub.DescribeResiliencyPolicyInput{PolicyArn: got.App.PolicyArn})
	if err != nil {
		return detail, fmt.Errorf("describe resiliency policy: %w", err)
	}
	if pol.Policy != nil {
		if fp, ok := pol.Policy.Policy["AZ"]; ok {
			detail.policy = &fp
		}
	}
	return detail, nil
}

func lastAssessed(d *appDetail) *time.Time {
	if d == nil {
		return nil
	}
	return d.app.LastAppComplianceEvaluationTime
}
