package sources

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/health"
	healthtypes "github.com/aws/aws-sdk-go-v2/service/health/types"

	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/window"
)

type healthAPI interface {
	DescribeEvents(ctx context.Context, in *health.DescribeEventsInput, optFns ...func(*health.Options)) (*health.DescribeEventsOutput, error)
}

// HealthSource lists service health events that started within the window.
type HealthSource struct {
	client   healthAPI
	throttle *Throttle
	logger   *slog.Logger
}

// NewHealthSource expects a client bound to us-east-1.
func NewHealthSource(client healthAPI, throttle *Throttle, logger *slog.Logger) *HealthSource {
	return &HealthSource{client: client, throttle: throttle, logger: sourceLogger(logger, document.Health)}
}

func (s *HealthSource) Domain() document.Domain { return document.Health }

func (s *HealthSource) Collect(ctx context.Context, _ Scope, w window.Window) (any, error) {
	start, end := windowBounds(w)
	in := &health.DescribeEventsInput{
		Filter: &healthtypes.EventFilter{
			StartTimes: []healthtypes.DateTimeRange{{From: aws.Time(start), To: aws.Time(end)}},
		},
	}

	out := []map[string]any{}
	p := health.NewDescribeEventsPaginator(s.client, in)
	for p.HasMorePages() {
		if err := s.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe events: %w", err)
		}
		for _, e := range page.Events {
			out = append(out, map[string]any{
				"arn":                 e.Arn,
				"service":             e.Service,
				"event_type_code":     e.EventTypeCode,
				"event_type_category": string(e.EventTypeCategory),
				"region":              e.Region,
				"availability_zone":   e.AvailabilityZone,
				"start_time":          e.StartTime,
				"end_time":            e.EndTime,
				"last_updated_time":   e.LastUpdatedTime,
				"status_code":         string(e.StatusCode),
				"event_scope_code":    string(e.EventScopeCode),
			})
		}
	}
	s.logger.DebugContext(ctx, "health events collected", slog.Int("count", len(out)))
	return out, nil
}
