package sources

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/applicationsignals"

	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/window"
)

type applicationSignalsAPI interface {
	ListServices(ctx context.Context, in *applicationsignals.ListServicesInput, optFns ...func(*applicationsignals.Options)) (*applicationsignals.ListServicesOutput, error)
}

// signalsSpan is the longest range ListServices accepts.
const signalsSpan = 24 * time.Hour

// ApplicationSource lists services discovered by Application Signals.
type ApplicationSource struct {
	client   applicationSignalsAPI
	throttle *Throttle
	logger   *slog.Logger
	now      func() time.Time
}

func NewApplicationSource(client applicationSignalsAPI, throttle *Throttle, logger *slog.Logger) *ApplicationSource {
	return &ApplicationSource{
		client:   client,
		throttle: throttle,
		logger:   sourceLogger(logger, document.Application),
		now:      time.Now,
	}
}

func (s *ApplicationSource) Domain() document.Domain { return document.Application }

// signalsRange clamps the window to what the service accepts. Windows longer
// than a day fall back to the last 23 hours.
func signalsRange(w window.Window, now time.Time) (time.Time, time.Time) {
	start, end := windowBounds(w)
	if end.Sub(start) > signalsSpan {
		end = now.UTC()
		start = end.Add(-23 * time.Hour)
	}
	return start, end
}

func (s *ApplicationSource) Collect(ctx context.Context, _ Scope, w window.Window) (any, error) {
	start, end := signalsRange(w, s.now())

	out := []map[string]any{}
	var token *string
	for {
		if err := s.throttle.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := s.client.ListServices(ctx, &applicationsignals.ListServicesInput{
			StartTime: aws.Time(start),
			EndTime:   aws.Time(end),
			NextToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list services: %w", err)
		}
		for _, svc := range page.ServiceSummaries {
			attrs := make(map[string]any, len(svc.KeyAttributes))
			for k, v := range svc.KeyAttributes {
				attrs[k] = v
			}
			out = append(out, map[string]any{
				"service_name":      blankNil(svc.KeyAttributes["Name"]),
				"namespace":         blankNil(svc.KeyAttributes["Environment"]),
				"key_attributes":    attrs,
				"attribute_maps":    svc.AttributeMaps,
				"metric_references": len(svc.MetricReferences),
			})
		}
		if aws.ToString(page.NextToken) == "" {
			return out, nil
		}
		token = page.NextToken
	}
}
