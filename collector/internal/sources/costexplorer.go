package sources

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	cetypes "github.com/aws/aws-sdk-go-v2/service/costexplorer/types"

	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/common/window"
)

type costExplorerAPI interface {
	GetCostAndUsage(ctx context.Context, in *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
	GetCostForecast(ctx context.Context, in *costexplorer.GetCostForecastInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostForecastOutput, error)
}

const (
	metricUnblendedCost = "UnblendedCost"
	metricUsageQuantity = "UsageQuantity"

	marketplaceService = "AWS Marketplace"
	topServices        = 5
	forecastDays       = 30
)

// granularity maps an interval onto what Cost Explorer accepts.
func granularity(i window.Interval) cetypes.Granularity {
	switch i {
	case window.Monthly, window.Yearly:
		return cetypes.GranularityMonthly
	default:
		return cetypes.GranularityDaily
	}
}

// period is the Cost Explorer range for w. Cost Explorer ends are
// exclusive: a daily window covers asOf-1 only, longer windows include
// their last day.
func period(w window.Window) *cetypes.DateInterval {
	end := w.End
	if w.Interval != window.Daily {
		end = end.AddDate(0, 0, 1)
	}
	return dateInterval(w.Start, end)
}

func dateInterval(start, end time.Time) *cetypes.DateInterval {
	return &cetypes.DateInterval{
		Start: aws.String(document.FormatDate(start)),
		End:   aws.String(document.FormatDate(end)),
	}
}

func periodStart(p *cetypes.DateInterval) string {
	if p == nil {
		return ""
	}
	return aws.ToString(p.Start)
}

func periodEnd(p *cetypes.DateInterval) string {
	if p == nil {
		return ""
	}
	return aws.ToString(p.End)
}

func linkedAccount(accountID string) *cetypes.Expression {
	return &cetypes.Expression{Dimensions: &cetypes.DimensionValues{
		Key:    cetypes.DimensionLinkedAccount,
		Values: []string{accountID},
	}}
}

func groupBy(keys ...cetypes.Dimension) []cetypes.GroupDefinition {
	out := make([]cetypes.GroupDefinition, 0, len(keys))
	for _, k := range keys {
		out = append(out, cetypes.GroupDefinition{
			Type: cetypes.GroupDefinitionTypeDimension,
			Key:  aws.String(string(k)),
		})
	}
	return out
}

// costAndUsage follows NextPageToken and returns every result period.
func costAndUsage(ctx context.Context, client costExplorerAPI, throttle *Throttle, in *costexplorer.GetCostAndUsageInput) ([]cetypes.ResultByTime, error) {
	var results []cetypes.ResultByTime
	for {
		if err := throttle.Wait(ctx); err != nil {
			return nil, err
		}
		out, err := client.GetCostAndUsage(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("get cost and usage: %w", err)
		}
		results = append(results, out.ResultsByTime...)
		if aws.ToString(out.NextPageToken) == "" {
			return results, nil
		}
		in.NextPageToken = out.NextPageToken
	}
}

func amount(m map[string]cetypes.MetricValue, metric string) float64 {
	v, ok := m[metric]
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(aws.ToString(v.Amount), 64)
	if err != nil {
		return 0
	}
	return f
}

func unit(m map[string]cetypes.MetricValue, metric string) string {
	if v, ok := m[metric]; ok {
		return aws.ToString(v.Unit)
	}
	return ""
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// ServiceSource reports cost and usage per service, grouped by service and
// usage type.
type ServiceSource struct {
	client   costExplorerAPI
	throttle *Throttle
}

func NewServiceSource(client costExplorerAPI, throttle *Throttle) *ServiceSource {
	return &ServiceSource{client: client, throttle: throttle}
}

func (s *ServiceSource) Domain() document.Domain { return document.Service }

func (s *ServiceSource) Collect(ctx context.Context, scope Scope, w window.Window) (any, error) {
	results, err := costAndUsage(ctx, s.client, s.throttle, &costexplorer.GetCostAndUsageInput{
		TimePeriod:  period(w),
		Granularity: granularity(w.Interval),
		Metrics:     []string{metricUnblendedCost, metricUsageQuantity},
		GroupBy:     groupBy(cetypes.DimensionService, cetypes.DimensionUsageType),
		Filter:      linkedAccount(scope.AccountID),
	})
	if err != nil {
		return nil, err
	}

	type aggregate struct {
		item        map[string]any
		cost        float64
		utilization float64
		usageTypes  []string
	}
	byService := make(map[string]*aggregate)
	var order []string

	for _, r := range results {
		for _, g := range r.Groups {
			if len(g.Keys) < 2 {
				continue
			}
			service, usageType := g.Keys[0], g.Keys[1]
			cost := amount(g.Metrics, metricUnblendedCost)
			usage := amount(g.Metrics, metricUsageQuantity)

			agg, ok := byService[service]
			if !ok {
				var utilUnit any
				if i := strings.LastIndex(usageType, "-"); i >= 0 {
					utilUnit = usageType[i+1:]
				}
				agg = &aggregate{item: map[string]any{
					"service":          service,
					"date_from":        periodStart(r.TimePeriod),
					"date_to":          periodEnd(r.TimePeriod),
					"currency":         unit(g.Metrics, metricUnblendedCost),
					"utilization_unit": utilUnit,
				}}
				byService[service] = agg
				order = append(order, service)
			}
			agg.cost += cost
			agg.utilization += usage
			if !contains(agg.usageTypes, usageType) {
				agg.usageTypes = append(agg.usageTypes, usageType)
			}
		}
	}

	items := make([]map[string]any, 0, len(order))
	for _, name := range order {
		agg := byService[name]
		agg.item["cost"] = agg.cost
		agg.item["utilization"] = nil
		if agg.utilization != 0 {
			agg.item["utilization"] = agg.utilization
		}
		agg.item["usage_types"] = agg.usageTypes
		items = append(items, agg.item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i]["cost"].(float64) > items[j]["cost"].(float64)
	})
	return items, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// CostSource compares the window's spend with the previous window of equal
// length and adds the top services and a 30 day forecast.
type CostSource struct {
	client   costExplorerAPI
	throttle *Throttle
	logger   *slog.Logger
	now      func() time.Time
}

func NewCostSource(client costExplorerAPI, throttle *Throttle, logger *slog.Logger) *CostSource {
	return &CostSource{client: client, throttle: throttle, logger: sourceLogger(logger, document.Cost), now: time.Now}
}

func (s *CostSource) Domain() document.Domain { return document.Cost }

func (s *CostSource) Collect(ctx context.Context, scope Scope, w window.Window) (any, error) {
	current, err := costAndUsage(ctx, s.client, s.throttle, s.byService(scope, period(w), w.Interval))
	if err != nil {
		return nil, err
	}
	prevStart, prevEnd := w.Previous()
	previous, err := costAndUsage(ctx, s.client, s.throttle, s.byService(scope, dateInterval(prevStart, prevEnd), w.Interval))
	if err != nil {
		return nil, err
	}

	currentTotal, previousTotal := total(current), total(previous)
	diff := currentTotal - previousTotal
	pct := 0.0
	if previousTotal > 0 {
		pct = diff / previousTotal * 100
	}

	forecast, err := s.forecast(ctx, scope, w)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		s.logger.WarnContext(ctx, "cost forecast unavailable", logging.Error(err))
		forecast = []map[string]any{}
	}

	return map[string]any{
		"account_id":                 scope.AccountID,
		"current_period_cost":        currentTotal,
		"previous_period_cost":       previousTotal,
		"cost_difference":            diff,
		"cost_difference_percentage": pct,
		"top_services":               top(current, topServices),
		"period": map[string]any{
			"start":       document.FormatDate(w.Start),
			"end":         document.FormatDate(w.End),
			"granularity": string(w.Interval),
		},
		"forecast": forecast,
	}, nil
}

func (s *CostSource) byService(scope Scope, tp *cetypes.DateInterval, i window.Interval) *costexplorer.GetCostAndUsageInput {
	return &costexplorer.GetCostAndUsageInput{
		TimePeriod:  tp,
		Granularity: granularity(i),
		Metrics:     []string{metricUnblendedCost},
		GroupBy:     groupBy(cetypes.DimensionService),
		Filter:      linkedAccount(scope.AccountID),
	}
}

// forecast predicts spend from the later of today and the window end for
// 30 days. Cost Explorer rejects forecasts that start in the past.
func (s *CostSource) forecast(ctx context.Context, scope Scope, w window.Window) ([]map[string]any, error) {
	today := window.Midnight(s.now())
	start := today
	if w.End.After(start) {
		start = w.End
	}
	if err := s.throttle.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := s.client.GetCostForecast(ctx, &costexplorer.GetCostForecastInput{
		TimePeriod:              dateInterval(start, today.AddDate(0, 0, forecastDays)),
		Metric:                  cetypes.MetricUnblendedCost,
		Granularity:             granularity(w.Interval),
		Filter:                  linkedAccount(scope.AccountID),
		PredictionIntervalLevel: aws.Int32(80),
	})
	if err != nil {
		return nil, fmt.Errorf("get cost forecast: %w", err)
	}

	points := make([]map[string]any, 0, len(out.ForecastResultsByTime))
	for _, p := range out.ForecastResultsByTime {
		point := map[string]any{
			"amount":                          parseAmount(p.MeanValue),
			"prediction_interval_lower_bound": parseAmount(p.PredictionIntervalLowerBound),
			"prediction_interval_upper_bound": parseAmount(p.PredictionIntervalUpperBound),
		}
		if p.TimePeriod != nil {
			point["period"] = map[string]any{
				"start": periodStart(p.TimePeriod),
				"end":   periodEnd(p.TimePeriod),
			}
		}
		points = append(points, point)
	}
	return points, nil
}

func parseAmount(s *string) any {
	if s == nil {
		return nil
	}
	f, err := strconv.ParseFloat(*s, 64)
	if err != nil {
		return nil
	}
	return f
}

func total(results []cetypes.ResultByTime) float64 {
	var sum float64
	for _, r := range results {
		for _, g := range r.Groups {
			sum += amount(g.Metrics, metricUnblendedCost)
		}
	}
	return sum
}

// top returns the n most expensive services of the latest result period.
func top(results []cetypes.ResultByTime, n int) []map[string]any {
	if len(results) == 0 {
		return []map[string]any{}
	}
	latest := results[len(results)-1]
	out := make([]map[string]any, 0, len(latest.Groups))
	for _, g := range latest.Groups {
		if len(g.Keys) == 0 {
			continue
		}
		out = append(out, map[string]any{"service": g.Keys[0], "cost": amount(g.Metrics, metricUnblendedCost)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i]["cost"].(float64) > out[j]["cost"].(float64)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// MarketplaceSource reports AWS Marketplace spend in the window as one
// usage row with its daily breakdown.
type MarketplaceSource struct {
	client   costExplorerAPI
	throttle *Throttle
}

func NewMarketplaceSource(client costExplorerAPI, throttle *Throttle) *MarketplaceSource {
	return &MarketplaceSource{client: client, throttle: throttle}
}

func (s *MarketplaceSource) Domain() document.Domain { return document.Marketplace }

func (s *MarketplaceSource) Collect(ctx context.Context, scope Scope, w window.Window) (any, error) {
	results, err := costAndUsage(ctx, s.client, s.throttle, &costexplorer.GetCostAndUsageInput{
		TimePeriod:  period(w),
		Granularity: cetypes.GranularityDaily,
		Metrics:     []string{metricUnblendedCost},
		GroupBy:     groupBy(cetypes.DimensionService),
		Filter: &cetypes.Expression{And: []cetypes.Expression{
			*linkedAccount(scope.AccountID),
			{Dimensions: &cetypes.DimensionValues{
				Key:    cetypes.DimensionService,
				Values: []string{marketplaceService},
			}},
		}},
	})
	if err != nil {
		return nil, err
	}

	var totalCost float64
	currency := "USD"
	daily := []map[string]any{}
	for _, r := range results {
		var dayCost float64
		for _, g := range r.Groups {
			if !contains(g.Keys, marketplaceService) {
				continue
			}
			dayCost += amount(g.Metrics, metricUnblendedCost)
			if u := unit(g.Metrics, metricUnblendedCost); u != "" {
				currency = u
			}
		}
		if dayCost > 0 {
			daily = append(daily, map[string]any{"date": periodStart(r.TimePeriod), "cost": dayCost})
			totalCost += dayCost
		}
	}

	if totalCost == 0 {
		return []map[string]any{}, nil
	}
	return []map[string]any{{
		"product_code":  "MARKETPLACE_USAGE",
		"product_name":  "AWS Marketplace Products",
		"dimension":     "Usage",
		"cost_consumed": totalCost,
		"currency":      currency,
		"period_start":  document.FormatDate(w.Start),
		"period_end":    document.FormatDate(w.End),
		"daily_costs":   daily,
		"status":        "CONSUMED",
	}}, nil
}
