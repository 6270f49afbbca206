// Package document defines the composite collection document exchanged between
// the collector and the loader through the staging bucket.
package document

import (
	"sort"
	"time"
)

// Domain names one telemetry section of a composite document.
type Domain string

const (
	Account        Domain = "account"
	Config         Domain = "config"
	Service        Domain = "service"
	Cost           Domain = "cost"
	Security       Domain = "security"
	Inventory      Domain = "inventory"
	Marketplace    Domain = "marketplace"
	TrustedAdvisor Domain = "trusted_advisor"
	Health         Domain = "health"
	Application    Domain = "application"
	ResilienceHub  Domain = "resilience_hub"
	Logs           Domain = "logs"
)

// Shape is the JSON kind a domain section serializes as.
type Shape int

const (
	ObjectShape Shape = iota
	ListShape
)

var shapes = map[Domain]Shape{
	Account:        ObjectShape,
	Config:         ObjectShape,
	Service:        ListShape,
	Cost:           ObjectShape,
	Security:       ObjectShape,
	Inventory:      ObjectShape,
	Marketplace:    ListShape,
	TrustedAdvisor: ListShape,
	Health:         ListShape,
	Application:    ListShape,
	ResilienceHub:  ListShape,
	Logs:           ObjectShape,
}

// Required returns every domain a complete document must carry, sorted.
func Required() []Domain {
	out := make([]Domain, 0, len(shapes))
	for d := range shapes {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Collected returns the required domains produced by source adapters,
// i.e. everything except logs.
func Collected() []Domain {
	all := Required()
	out := all[:0:0]
	for _, d := range all {
		if d != Logs {
			out = append(out, d)
		}
	}
	return out
}

// ShapeOf returns the declared shape of d. Unknown domains are objects.
func ShapeOf(d Domain) Shape {
	return shapes[d]
}

// Empty returns the default value recorded for a domain whose source failed.
func Empty(d Domain) any {
	if ShapeOf(d) == ListShape {
		return []any{}
	}
	return map[string]any{}
}

// Composite is one collection run: domain name to section value.
type Composite map[string]any

// Missing returns the required domains absent from c, sorted.
func (c Composite) Missing() []Domain {
	var missing []Domain
	for _, d := range Required() {
		if _, ok := c[string(d)]; !ok {
			missing = append(missing, d)
		}
	}
	return missing
}

// Object returns domain d as a JSON object, or nil when absent or not an object.
func (c Composite) Object(d Domain) map[string]any {
	m, _ := c[string(d)].(map[string]any)
	return m
}

// List returns domain d as a list of JSON objects. Non-object items are dropped.
func (c Composite) List(d Domain) []map[string]any {
	return Items(c[string(d)])
}

// Items converts a decoded JSON array into its object elements.
func Items(v any) []map[string]any {
	raw, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]map[string]any); ok {
			return typed
		}
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// TimeLayout is the canonical textual form of every timestamp in a staged document.
const TimeLayout = "2006-01-02T15:04:05Z"

// DateLayout is used for date-only window bounds.
const DateLayout = "2006-01-02"

// FormatTime renders t in the canonical timestamp form.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimeLayout)
}

// FormatDate renders the calendar date of t.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}
