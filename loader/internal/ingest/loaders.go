package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	scopeconfig "github.com/telhawk-systems/accountscope/common/config"
	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/loader/internal/upsert"
)

// load is the state shared by the loaders of one document.
type load struct {
	up        Upserter
	stats     *upsert.Stats
	logger    *slog.Logger
	now       func() time.Time
	accountID int64
}

func (l *load) upsert(ctx context.Context, table string, record map[string]any, keys ...string) upsert.Outcome {
	return l.up.Upsert(ctx, table, record, keys, l.stats)
}

// owned copies fields from item and links the record to the account.
func (l *load) owned(item map[string]any, fields []string) map[string]any {
	rec := pick(item, fields)
	rec["account_id"] = l.accountID
	return rec
}

func (l *load) dropChildren(ctx context.Context, parent string, n int) {
	if n == 0 {
		return
	}
	l.logger.DebugContext(ctx, "parent has no id, dropping children",
		logging.Table(parent),
		slog.Int("children", n))
}

// pick returns the declared fields present in item.
func pick(item map[string]any, fields []string) map[string]any {
	rec := make(map[string]any, len(fields)+1)
	for _, f := range fields {
		if v, ok := item[f]; ok {
			rec[f] = v
		}
	}
	return rec
}

func object(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

type domainLoader struct {
	domain document.Domain
	load   func(l *load, ctx context.Context, section any)
}

// domainLoaders run after the account, in any order.
var domainLoaders = []domainLoader{
	{document.Config, (*load).config},
	{document.Service, (*load).services},
	{document.Cost, (*load).cost},
	{document.Security, (*load).security},
	{document.Inventory, (*load).inventory},
	{document.Marketplace, listLoader("marketplace_usage", marketplaceFields, "account_id", "product_code", "period_start")},
	{document.TrustedAdvisor, listLoader("trusted_advisor_checks", trustedAdvisorFields, "account_id", "check_name")},
	{document.Health, listLoader("health_events", healthFields, "arn")},
	{document.Application, listLoader("application_signals", applicationFields, "account_id", "service_name")},
	{document.ResilienceHub, listLoader("resilience_hub_apps", resilienceFields, "app_arn")},
	{document.Logs, (*load).logs},
}

var (
	accountFields = []string{
		"account_id", "account_name", "account_email", "account_status", "account_arn",
		"joined_method", "joined_timestamp", "partner_name", "customer_name",
		"category", "environment", "product",
	}
	contactFields = []string{
		"address_line1", "address_line2", "address_line3", "city", "country_code",
		"postal_code", "state_or_region", "company_name", "phone_number", "website_url",
		"full_name",
	}
	configFields = []string{
		"date_from", "date_to", "compliance_score", "total_rules", "compliant_rules",
		"non_compliant_rules",
	}
	nonCompliantFields = []string{"rule_name", "resource_id", "resource_type"}
	serviceFields      = []string{
		"service", "date_from", "date_to", "cost", "currency", "utilization",
		"utilization_unit", "usage_types",
	}
	costFields = []string{
		"current_period_cost", "previous_period_cost", "cost_difference",
		"cost_difference_percentage",
	}
	findingFields = []string{
		"finding_id", "service", "title", "description", "severity", "status",
		"resource_type", "resource_id", "created_at", "updated_at", "recommendation",
		"compliance_status", "region", "workflow_state", "record_state", "product_name",
		"company_name", "product_arn", "generator_id", "generator",
	}
	guardDutyFields  = []string{"severity", "title", "description", "confidence", "region"}
	kmsFields        = []string{"key_id", "arn", "description", "key_usage", "key_state", "creation_date", "enabled", "key_rotation_enabled"}
	wafFields        = []string{"name", "arn", "scope", "description", "default_action", "rules_count", "logging_enabled", "geo_blocking_enabled", "blocked_countries"}
	wafRuleFields    = []string{"web_acl_name", "rule_name", "priority", "action", "statement_type", "is_managed_rule", "is_custom_rule", "rate_limit", "logging_enabled", "geo_blocking", "sql_injection", "sample_request_enabled", "cloudwatch_enabled", "has_xss_protection", "waf_version", "is_compliant", "scope"}
	cloudtrailFields = []string{"name", "arn", "is_logging", "is_multi_region", "s3_bucket", "kms_key_id", "log_file_validation", "latest_delivery_time"}
	secretFields     = []string{"name", "arn", "description", "created_date", "last_changed_date", "rotation_enabled"}
	certFields       = []string{"arn", "domain_name", "status", "type", "not_after"}
	inspectorFields  = []string{"finding_arn", "severity", "status", "type", "title", "description", "first_observed_at"}
	instanceFields   = []string{"instance_id", "instance_type", "platform", "ip_address", "computer_name", "ping_status", "last_ping_date_time", "agent_version"}
	appFields        = []string{"name", "version", "publisher", "install_time"}
	patchFields      = []string{"title", "classification", "severity", "state", "installed_time"}

	marketplaceFields    = []string{"product_code", "product_name", "cost_consumed", "currency", "period_start", "period_end", "status"}
	trustedAdvisorFields = []string{"check_name", "category", "severity", "recommendation", "affected_resources_count", "potential_savings", "timestamp"}
	healthFields         = []string{"arn", "service", "event_type_code", "region", "start_time", "end_time", "status_code"}
	applicationFields    = []string{"service_name", "namespace", "key_attributes"}
	resilienceFields     = []string{"app_arn", "name", "description", "creation_time", "last_assessment_time", "compliance_status", "resiliency_score", "status", "rpo", "rto", "last_drill", "cost"}

	logStatusColumns = []string{
		"account_status", "config_status", "service_status", "cost_status",
		"security_status", "inventory_status", "marketplace_status",
		"trusted_advisor_status", "health_status", "application_status",
		"resilience_hub_status",
	}
)

// account upserts the accounts row and its contacts and returns the
// surrogate id every other table links to.
func (l *load) account(ctx context.Context, acct map[string]any, tax scopeconfig.TaxonomyConfig) (int64, error) {
	accountID := fmt.Sprint(acct["account_id"])

	rec := pick(acct, accountFields)
	defaults := map[string]any{
		"account_name":     "Unknown",
		"account_email":    "unknown@example.com",
		"account_status":   "ACTIVE",
		"account_arn":      "arn:aws:organizations::" + accountID + ":account",
		"joined_method":    "CREATED",
		"joined_timestamp": "1970-01-01T00:00:00Z",
	}
	for k, v := range defaults {
		if rec[k] == nil {
			rec[k] = v
		}
	}
	rec["csp"] = "AWS"
	rec["account_type"] = "PRODUCTION"

	tags := map[string]string{
		"partner_name":  tax.Partner,
		"customer_name": tax.Customer,
		"category":      tax.Category,
		"environment":   tax.Environment,
		"product":       tax.Product,
	}
	for col, v := range tags {
		if !isBlank(rec[col]) {
			continue
		}
		switch {
		case v != "":
			rec[col] = v
		case col == "partner_name" || col == "customer_name":
			rec[col] = "None"
		default:
			delete(rec, col)
		}
	}

	out := l.upsert(ctx, "accounts", rec, "account_id")
	if !out.HasID() {
		if out.Err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrAccountUnresolved, accountID, out.Err)
		}
		return 0, fmt.Errorf("%w: %s", ErrAccountUnresolved, accountID)
	}
	id := *out.ID
	l.accountID = id

	if contact := object(acct["contact_info"]); hasValue(contact) {
		l.upsert(ctx, "contact_info", l.owned(contact, contactFields), "account_id")
	}

	alternates := object(acct["alternate_contacts"])
	types := make([]string, 0, len(alternates))
	for t := range alternates {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		c := object(alternates[t])
		if !hasValue(c) {
			continue
		}
		l.upsert(ctx, "alternate_contacts", map[string]any{
			"account_id":   id,
			"contact_type": t,
			"full_name":    c["name"],
			"title":        c["title"],
			"email":        c["email"],
			"phone_number": c["phone"],
		}, "account_id", "contact_type")
	}
	return id, nil
}

func hasValue(m map[string]any) bool {
	for _, v := range m {
		if v != nil {
			return true
		}
	}
	return false
}

func (l *load) config(ctx context.Context, section any) {
	cfg := object(section)
	resources := document.Items(cfg["non_compliant_resources"])

	out := l.upsert(ctx, "config_reports", l.owned(cfg, configFields), "account_id", "date_from")
	if !out.HasID() {
		l.dropChildren(ctx, "config_reports", len(resources))
		return
	}
	for _, r := range resources {
		rec := pick(r, nonCompliantFields)
		if v, ok := r["error_date"]; ok {
			rec["created_at"] = v
		}
		rec["config_report_id"] = *out.ID
		l.upsert(ctx, "non_compliant_resources", rec, "config_report_id", "resource_id")
	}
}

func (l *load) services(ctx context.Context, section any) {
	for _, item := range document.Items(section) {
		l.upsert(ctx, "services", l.owned(item, serviceFields), "account_id", "service", "date_from")
	}
}

func (l *load) cost(ctx context.Context, section any) {
	c := object(section)
	top := document.Items(c["top_services"])
	forecasts := document.Items(c["forecast"])

	rec := l.owned(c, costFields)
	if period := object(c["period"]); period != nil {
		rec["period_start"] = period["start"]
		rec["period_end"] = period["end"]
		rec["period_granularity"] = period["granularity"]
	}

	out := l.upsert(ctx, "cost_reports", rec, "account_id", "period_start")
	if !out.HasID() {
		l.dropChildren(ctx, "cost_reports", len(top)+len(forecasts))
		return
	}
	reportID := *out.ID

	for _, s := range top {
		l.upsert(ctx, "service_costs", map[string]any{
			"cost_report_id": reportID,
			"service_name":   s["service"],
			"cost":           s["cost"],
		}, "cost_report_id", "service_name")
	}
	for _, f := range forecasts {
		fc := pick(f, []string{"amount", "prediction_interval_lower_bound", "prediction_interval_upper_bound"})
		if period := object(f["period"]); period != nil {
			fc["period_start"] = period["start"]
			fc["period_end"] = period["end"]
		}
		fc["cost_report_id"] = reportID
		l.upsert(ctx, "cost_forecasts", fc, "cost_report_id", "period_start")
	}
}

// count reads a counter that defaults to zero.
func count(m map[string]any, k string) any {
	if v, ok := m[k]; ok && v != nil {
		return v
	}
	return 0
}

func (l *load) security(ctx context.Context, section any) {
	sec := object(section)

	for _, hub := range document.Items(sec["security_hub"]) {
		counts := object(hub["severity_counts"])
		summary := map[string]any{
			"account_id":          l.accountID,
			"service":             hub["service"],
			"total_findings":      count(hub, "total_findings"),
			"critical_count":      count(counts, "CRITICAL"),
			"high_count":          count(counts, "HIGH"),
			"medium_count":        count(counts, "MEDIUM"),
			"low_count":           count(counts, "LOW"),
			"informational_count": count(counts, "INFORMATIONAL"),
			"open_findings":       count(hub, "open_findings"),
			"resolved_findings":   count(hub, "resolved_findings"),
		}
		findings := document.Items(hub["findings"])

		out := l.upsert(ctx, "security", summary, "account_id", "service")
		if !out.HasID() {
			l.dropChildren(ctx, "security", len(findings))
			continue
		}
		for _, f := range findings {
			rec := pick(f, findingFields)
			rec["security_id"] = *out.ID
			l.upsert(ctx, "findings", rec, "finding_id")
		}
	}

	for _, f := range document.Items(sec["guard_duty"]) {
		rec := l.owned(f, guardDutyFields)
		rec["detector_id"] = f["id"]
		rec["finding_type"] = f["type"]
		l.upsert(ctx, "guard_duty_findings", rec, "account_id", "detector_id")
	}
	for _, k := range document.Items(sec["kms"]) {
		l.upsert(ctx, "kms_keys", l.owned(k, kmsFields), "key_id")
	}
	for _, w := range document.Items(sec["waf"]) {
		rec := l.owned(w, wafFields)
		rec["waf_id"] = w["id"]
		l.upsert(ctx, "waf_rules", rec, "waf_id")
	}
	for _, r := range document.Items(sec["waf_rules"]) {
		l.upsert(ctx, "waf_rules_detailed", l.owned(r, wafRuleFields), "account_id", "web_acl_name", "rule_name")
	}
	for _, t := range document.Items(sec["cloudtrail"]) {
		l.upsert(ctx, "cloudtrail_logs", l.owned(t, cloudtrailFields), "arn")
	}
	for _, s := range document.Items(sec["secrets_manager"]) {
		l.upsert(ctx, "secrets_manager_secrets", l.owned(s, secretFields), "arn")
	}
	for _, c := range document.Items(sec["certificate_manager"]) {
		l.upsert(ctx, "certificates", l.owned(c, certFields), "arn")
	}
	for _, f := range document.Items(sec["inspector"]) {
		l.upsert(ctx, "inspector_findings", l.owned(f, inspectorFields), "finding_arn")
	}
}

// inventory links applications and patches to the instance they were
// reported for. Children of an instance without an id are dropped.
func (l *load) inventory(ctx context.Context, section any) {
	inv := object(section)

	ids := make(map[string]int64)
	for _, inst := range document.Items(inv["instances"]) {
		out := l.upsert(ctx, "inventory_instances", l.owned(inst, instanceFields), "instance_id")
		if out.HasID() {
			ids[fmt.Sprint(inst["instance_id"])] = *out.ID
		}
	}

	children := []struct {
		key    string
		table  string
		fields []string
		unique string
	}{
		{"applications", "inventory_applications", appFields, "name"},
		{"patches", "inventory_patches", patchFields, "title"},
	}
	for _, c := range children {
		dropped := 0
		for _, item := range document.Items(inv[c.key]) {
			id, ok := ids[fmt.Sprint(item["instance_id"])]
			if !ok {
				dropped++
				continue
			}
			rec := l.owned(item, c.fields)
			rec["instance_id"] = id
			l.upsert(ctx, c.table, rec, "instance_id", c.unique)
		}
		l.dropChildren(ctx, "inventory_instances", dropped)
	}
}

// listLoader builds a loader for a flat list domain owned by the account.
func listLoader(table string, fields []string, keys ...string) func(*load, context.Context, any) {
	return func(l *load, ctx context.Context, section any) {
		for _, item := range document.Items(section) {
			l.upsert(ctx, table, l.owned(item, fields), keys...)
		}
	}
}

func (l *load) logs(ctx context.Context, section any) {
	raw := object(section)

	rec := l.owned(raw, append([]string{"date_created"}, logStatusColumns...))
	if isBlank(rec["date_created"]) {
		rec["date_created"] = document.FormatTime(l.now())
	}

	var messages []any
	switch m := raw["message"].(type) {
	case []any:
		messages = m
	case nil:
	default:
		messages = []any{m}
	}

	out := l.upsert(ctx, "logs", rec, "account_id", "date_created")
	if !out.HasID() {
		l.dropChildren(ctx, "logs", len(messages))
		return
	}

	for _, item := range messages {
		entries, ok := item.(map[string]any)
		if !ok {
			entries = map[string]any{"INFO": item}
		}
		types := make([]string, 0, len(entries))
		for t := range entries {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			l.upsert(ctx, "log_messages", map[string]any{
				"log_id":       *out.ID,
				"message_type": t,
				"message":      fmt.Sprint(entries[t]),
			}, "log_id", "message_type")
		}
	}
}
