package upsert

// Type is the semantic SQL type of a column. The zero value is plain text
// and gets no cast.
type Type string

const (
	TypeText              Type = ""
	TypeTimestamp         Type = "timestamp"
	TypeNumeric           Type = "numeric"
	TypeJSONB             Type = "jsonb"
	TypePeriodGranularity Type = "period_granularity_type"
	TypeTextArray         Type = "varchar[]"
)

// Cast returns the SQL cast suffix for t, or "" for text.
func (t Type) Cast() string {
	if t == TypeText {
		return ""
	}
	return "::" + string(t)
}

// TypeMap maps column names to their semantic type. Columns are looked up by
// name across every table.
type TypeMap map[string]Type

// Lookup returns the registered type of column, or TypeText.
func (m TypeMap) Lookup(column string) Type {
	return m[column]
}

// DefaultTypeMap returns the column registry used by the loader.
func DefaultTypeMap() TypeMap {
	m := TypeMap{}
	register := func(t Type, cols ...string) {
		for _, c := range cols {
			m[c] = t
		}
	}

	register(TypeTimestamp,
		"created_at", "updated_at", "joined_timestamp", "period_start", "period_end",
		"date_from", "date_to", "date_created", "last_ping_date_time", "install_time",
		"installed_time", "timestamp", "start_time", "end_time", "creation_time",
		"last_assessment_time", "last_drill", "creation_date", "latest_delivery_time",
		"created_date", "not_after", "first_observed_at", "last_changed_date")
	register(TypeNumeric,
		"cost", "utilization", "current_period_cost", "previous_period_cost",
		"cost_difference", "cost_difference_percentage", "potential_monthly_savings",
		"amount", "prediction_interval_lower_bound", "prediction_interval_upper_bound",
		"potential_savings", "cost_consumed")
	register(TypeJSONB, "key_attributes", "configuration", "tags", "default_action")
	register(TypePeriodGranularity, "period_granularity")
	register(TypeTextArray, "usage_types")

	return m
}
