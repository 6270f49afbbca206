package upsert

import "sync/atomic"

// Stats counts upsert outcomes for one ingestion pass. Safe for concurrent use.
type Stats struct {
	created atomic.Int64
	updated atomic.Int64
	skipped atomic.Int64
	errors  atomic.Int64
	total   atomic.Int64
	loaded  atomic.Int64
}

// Summary is an immutable snapshot of Stats.
type Summary struct {
	Total   int64 `json:"total"`
	Loaded  int64 `json:"loaded"`
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
	Skipped int64 `json:"skipped"`
	Errors  int64 `json:"errors"`
}

// Record counts one outcome.
func (s *Stats) Record(r Result) {
	s.total.Add(1)
	switch r {
	case Created:
		s.created.Add(1)
	case Updated:
		s.updated.Add(1)
	case Skipped:
		s.skipped.Add(1)
	case Error:
		s.errors.Add(1)
	}
}

// MarkLoaded counts one fully ingested document.
func (s *Stats) MarkLoaded() { s.loaded.Add(1) }

func (s *Stats) Snapshot() Summary {
	return Summary{
		Total:   s.total.Load(),
		Loaded:  s.loaded.Load(),
		Created: s.created.Load(),
		Updated: s.updated.Load(),
		Skipped: s.skipped.Load(),
		Errors:  s.errors.Load(),
	}
}

// Add returns the field-wise sum of s and o.
func (s Summary) Add(o Summary) Summary {
	return Summary{
		Total:   s.Total + o.Total,
		Loaded:  s.Loaded + o.Loaded,
		Created: s.Created + o.Created,
		Updated: s.Updated + o.Updated,
		Skipped: s.Skipped + o.Skipped,
		Errors:  s.Errors + o.Errors,
	}
}
