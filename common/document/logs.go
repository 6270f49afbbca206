package document

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DomainStatus is the immutable record one collection task returns.
type DomainStatus struct {
	Domain Domain
	Status Status
	Error  string
}

// Passed builds a Pass status for d.
func Passed(d Domain) DomainStatus {
	return DomainStatus{Domain: d, Status: Pass}
}

// PassedWith builds a Pass status for d that still carries err's text, for
// a section collected with some parts missing.
func PassedWith(d Domain, err error) DomainStatus {
	s := Passed(d)
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

// Failed builds a Fail status for d carrying err's text.
func Failed(d Domain, err error) DomainStatus {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return DomainStatus{Domain: d, Status: Fail, Error: msg}
}

// Message is one {domain: error} entry of the logs section.
type Message struct {
	Domain string
	Text   string
}

// RunLog is the "logs" section of a composite document. On the wire it is a
// flat object: account_id, date_created, one <domain>_status per domain and
// a "message" list of single-key objects.
type RunLog struct {
	AccountID   string
	DateCreated time.Time
	Statuses    map[Domain]Status
	Messages    []Message
}

// NewRunLog merges per-domain statuses into a RunLog. Every status carrying
// an error contributes a message, in the order of statuses, which callers
// sort by domain.
func NewRunLog(accountID string, created time.Time, statuses []DomainStatus) RunLog {
	l := RunLog{
		AccountID:   accountID,
		DateCreated: created,
		Statuses:    make(map[Domain]Status, len(statuses)),
	}
	for _, s := range statuses {
		l.Statuses[s.Domain] = s.Status
		if s.Error != "" {
			l.Messages = append(l.Messages, Message{Domain: string(s.Domain), Text: s.Error})
		}
	}
	return l
}

// Failed returns the domains recorded as Fail, sorted.
func (l RunLog) Failed() []Domain {
	var out []Domain
	for d, s := range l.Statuses {
		if s == Fail {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

const statusSuffix = "_status"

// Fields returns the flat wire representation.
func (l RunLog) Fields() map[string]any {
	m := map[string]any{
		"account_id":   l.AccountID,
		"date_created": FormatTime(l.DateCreated),
	}
	for d, s := range l.Statuses {
		m[string(d)+statusSuffix] = s.String()
	}
	msgs := make([]any, 0, len(l.Messages))
	for _, msg := range l.Messages {
		msgs = append(msgs, map[string]any{msg.Domain: msg.Text})
	}
	m["message"] = msgs
	return m
}

func (l RunLog) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Fields())
}

func (l *RunLog) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseRunLog(raw)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseRunLog reads the flat wire form. A message may be a single object,
// a list of objects, or plain strings (recorded under domain "INFO").
func ParseRunLog(raw map[string]any) (RunLog, error) {
	l := RunLog{Statuses: map[Domain]Status{}}
	if v, ok := raw["account_id"]; ok && v != nil {
		l.AccountID = fmt.Sprint(v)
	}
	if v, ok := raw["date_created"].(string); ok && v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return RunLog{}, fmt.Errorf("invalid date_created %q: %w", v, err)
		}
		l.DateCreated = t
	}
	for k, v := range raw {
		if !strings.HasSuffix(k, statusSuffix) {
			continue
		}
		s, _ := v.(string)
		l.Statuses[Domain(strings.TrimSuffix(k, statusSuffix))] = ParseStatus(s)
	}

	var items []any
	switch m := raw["message"].(type) {
	case []any:
		items = m
	case map[string]any:
		items = []any{m}
	case string:
		if m != "" {
			items = []any{m}
		}
	}
	for _, item := range items {
		switch it := item.(type) {
		case map[string]any:
			keys := make([]string, 0, len(it))
			for k := range it {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				l.Messages = append(l.Messages, Message{Domain: k, Text: fmt.Sprint(it[k])})
			}
		default:
			l.Messages = append(l.Messages, Message{Domain: "INFO", Text: fmt.Sprint(it)})
		}
	}
	return l, nil
}
