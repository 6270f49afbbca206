package staging

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/telhawk-systems/accountscope/common/window"
)

// Namespaces of the staging bucket.
const (
	PendingPrefix  = "data/"
	LoadedPrefix   = "loaded/"
	RejectedPrefix = "rejected/"
)

var ErrInvalidKey = errors.New("invalid staging key")

// Key identifies one staged document. Its string form is a pure function of
// the four fields, so restaging a window overwrites the previous object.
type Key struct {
	Account  string
	Region   string
	Date     time.Time
	Interval window.Interval
}

// KeyFor builds the key for a resolved window.
func KeyFor(account, region string, w window.Window) Key {
	return Key{Account: account, Region: region, Date: w.AsOf, Interval: w.Interval}
}

func (k Key) path() string {
	return fmt.Sprintf("%s/%s/%04d-%02d-%02d_%s.json",
		k.Account, k.Region, k.Date.Year(), int(k.Date.Month()), k.Date.Day(), k.Interval)
}

// String is the pending key: data/<account>/<region>/<YYYY>-<MM>-<DD>_<INTERVAL>.json
func (k Key) String() string { return PendingPrefix + k.path() }

// Promoted is the key under the loaded namespace.
func (k Key) Promoted() string { return LoadedPrefix + k.path() }

// Rejected is the key under the rejected namespace.
func (k Key) Rejected() string { return RejectedPrefix + k.path() }

// ParseKey parses a pending key.
func ParseKey(s string) (Key, error) {
	rest, ok := strings.CutPrefix(s, PendingPrefix)
	if !ok {
		return Key{}, fmt.Errorf("%w: %q lacks %s prefix", ErrInvalidKey, s, PendingPrefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	name, ok := strings.CutSuffix(parts[2], ".json")
	if !ok {
		return Key{}, fmt.Errorf("%w: %q is not a .json object", ErrInvalidKey, s)
	}
	datePart, intervalPart, ok := strings.Cut(name, "_")
	if !ok {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	date, err := time.Parse("2006-01-02", datePart)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q: %v", ErrInvalidKey, s, err)
	}
	interval, err := window.ParseInterval(intervalPart)
	if err != nil || string(interval) != intervalPart {
		return Key{}, fmt.Errorf("%w: %q: unknown interval %q", ErrInvalidKey, s, intervalPart)
	}
	return Key{Account: parts[0], Region: parts[1], Date: date, Interval: interval}, nil
}
