// Package staging is the write-once, promote-once handoff between collection
// and ingestion. Pending documents live under data/, processed ones under
// loaded/ and quarantined ones under rejected/.
package staging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/telhawk-systems/accountscope/common/document"
	"github.com/telhawk-systems/accountscope/common/logging"
)

// ObjectRef points at a staged object.
type ObjectRef struct {
	Key       Key
	WrittenAt time.Time
	Size      int
}

// Pipeline stages, reads and relocates composite documents.
type Pipeline struct {
	store  ObjectStore
	logger *slog.Logger
	now    func() time.Time
}

func NewPipeline(store ObjectStore, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:  store,
		logger: logger.With(logging.Component("staging")),
		now:    time.Now,
	}
}

// Stage serializes doc with canonical timestamps and writes it under key in
// a single Put. Nothing is written when serialization fails.
func (p *Pipeline) Stage(ctx context.Context, key Key, doc document.Composite) (ObjectRef, error) {
	body, err := Encode(doc)
	if err != nil {
		return ObjectRef{}, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := p.store.Put(ctx, key.String(), body); err != nil {
		return ObjectRef{}, fmt.Errorf("failed to stage %s: %w", key, err)
	}

	ref := ObjectRef{Key: key, WrittenAt: p.now().UTC(), Size: len(body)}
	p.logger.InfoContext(ctx, "document staged",
		logging.Key(key.String()),
		slog.Int("bytes", len(body)))
	return ref, nil
}

// Read fetches and decodes a pending document. Numbers decode as json.Number.
func (p *Pipeline) Read(ctx context.Context, key Key) (document.Composite, error) {
	body, err := p.store.Get(ctx, key.String())
	if err != nil {
		return nil, err
	}
	return Decode(body)
}

// Promote relocates a processed document to loaded/. The source is deleted
// only after the copy succeeded, so an interrupted promotion leaves the
// document pending and it will be processed again.
func (p *Pipeline) Promote(ctx context.Context, ref ObjectRef) error {
	return p.relocate(ctx, ref.Key, ref.Key.Promoted())
}

// Reject relocates a document that can never be ingested to rejected/.
func (p *Pipeline) Reject(ctx context.Context, ref ObjectRef) error {
	return p.relocate(ctx, ref.Key, ref.Key.Rejected())
}

func (p *Pipeline) relocate(ctx context.Context, key Key, dst string) error {
	src := key.String()
	if err := p.store.Copy(ctx, src, dst); err != nil {
		return fmt.Errorf("failed to relocate %s: %w", src, err)
	}
	if err := p.store.Delete(ctx, src); err != nil {
		return fmt.Errorf("copied %s to %s but failed to remove source: %w", src, dst, err)
	}
	p.logger.InfoContext(ctx, "document relocated", logging.Key(src), slog.String("destination", dst))
	return nil
}

// ListPending returns the parseable pending keys, oldest date first. An empty
// account lists every account. Unparseable objects are logged and skipped.
func (p *Pipeline) ListPending(ctx context.Context, account string) ([]Key, error) {
	prefix := PendingPrefix
	if account != "" {
		prefix += account + "/"
	}
	names, err := p.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	keys := make([]Key, 0, len(names))
	for _, name := range names {
		k, err := ParseKey(name)
		if err != nil {
			p.logger.WarnContext(ctx, "skipping unrecognised pending object", logging.Key(name), logging.Error(err))
			continue
		}
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		if !keys[i].Date.Equal(keys[j].Date) {
			return keys[i].Date.Before(keys[j].Date)
		}
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}

// Encode canonicalizes every time value in doc and marshals it.
func Encode(doc document.Composite) ([]byte, error) {
	canonical := make(map[string]any, len(doc))
	for k, v := range doc {
		canonical[k] = Canonicalize(v)
	}
	return json.Marshal(canonical)
}

// Decode parses a staged document, keeping numbers as json.Number so integer
// identifiers and decimal costs survive unchanged.
func Decode(body []byte) (document.Composite, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc document.Composite
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedDocument)
	}
	return doc, nil
}

// Canonicalize returns v with every time.Time replaced by its canonical text.
func Canonicalize(v any) any {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return nil
		}
		return document.FormatTime(t)
	case *time.Time:
		if t == nil || t.IsZero() {
			return nil
		}
		return document.FormatTime(*t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Canonicalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Canonicalize(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Canonicalize(e)
		}
		return out
	default:
		return v
	}
}
