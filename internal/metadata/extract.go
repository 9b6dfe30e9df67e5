// Package metadata is the narrow interface to the out-of-scope URL
// metadata extraction collaborator. It pre-fills item fields from a
// product URL before the mutation enters the sync engine's write path;
// any failure simply leaves the fields blank.
package metadata

import "context"

// Meta is what extraction can recover from a product page.
type Meta struct {
	Title      string
	PriceCents int64
	ImageURL   string
}

// Extractor resolves a URL to item metadata.
type Extractor interface {
	Extract(ctx context.Context, url string) (Meta, error)
}

// Nop never extracts anything. It is the default wiring; a real scraper
// plugs in behind the same interface.
type Nop struct{}

// Extract returns empty metadata.
func (Nop) Extract(context.Context, string) (Meta, error) { return Meta{}, nil }

// Prefill fills only the empty fields of title/price from the extractor.
// Extraction errors leave the fields untouched and never block creation.
func Prefill(ctx context.Context, ex Extractor, url string, title *string, priceCents *int64) {
	if ex == nil || url == "" {
		return
	}
	m, err := ex.Extract(ctx, url)
	if err != nil {
		return
	}
	if title != nil && *title == "" && m.Title != "" {
		*title = m.Title
	}
	if priceCents != nil && *priceCents == 0 && m.PriceCents != 0 {
		*priceCents = m.PriceCents
	}
}
