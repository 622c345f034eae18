package domain

// CatalogKind names one of the three reference collections. Badges, ranks
// and services share a shape but are disjoint collections with independent
// lifecycles.
type CatalogKind string

const (
	KindBadge   CatalogKind = "badges"
	KindRank    CatalogKind = "ranks"
	KindService CatalogKind = "services"
)

// CatalogItem is a free-form tag (badge, rank or service). Deleting one does
// not cascade into user records that reference its id.
//
// The `_id` casing matches what connected consoles already parse.
type CatalogItem struct {
	ID    string `json:"_id"`
	Label string `json:"label"`
	Color string `json:"color"`
}

// InfoNote is one entry of the append-only console info log. The current
// note is the most recently inserted one; notes are never edited in place.
type InfoNote struct {
	ID   string `json:"_id"`
	Text string `json:"text"`
}
