package stickercache

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is the layout of the catalog's updatedAt field,
// e.g. "2020-01-01T00:00:00.000+0000".
const TimestampLayout = "2006-01-02T15:04:05.000Z0700"

// Catalog is a decoded catalog payload.
type Catalog struct {
	// UpdatedAt is the freshness timestamp. The zero value means the field was
	// absent or could not be parsed.
	UpdatedAt time.Time
	Groups    []AssetGroup
}

// Assets returns every asset in the catalog, flattened in group order.
func (c *Catalog) Assets() []Asset {
	if c == nil {
		return nil
	}
	return Flatten(c.Groups)
}

// ParseTimestamp parses an updatedAt value. RFC 3339 is accepted when the
// value does not match TimestampLayout.
func ParseTimestamp(s string) (time.Time, bool) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// FormatTimestamp formats t using TimestampLayout in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseCatalog decodes a catalog payload. It fails with ErrDecode only when
// the payload is not a JSON object; malformed groups and stickers inside an
// object are dropped, and a missing or unparsable updatedAt leaves
// Catalog.UpdatedAt zero.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if root == nil {
		return nil, fmt.Errorf("%w: catalog is null", ErrDecode)
	}

	c := &Catalog{Groups: decodeGroups(root)}
	if s, ok := stringField(root, fieldUpdatedAt); ok {
		if t, ok := ParseTimestamp(s); ok {
			c.UpdatedAt = t
		}
	}
	return c, nil
}

// DecodeCatalog returns the groups of a catalog payload. It never fails: an
// undecodable payload or an absent or malformed groups field yields an empty
// slice.
func DecodeCatalog(raw []byte) []AssetGroup {
	c, err := ParseCatalog(raw)
	if err != nil {
		return []AssetGroup{}
	}
	return c.Groups
}

func decodeGroups(root map[string]json.RawMessage) []AssetGroup {
	entries, ok := arrayField(root, fieldGroups)
	if !ok {
		return []AssetGroup{}
	}
	groups := make([]AssetGroup, 0, len(entries))
	for _, entry := range entries {
		if g, ok := DecodeGroup(entry); ok {
			groups = append(groups, g)
		}
	}
	return groups
}

// wireCatalog mirrors the catalog API payload for encoding.
type wireCatalog struct {
	UpdatedAt string      `json:"updatedAt,omitempty"`
	Groups    []wireGroup `json:"groups"`
}

type wireGroup struct {
	GroupName string        `json:"groupName"`
	Stickers  []wireSticker `json:"stickers"`
}

type wireSticker struct {
	ID            string  `json:"id"`
	URL           string  `json:"url"`
	SortOrder     int     `json:"sortOrder"`
	DescriptionEn *string `json:"description_en,omitempty"`
}

// EncodeCatalog encodes c in the catalog API wire format. Decoding the result
// with ParseCatalog yields equal groups and assets.
func EncodeCatalog(c *Catalog) ([]byte, error) {
	w := wireCatalog{Groups: make([]wireGroup, 0, len(c.Groups))}
	if !c.UpdatedAt.IsZero() {
		w.UpdatedAt = FormatTimestamp(c.UpdatedAt)
	}
	for _, g := range c.Groups {
		wg := wireGroup{GroupName: g.Name, Stickers: make([]wireSticker, 0, len(g.Assets))}
		for _, a := range g.Assets {
			wg.Stickers = append(wg.Stickers, wireSticker{
				ID:            a.ID,
				URL:           a.SourceURL,
				SortOrder:     a.SortOrder,
				DescriptionEn: a.Description,
			})
		}
		w.Groups = append(w.Groups, wg)
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding catalog: %w", err)
	}
	return data, nil
}
