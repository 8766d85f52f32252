// Package stickercache keeps a local mirror of a remote sticker catalog and of
// the image files it references.
//
// This package holds the entity model: assets, groups and catalogs decoded
// from the catalog JSON. Decoding is lenient: entries that are missing
// required fields are dropped individually and never fail their parent.
package stickercache

import (
	"bytes"
	"encoding/json"
	"net/url"
	"path"
)

// Wire field names used by the catalog API.
const (
	fieldID          = "id"
	fieldURL         = "url"
	fieldSortOrder   = "sortOrder"
	fieldDescription = "description_en"
	fieldGroupName   = "groupName"
	fieldStickers    = "stickers"
	fieldGroups      = "groups"
	fieldUpdatedAt   = "updatedAt"
)

// Asset is a single downloadable sticker.
//
// Two assets are the same asset when their IDs match; SourceURL, SortOrder
// and Description play no part in identity. Use Key when comparing or
// building sets.
type Asset struct {
	ID          string
	SourceURL   string
	SortOrder   int
	Description *string
}

// Key returns the identity of the asset.
func (a Asset) Key() string {
	return a.ID
}

// CacheFilename returns the name under which the asset's bytes are cached:
// the ID followed by the extension of the source URL path (query excluded).
func (a Asset) CacheFilename() string {
	u, err := url.Parse(a.SourceURL)
	if err != nil {
		return a.ID
	}
	return a.ID + path.Ext(u.Path)
}

// DescriptionOrEmpty returns the English description, or "" when absent.
func (a Asset) DescriptionOrEmpty() string {
	if a.Description == nil {
		return ""
	}
	return *a.Description
}

// AssetGroup is a named, ordered collection of assets.
type AssetGroup struct {
	Name   string
	Assets []Asset
}

// DecodeAsset decodes one sticker entry. It reports false when the entry is
// not an object or a required field (id, url, sortOrder) is missing or has the
// wrong type.
func DecodeAsset(raw json.RawMessage) (Asset, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return Asset{}, false
	}

	id, ok := stringField(obj, fieldID)
	if !ok || id == "" {
		return Asset{}, false
	}

	rawURL, ok := stringField(obj, fieldURL)
	if !ok {
		return Asset{}, false
	}
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return Asset{}, false
	}

	sortOrder, ok := intField(obj, fieldSortOrder)
	if !ok {
		return Asset{}, false
	}

	a := Asset{
		ID:        id,
		SourceURL: rawURL,
		SortOrder: sortOrder,
	}
	if desc, ok := stringField(obj, fieldDescription); ok {
		a.Description = &desc
	}
	return a, true
}

// DecodeGroup decodes one group entry. Sticker entries that fail to decode are
// omitted from the group. It reports false when groupName is not a string or
// stickers is not an array.
func DecodeGroup(raw json.RawMessage) (AssetGroup, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return AssetGroup{}, false
	}

	name, ok := stringField(obj, fieldGroupName)
	if !ok {
		return AssetGroup{}, false
	}

	entries, ok := arrayField(obj, fieldStickers)
	if !ok {
		return AssetGroup{}, false
	}

	g := AssetGroup{Name: name, Assets: make([]Asset, 0, len(entries))}
	for _, entry := range entries {
		if a, ok := DecodeAsset(entry); ok {
			g.Assets = append(g.Assets, a)
		}
	}
	return g, true
}

// Flatten concatenates the assets of groups, in group order then asset order.
func Flatten(groups []AssetGroup) []Asset {
	n := 0
	for _, g := range groups {
		n += len(g.Assets)
	}
	assets := make([]Asset, 0, n)
	for _, g := range groups {
		assets = append(assets, g.Assets...)
	}
	return assets
}

// AssetSet is a set of assets keyed by Asset.Key.
type AssetSet map[string]Asset

// NewAssetSet builds a set from assets. Later duplicates of a key are ignored.
func NewAssetSet(assets []Asset) AssetSet {
	s := make(AssetSet, len(assets))
	for _, a := range assets {
		if _, ok := s[a.Key()]; !ok {
			s[a.Key()] = a
		}
	}
	return s
}

// Has reports whether an asset with the same key is in the set.
func (s AssetSet) Has(a Asset) bool {
	_, ok := s[a.Key()]
	return ok
}

// Difference returns the assets of from whose keys are not in s, in the order
// they appear in from, without duplicates.
func (s AssetSet) Difference(from []Asset) []Asset {
	seen := make(map[string]struct{}, len(from))
	var out []Asset
	for _, a := range from {
		if s.Has(a) {
			continue
		}
		if _, dup := seen[a.Key()]; dup {
			continue
		}
		seen[a.Key()] = struct{}{}
		out = append(out, a)
	}
	return out
}

// stringField returns obj[key] when it is a JSON string.
func stringField(obj map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// intField returns obj[key] when it is an integral JSON number.
func intField(obj map[string]json.RawMessage, key string) (int, bool) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

// arrayField returns the elements of obj[key] when it is a JSON array.
func arrayField(obj map[string]json.RawMessage, key string) ([]json.RawMessage, bool) {
	raw, ok := obj[key]
	if !ok || isNull(raw) {
		return nil, false
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, false
	}
	return elems, true
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
