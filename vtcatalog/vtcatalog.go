// Package vtcatalog implements the VTCatalog: an in-memory index of
// vulnerability-test (VT) metadata, lazily populated from the shared
// key-value store and refreshed from the engine's on-disk VT feed.
// Modeled on the teacher's vulndb package: a checker that compares a cached
// version marker to what's on disk (vulndb.FeedChecker), and an updater
// that performs the actual repopulation (vulndb.DatabaseUpdater) —
// repointed here at VT records instead of Grype DB archives.
package vtcatalog

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"iter"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/bvboe/ospd-go/feedfile"
	"github.com/bvboe/ospd-go/kvstore"
	"github.com/bvboe/ospd-go/scanerr"
)

// ModTimeLayout is the 14-character UTC form every modification_time
// comparison is normalised to, per spec.md §4.4.
const ModTimeLayout = "20060102150405"

// FormatModTime renders t in the canonical comparison form. Idempotent:
// FormatModTime(t) == FormatModTime(parseBack(FormatModTime(t))) for any t
// with second-level precision, because the format discards sub-second
// precision on every call, including the first.
func FormatModTime(t time.Time) string {
	return t.UTC().Format(ModTimeLayout)
}

// ParseModTime parses the canonical comparison form back into a time.Time.
func ParseModTime(s string) (time.Time, error) {
	return time.Parse(ModTimeLayout, s)
}

// VTParam is one configurable parameter a VT accepts.
type VTParam struct {
	ID      string
	Name    string
	Type    string
	Default string
}

// VT is one vulnerability-test record.
type VT struct {
	OID              string
	Family           string
	Name             string
	QoD              int
	QoDType          string
	SeverityType     string // "cvss_base_v2" | "cvss_base_v3" | ""
	SeverityVector   string
	ModificationTime time.Time
	Refs             []feedfile.Reference
	Custom           map[string]string
	Params           []VTParam
}

// FilterTerm is one (field, op, value) triple in a Selection.
type FilterTerm struct {
	Field string
	Op    string // "=", "~", "<", ">"
	Value string
}

// Selection is an ordered list of filter terms applied left to right.
type Selection struct {
	Terms []FilterTerm
}

// Catalog is the in-memory VT index.
type Catalog struct {
	mu          sync.RWMutex
	vts         map[string]VT
	feedVersion string
	haveFeed    bool
	hash        []byte
	kv          kvstore.Driver
	feedDir     string
}

// New creates an empty Catalog. Call Refresh (under a held FeedLock)
// before serving any requests, or the catalog simply behaves as empty.
func New(kv kvstore.Driver, feedDir string) *Catalog {
	return &Catalog{
		vts:     make(map[string]VT),
		kv:      kv,
		feedDir: feedDir,
	}
}

// FeedDir returns the directory Refresh reads plugin_feed_info.inc and VT
// source files from.
func (c *Catalog) FeedDir() string {
	return c.feedDir
}

// FeedVersion returns the currently loaded feed version, if any.
func (c *Catalog) FeedVersion() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.feedVersion, c.haveFeed
}

// CollectionHash returns a stable digest over the current VT set, an
// ETag-like tag exposed to clients. It changes whenever Refresh loads a
// different set of (oid, modification_time) pairs.
func (c *Catalog) CollectionHash() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hash
}

// GetVT looks up a single VT by oid. When details is false the Params and
// Custom fields are omitted from the result, matching the teacher-modeled
// "detail level" toggle used throughout the metadata accessors.
func (c *Catalog) GetVT(oid string, details bool) (VT, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vt, ok := c.vts[oid]
	if !ok {
		return VT{}, false
	}
	if !details {
		vt.Params = nil
		vt.Custom = nil
	}
	return vt, true
}

// GetOIDs yields every (family, oid) pair in catalog order.
func (c *Catalog) GetOIDs() iter.Seq2[string, string] {
	c.mu.RLock()
	oids := make([]string, 0, len(c.vts))
	for oid := range c.vts {
		oids = append(oids, oid)
	}
	sort.Strings(oids)
	snapshot := make(map[string]string, len(oids))
	for _, oid := range oids {
		snapshot[oid] = c.vts[oid].Family
	}
	c.mu.RUnlock()

	return func(yield func(string, string) bool) {
		for _, oid := range oids {
			if !yield(snapshot[oid], oid) {
				return
			}
		}
	}
}

// GetIter yields (oid, VT) pairs matching sel, in catalog insertion order
// (approximated here by sorted oid order, since the in-memory map has no
// stable insertion order of its own). A nil Selection matches everything.
func (c *Catalog) GetIter(sel *Selection, details bool) iter.Seq2[string, VT] {
	c.mu.RLock()
	oids := c.evaluateSelection(sel)
	snapshot := make(map[string]VT, len(oids))
	for _, oid := range oids {
		vt := c.vts[oid]
		if !details {
			vt.Params = nil
			vt.Custom = nil
		}
		snapshot[oid] = vt
	}
	c.mu.RUnlock()

	return func(yield func(string, VT) bool) {
		for _, oid := range oids {
			if !yield(oid, snapshot[oid]) {
				return
			}
		}
	}
}

// evaluateSelection applies sel's terms left to right over the oid set,
// rebuilding a fresh set per term rather than mutating a shared slice.
// This resolves spec.md §9's Open Question about the source's O(n^2)
// mutate-while-iterate pattern.
func (c *Catalog) evaluateSelection(sel *Selection) []string {
	current := make(map[string]struct{}, len(c.vts))
	for oid := range c.vts {
		current[oid] = struct{}{}
	}

	if sel != nil {
		for _, term := range sel.Terms {
			next := make(map[string]struct{}, len(current))
			for oid := range current {
				if matchTerm(c.vts[oid], term) {
					next[oid] = struct{}{}
				}
			}
			current = next
		}
	}

	oids := make([]string, 0, len(current))
	for oid := range current {
		oids = append(oids, oid)
	}
	sort.Strings(oids)
	return oids
}

func matchTerm(vt VT, term FilterTerm) bool {
	var lhs string
	switch term.Field {
	case "family":
		lhs = vt.Family
	case "name":
		lhs = vt.Name
	case "modification_time":
		lhs = FormatModTime(vt.ModificationTime)
		rhs := normaliseModTimeValue(term.Value)
		return compareOp(term.Op, lhs, rhs)
	default:
		return false
	}
	return compareOp(term.Op, lhs, term.Value)
}

// normaliseModTimeValue normalises the filter's right-hand side to the same
// 14-char form as the left-hand side before comparing, per spec.md §4.4.
func normaliseModTimeValue(v string) string {
	if t, err := ParseModTime(v); err == nil {
		return FormatModTime(t)
	}
	return v
}

func compareOp(op, lhs, rhs string) bool {
	switch op {
	case "=":
		return lhs == rhs
	case "~":
		return len(rhs) > 0 && containsFold(lhs, rhs)
	case "<":
		return lhs < rhs
	case ">":
		return lhs > rhs
	default:
		return false
	}
}

func containsFold(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// Refresh repopulates the catalog from the engine's on-disk VT feed. The
// caller MUST hold FeedLock for the duration of this call — Refresh itself
// takes no lock, matching spec.md §4.4's "to be called only under FeedLock"
// contract (the exclusion is the scheduler's responsibility, not this
// method's).
func (c *Catalog) Refresh(ctx context.Context) error {
	version, ok, err := feedfile.ParsePluginSet(c.feedDir + "/plugin_feed_info.inc")
	if err != nil {
		return fmt.Errorf("refresh vt catalog: %w: %v", scanerr.ErrFeedUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("refresh vt catalog: no PLUGIN_SET found: %w", scanerr.ErrFeedUnavailable)
	}

	vts, err := c.loadVTsFromKV(ctx)
	if err != nil {
		return fmt.Errorf("refresh vt catalog: %w", err)
	}

	hash := computeHash(vts)

	c.mu.Lock()
	c.vts = vts
	c.feedVersion = fmt.Sprintf("%d", version)
	c.haveFeed = true
	c.hash = hash
	c.mu.Unlock()
	return nil
}

// loadVTsFromKV re-reads every VT record from database 0's well-known VT
// key prefix. A production engine publishes full VT metadata into the
// shared store as part of feed sync; this walks that keyspace via
// kvstore.Driver.ScanKeys rather than re-parsing the feed's own on-disk
// plugin files, matching spec.md §4.4's "in-memory/KV-backed" description.
func (c *Catalog) loadVTsFromKV(ctx context.Context) (map[string]VT, error) {
	handle, err := c.kv.Select(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scanerr.ErrKVUnavailable, err)
	}

	it, err := handle.ScanKeys(ctx, vtKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scanerr.ErrKVUnavailable, err)
	}

	vts := make(map[string]VT)
	for {
		key, ok, err := it.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", scanerr.ErrKVUnavailable, err)
		}
		if !ok {
			break
		}
		oid := key[len(vtKeyPrefix):]
		raw, present, err := handle.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", scanerr.ErrKVUnavailable, err)
		}
		if !present {
			continue
		}
		vt, err := decodeVT(oid, raw)
		if err != nil {
			// A malformed individual VT record is logged and dropped
			// without failing the whole refresh.
			log.Printf("[vtcatalog] Warning: dropping malformed VT record: %v", err)
			continue
		}
		vts[oid] = vt
	}
	return vts, nil
}

const vtKeyPrefix = "internal/vt/"

// VTKey returns the well-known key a VT record with the given oid is
// stored under, exposed so tests (and any future feed-sync writer) agree
// with Refresh on the keyspace layout.
func VTKey(oid string) string {
	return vtKeyPrefix + oid
}

// wireVT is the JSON shape VT records are stored as under vtKeyPrefix. The
// engine's feed-sync step is responsible for writing these; Refresh only
// reads them back.
type wireVT struct {
	Family           string            `json:"family"`
	Name             string            `json:"name"`
	QoD              int               `json:"qod"`
	QoDType          string            `json:"qod_type"`
	SeverityType     string            `json:"severity_type"`
	SeverityVector   string            `json:"severity_vector"`
	ModificationTime int64               `json:"modification_time"` // epoch seconds
	Refs             []feedfile.Reference `json:"refs"`
	Custom           map[string]string    `json:"custom"`
	Params           []VTParam         `json:"params"`
}

func decodeVT(oid, raw string) (VT, error) {
	var w wireVT
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return VT{}, fmt.Errorf("decode vt %q: %w", oid, err)
	}
	return VT{
		OID:              oid,
		Family:           w.Family,
		Name:             w.Name,
		QoD:              w.QoD,
		QoDType:          w.QoDType,
		SeverityType:     w.SeverityType,
		SeverityVector:   w.SeverityVector,
		ModificationTime: time.Unix(w.ModificationTime, 0).UTC(),
		Refs:             w.Refs,
		Custom:           w.Custom,
		Params:           w.Params,
	}, nil
}

// EncodeVT serialises a VT back into the wire form Refresh expects to read,
// used by tests (and by any future feed-sync writer) to seed a fake KV.
func EncodeVT(vt VT) (string, error) {
	w := wireVT{
		Family:           vt.Family,
		Name:             vt.Name,
		QoD:              vt.QoD,
		QoDType:          vt.QoDType,
		SeverityType:     vt.SeverityType,
		SeverityVector:   vt.SeverityVector,
		ModificationTime: vt.ModificationTime.Unix(),
		Refs:             vt.Refs,
		Custom:           vt.Custom,
		Params:           vt.Params,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func computeHash(vts map[string]VT) []byte {
	oids := make([]string, 0, len(vts))
	for oid := range vts {
		oids = append(oids, oid)
	}
	sort.Strings(oids)

	h := sha256.New()
	for _, oid := range oids {
		fmt.Fprintf(h, "%s|%s\n", oid, FormatModTime(vts[oid].ModificationTime))
	}
	return h.Sum(nil)
}
