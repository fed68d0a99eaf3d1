// Package vtformat holds the twelve VT metadata formatters the OSP
// dispatcher calls to render XML-fragment strings for a client. Modeled on
// spec.md §9's re-architecture note: these are pure, injected-free
// functions, not methods on a stateful type — matching the project-wide
// preference for small free functions elsewhere in the pack (e.g.
// scanner-core/grype/grype.go's free-function ScanVulnerabilities*).
//
// Every formatter takes a vtcatalog.VT and returns a pre-escaped XML
// fragment string; encoding/xml's Marshal is deliberately not used here
// since callers splice these fragments into a larger hand-built document,
// the same reasoning original_source/ospd/xml.py encodes (metadata
// fragments are string-built, not tree-built). On any formatting error
// each logs a warning and returns a minimal well-formed fragment rather
// than propagating, per spec.md §6.
package vtformat

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/bvboe/ospd-go/cvss"
	"github.com/bvboe/ospd-go/vtcatalog"
)

// FormatCustom renders the VT's opaque custom fields as a flat <custom>
// element, one child per key in sorted order for determinism.
func FormatCustom(vt vtcatalog.VT) string {
	if len(vt.Custom) == 0 {
		return "<custom/>"
	}
	keys := sortedKeys(vt.Custom)
	var b strings.Builder
	b.WriteString("<custom>")
	for _, k := range keys {
		fmt.Fprintf(&b, "<%s>%s</%s>", escapeTag(k), escapeText(vt.Custom[k]), escapeTag(k))
	}
	b.WriteString("</custom>")
	return b.String()
}

// FormatSeverities renders the VT's severity type and vector, computing a
// CVSS base score when possible so clients don't need their own CVSS
// implementation just to render an alarm list.
func FormatSeverities(vt vtcatalog.VT) string {
	if vt.SeverityType == "" || vt.SeverityVector == "" {
		return "<severities/>"
	}

	score, err := scoreFor(vt)
	if err != nil {
		log.Printf("[vtformat] Warning: failed to compute severity for %s: %v", vt.OID, err)
		return fmt.Sprintf(`<severities><severity type="%s"><value>%s</value></severity></severities>`,
			escapeAttr(vt.SeverityType), escapeText(vt.SeverityVector))
	}

	return fmt.Sprintf(`<severities><severity type="%s" score="%s"><value>%s</value></severity></severities>`,
		escapeAttr(vt.SeverityType), strconv.FormatFloat(score, 'f', 1, 64), escapeText(vt.SeverityVector))
}

// scoreFor dispatches to the matching CVSS computation per VT.SeverityType,
// a supplemented feature beyond spec.md's v2-only worked example: original
// ospd_openvas computes both v2 and v3 base scores depending on which
// severity type a VT publishes.
func scoreFor(vt vtcatalog.VT) (float64, error) {
	switch vt.SeverityType {
	case "cvss_base_v2":
		return cvss.BaseScoreV2(vt.SeverityVector)
	case "cvss_base_v3":
		return cvss.BaseScoreV3(vt.SeverityVector)
	default:
		return 0, fmt.Errorf("unknown severity type %q", vt.SeverityType)
	}
}

// FormatParams renders the VT's configurable parameters as <param>
// elements in declaration order.
func FormatParams(vt vtcatalog.VT) string {
	if len(vt.Params) == 0 {
		return "<params/>"
	}
	var b strings.Builder
	b.WriteString("<params>")
	for _, p := range vt.Params {
		fmt.Fprintf(&b, `<param type="%s" id="%s"><name>%s</name><default>%s</default></param>`,
			escapeAttr(p.Type), escapeAttr(p.ID), escapeText(p.Name), escapeText(p.Default))
	}
	b.WriteString("</params>")
	return b.String()
}

// FormatRefs renders the VT's cross-references as <ref> elements.
func FormatRefs(vt vtcatalog.VT) string {
	if len(vt.Refs) == 0 {
		return "<refs/>"
	}
	var b strings.Builder
	b.WriteString("<refs>")
	for _, r := range vt.Refs {
		fmt.Fprintf(&b, `<ref type="%s" id="%s"/>`, escapeAttr(r.Type), escapeAttr(r.ID))
	}
	b.WriteString("</refs>")
	return b.String()
}

// FormatCreationTime renders the VT's creation_date custom field, if set.
func FormatCreationTime(vt vtcatalog.VT) string {
	return formatCustomTimeField(vt, "creation_date", "creation_time")
}

// FormatModificationTime renders the VT's modification time in the same
// 14-character UTC form used for filtering (vtcatalog.FormatModTime).
func FormatModificationTime(vt vtcatalog.VT) string {
	return fmt.Sprintf("<modification_time>%s</modification_time>", vtcatalog.FormatModTime(vt.ModificationTime))
}

func formatCustomTimeField(vt vtcatalog.VT, customKey, tag string) string {
	v, ok := vt.Custom[customKey]
	if !ok {
		return fmt.Sprintf("<%s/>", tag)
	}
	return fmt.Sprintf("<%s>%s</%s>", tag, escapeText(v), tag)
}

// FormatSummary renders the VT's "summary" custom field.
func FormatSummary(vt vtcatalog.VT) string { return formatCustomTextField(vt, "summary", "summary") }

// FormatImpact renders the VT's "impact" custom field.
func FormatImpact(vt vtcatalog.VT) string { return formatCustomTextField(vt, "impact", "impact") }

// FormatAffected renders the VT's "affected" custom field.
func FormatAffected(vt vtcatalog.VT) string { return formatCustomTextField(vt, "affected", "affected") }

// FormatInsight renders the VT's "insight" custom field.
func FormatInsight(vt vtcatalog.VT) string { return formatCustomTextField(vt, "insight", "insight") }

// FormatSolution renders the VT's "solution" custom field.
func FormatSolution(vt vtcatalog.VT) string { return formatCustomTextField(vt, "solution", "solution") }

// FormatDetection renders the VT's "detection" custom field.
func FormatDetection(vt vtcatalog.VT) string { return formatCustomTextField(vt, "detection", "detection") }

func formatCustomTextField(vt vtcatalog.VT, customKey, tag string) string {
	v, ok := vt.Custom[customKey]
	if !ok {
		return fmt.Sprintf("<%s/>", tag)
	}
	return fmt.Sprintf("<%s>%s</%s>", tag, escapeText(v), tag)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escapeText(s string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return replacer.Replace(s)
}

func escapeAttr(s string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return replacer.Replace(s)
}

func escapeTag(s string) string {
	// Custom keys become element names; strip anything that isn't a valid
	// XML name character rather than risk emitting malformed markup.
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "field"
	}
	return b.String()
}
