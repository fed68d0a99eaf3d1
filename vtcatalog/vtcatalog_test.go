package vtcatalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bvboe/ospd-go/kvstore/kvstoretest"
)

func seedVT(t *testing.T, fake *kvstoretest.Fake, oid string, vt VT) {
	t.Helper()
	h, err := fake.Select(context.Background(), 0)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	raw, err := EncodeVT(vt)
	if err != nil {
		t.Fatalf("encode vt: %v", err)
	}
	if err := h.Set(context.Background(), VTKey(oid), raw); err != nil {
		t.Fatalf("seed vt: %v", err)
	}
}

func writeFeedInfo(t *testing.T, dir string, pluginSet int64) {
	t.Helper()
	content := "PLUGIN_SET = \"" + timeToStr(pluginSet) + "\";\n"
	if err := os.WriteFile(filepath.Join(dir, "plugin_feed_info.inc"), []byte(content), 0644); err != nil {
		t.Fatalf("write feed info: %v", err)
	}
}

func timeToStr(v int64) string {
	return time.Unix(v, 0).UTC().Format("20060102150405")
}

func TestRefresh_LoadsVTsAndPublishesHash(t *testing.T) {
	dir := t.TempDir()
	writeFeedInfo(t, dir, 202407201030)

	fake := kvstoretest.New(1)
	seedVT(t, fake, "1.3.6.1.4.1.25623.1.0.100001", VT{
		Family:           "General",
		Name:             "Test VT",
		QoD:              80,
		SeverityType:     "cvss_base_v2",
		SeverityVector:   "AV:N/AC:L/Au:N/C:P/I:P/A:P",
		ModificationTime: time.Date(2024, 7, 20, 10, 30, 0, 0, time.UTC),
	})

	c := New(fake, dir)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	vt, ok := c.GetVT("1.3.6.1.4.1.25623.1.0.100001", true)
	if !ok {
		t.Fatal("expected VT to be loaded")
	}
	if vt.Name != "Test VT" {
		t.Errorf("got name %q", vt.Name)
	}

	if len(c.CollectionHash()) == 0 {
		t.Error("expected non-empty collection hash after refresh")
	}

	version, ok := c.FeedVersion()
	if !ok || version == "" {
		t.Error("expected feed version to be set after refresh")
	}
}

func TestRefresh_MissingFeedFileIsUnavailable(t *testing.T) {
	dir := t.TempDir() // no plugin_feed_info.inc written
	fake := kvstoretest.New(1)
	c := New(fake, dir)

	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected error when feed info file is missing")
	}
}

func TestGetVT_DetailsFalseOmitsParamsAndCustom(t *testing.T) {
	dir := t.TempDir()
	writeFeedInfo(t, dir, 1)
	fake := kvstoretest.New(1)
	seedVT(t, fake, "oid-1", VT{
		Name:   "x",
		Custom: map[string]string{"k": "v"},
		Params: []VTParam{{ID: "1", Name: "p"}},
	})
	c := New(fake, dir)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	vt, ok := c.GetVT("oid-1", false)
	if !ok {
		t.Fatal("expected vt")
	}
	if vt.Custom != nil || vt.Params != nil {
		t.Errorf("expected Custom/Params omitted without details, got %+v", vt)
	}
}

func TestGetIter_FiltersByFamily(t *testing.T) {
	dir := t.TempDir()
	writeFeedInfo(t, dir, 1)
	fake := kvstoretest.New(1)
	seedVT(t, fake, "oid-1", VT{Family: "General"})
	seedVT(t, fake, "oid-2", VT{Family: "Web"})
	c := New(fake, dir)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	sel := &Selection{Terms: []FilterTerm{{Field: "family", Op: "=", Value: "Web"}}}
	var got []string
	for oid := range c.GetIter(sel, false) {
		got = append(got, oid)
	}
	if len(got) != 1 || got[0] != "oid-2" {
		t.Errorf("expected only oid-2, got %v", got)
	}
}

func TestFormatModTime_Idempotent(t *testing.T) {
	now := time.Date(2024, 3, 5, 14, 22, 1, 123456789, time.UTC)
	once := FormatModTime(now)
	parsedBack, err := ParseModTime(once)
	if err != nil {
		t.Fatalf("ParseModTime: %v", err)
	}
	twice := FormatModTime(parsedBack)
	if once != twice {
		t.Errorf("FormatModTime not idempotent: %q != %q", once, twice)
	}
}
