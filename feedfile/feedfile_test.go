package feedfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParsePluginSet_FirstMatchWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugin_feed_info.inc")
	content := "PLUGIN_SET = \"202407201030\";\nPLUGIN_FEED_INFO = \"x\";\nPLUGIN_SET = \"999999999999\";\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	version, ok, err := ParsePluginSet(path)
	if err != nil {
		t.Fatalf("ParsePluginSet: %v", err)
	}
	if !ok {
		t.Fatal("expected a match")
	}
	if version != 202407201030 {
		t.Errorf("got %d, want first match 202407201030", version)
	}
}

func TestParsePluginSet_MissingFileIsNotAnError(t *testing.T) {
	_, ok, err := ParsePluginSet(filepath.Join(t.TempDir(), "missing.inc"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing file")
	}
}

func TestParsePluginSet_NoMatchingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugin_feed_info.inc")
	if err := os.WriteFile(path, []byte("PLUGIN_FEED_INFO = \"x\";\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, ok, err := ParsePluginSet(path)
	if err != nil {
		t.Fatalf("ParsePluginSet: %v", err)
	}
	if ok {
		t.Error("expected ok=false when no PLUGIN_SET line present")
	}
}

func TestParseXref_SplitsAndSkipsMalformed(t *testing.T) {
	refs := ParseXref("cve:CVE-2024-1234, URL:https://example.com/a, malformed, bid:1234")
	want := []Reference{
		{Type: "cve", ID: "CVE-2024-1234"},
		{Type: "URL", ID: "https://example.com/a"},
		{Type: "bid", ID: "1234"},
	}
	if len(refs) != len(want) {
		t.Fatalf("got %d refs, want %d: %+v", len(refs), len(want), refs)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("ref[%d] = %+v, want %+v", i, refs[i], want[i])
		}
	}
}

func TestParseXref_EmptyInput(t *testing.T) {
	if refs := ParseXref(""); len(refs) != 0 {
		t.Errorf("expected no refs from empty input, got %+v", refs)
	}
}
