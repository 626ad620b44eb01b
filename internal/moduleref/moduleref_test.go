package moduleref

import "testing"

type sampleJob struct{}

func TestForType(t *testing.T) {
	ref := ForType(&sampleJob{})
	if ref.Name != "github.com/slchris/flowgraph/internal/moduleref" {
		t.Errorf("Name = %q, want this package's path", ref.Name)
	}
	if ref.EntryPoint {
		t.Error("sampleJob should not be tagged as the entry point")
	}
}

func TestForTypeValue(t *testing.T) {
	ref := ForType(sampleJob{})
	if ref.EntryPoint {
		t.Error("sampleJob value should not be tagged as the entry point")
	}
}

func sampleFunc() {}

func TestForFunc(t *testing.T) {
	ref := ForFunc(sampleFunc)
	if ref.Name != "github.com/slchris/flowgraph/internal/moduleref" {
		t.Errorf("Name = %q, want this package's path", ref.Name)
	}
	if ref.EntryPoint {
		t.Error("sampleFunc should not be tagged as the entry point")
	}
}

func TestGlobalizeClearsLocalPath(t *testing.T) {
	ref := ModuleRef{Name: "example.com/pkg", LocalPath: "/tmp/pkg", EntryPoint: false}
	g := ref.Globalize()
	if g.LocalPath != "" {
		t.Errorf("Globalize() should clear LocalPath, got %q", g.LocalPath)
	}
	if g.Name != ref.Name {
		t.Errorf("Globalize() changed Name: got %q, want %q", g.Name, ref.Name)
	}
}

func TestLocalizeEntryPoint(t *testing.T) {
	ref := ModuleRef{Name: "main", EntryPoint: true}
	local, err := ref.Localize("")
	if err != nil {
		t.Fatalf("Localize() error = %v", err)
	}
	if local.LocalPath == "" {
		t.Error("expected a non-empty LocalPath for the entry-point module")
	}
	if !local.EntryPoint {
		t.Error("expected EntryPoint to remain true")
	}
}

func TestLocalizeLibraryRequiresStageDir(t *testing.T) {
	ref := ModuleRef{Name: "example.com/pkg", EntryPoint: false}
	if _, err := ref.Localize(""); err == nil {
		t.Error("expected an error localizing a library module with no stage directory")
	}

	local, err := ref.Localize("/stage")
	if err != nil {
		t.Fatalf("Localize() error = %v", err)
	}
	if local.LocalPath != "/stage/example.com/pkg" {
		t.Errorf("LocalPath = %q, want /stage/example.com/pkg", local.LocalPath)
	}
}

func TestTokensRoundTrip(t *testing.T) {
	ref := ModuleRef{Name: "example.com/pkg", LocalPath: "/stage/example.com/pkg", EntryPoint: true}
	tokens := ref.Tokens()
	if len(tokens) != 3 {
		t.Fatalf("Tokens() returned %d tokens, want 3", len(tokens))
	}

	back, err := FromTokens(tokens)
	if err != nil {
		t.Fatalf("FromTokens() error = %v", err)
	}
	if back != ref {
		t.Errorf("round trip mismatch: got %+v, want %+v", back, ref)
	}
}

func TestFromTokensInvalid(t *testing.T) {
	if _, err := FromTokens([]string{"a", "b"}); err == nil {
		t.Error("expected an error for wrong token count")
	}
	if _, err := FromTokens([]string{"a", "b", "notabool"}); err == nil {
		t.Error("expected an error for an unparseable entry-point flag")
	}
}
