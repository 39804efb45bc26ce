package template

import (
	"errors"
	"testing"
)

func TestRegistry_Version(t *testing.T) {
	r := NewRegistry(map[string]Versions{
		"programme-created": {Email: "v1.2.3"},
		"e-portfolio":       {InApp: "v1.0.0"},
	})

	v, err := r.Version(KindEmail, "programme-created")
	if err != nil || v != "v1.2.3" {
		t.Errorf("Version() = %q, %v", v, err)
	}

	if _, err := r.Version(KindInApp, "programme-created"); !errors.Is(err, ErrMissingVersion) {
		t.Errorf("expected ErrMissingVersion for unpinned kind, got %v", err)
	}
	if _, err := r.Version(KindEmail, "unknown-template"); !errors.Is(err, ErrMissingVersion) {
		t.Errorf("expected ErrMissingVersion for unknown name, got %v", err)
	}
}

func TestPath(t *testing.T) {
	if got := Path(KindEmail, "programme-created", "v1.2.3"); got != "email/programme-created/v1.2.3" {
		t.Errorf("Path() = %q", got)
	}
	if got := Path(KindInApp, "e-portfolio", "v1.0.0"); got != "in-app/e-portfolio/v1.0.0" {
		t.Errorf("Path() = %q", got)
	}
}

func TestSubstitute(t *testing.T) {
	vars := map[string]interface{}{
		"startDate": "2026-09-02",
		"count":     3,
	}
	got := Substitute("starts {{startDate}}, {{ count }} items, {{missing}} end", vars)
	want := "starts 2026-09-02, 3 items,  end"
	if got != want {
		t.Errorf("Substitute() = %q, want %q", got, want)
	}
}

func TestBuiltinRenderer(t *testing.T) {
	r := BuiltinRenderer{}

	out, err := r.Render(KindEmail, "programme-created", "v1.0.0", map[string]interface{}{"startDate": "2026-09-02"})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if out.Subject == "" || out.Body == "" {
		t.Errorf("empty render output: %+v", out)
	}

	if _, err := r.Render(KindEmail, "programme-created", "", nil); !errors.Is(err, ErrMissingVersion) {
		t.Errorf("expected ErrMissingVersion for empty version, got %v", err)
	}
	if _, err := r.Render(KindEmail, "no-such-template", "v1", nil); err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestSubject(t *testing.T) {
	if Subject("e-portfolio", nil) == "" {
		t.Error("expected builtin subject for e-portfolio")
	}
	if Subject("nope", nil) != "" {
		t.Error("expected empty subject for unknown template")
	}
}
