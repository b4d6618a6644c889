package templates

import "testing"

func TestRendererRender(t *testing.T) {
	r := Renderer{}
	out, err := r.Render("greeting",
		"Hi, this is {{.Business}}. Sorry we missed your call! How can we help?",
		map[string]string{"Business": "Peak Plumbing"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "Hi, this is Peak Plumbing. Sorry we missed your call! How can we help?" {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := r.Render("bad", "Hi {{.Missing}}", map[string]string{"Business": "x"}); err == nil {
		t.Fatalf("expected error for missing key")
	}
	if _, err := r.Render("empty", "", nil); err == nil {
		t.Fatalf("expected error for empty template")
	}
}
