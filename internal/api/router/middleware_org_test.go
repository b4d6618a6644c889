package router

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequireOrgIDPropagatesTenant(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := orgIDFromRequest(r)
		if !ok || tenantID != "org-abc" {
			t.Fatalf("expected tenant id propagated, got %s / %v", tenantID, ok)
		}
		w.WriteHeader(http.StatusTeapot)
	})

	handler := requireOrgID(next)
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(orgHeader, "org-abc")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected downstream status, got %d", rr.Code)
	}
}

func TestRequireOrgIDRejectsMissingHeader(t *testing.T) {
	handler := requireOrgID(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run without a tenant header")
	}))

	for name, value := range map[string]string{
		"absent":     "",
		"whitespace": "   ",
	} {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		if value != "" {
			req.Header.Set(orgHeader, value)
		}
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s header: expected 400, got %d", name, rr.Code)
		}
	}
}
