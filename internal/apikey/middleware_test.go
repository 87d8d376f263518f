package apikey

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func serve(keys Keys, header string) (*httptest.ResponseRecorder, bool) {
	var operator bool
	h := RequireOperator(keys, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator = IsOperator(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/recovery/run", nil)
	if header != "" {
		req.Header.Set(Header, header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, operator
}

func TestNoKeysConfiguredPassesThrough(t *testing.T) {
	rec, operator := serve(NewKeys(nil), "")
	if rec.Code != http.StatusOK || operator {
		t.Fatalf("code=%d operator=%v", rec.Code, operator)
	}
	if NewKeys([]string{" ", ""}).Enabled() {
		t.Fatal("blank keys must not enable the check")
	}
}

func TestRequireOperator(t *testing.T) {
	keys := NewKeys([]string{"ops-primary", "ops-rotated"})
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "ops-primar", http.StatusUnauthorized},
		{"primary", "ops-primary", http.StatusOK},
		{"rotated with spaces", "  ops-rotated ", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, operator := serve(keys, tt.header)
			if rec.Code != tt.want {
				t.Fatalf("code = %d, want %d", rec.Code, tt.want)
			}
			if operator != (tt.want == http.StatusOK) {
				t.Fatalf("operator flag = %v", operator)
			}
		})
	}
}
