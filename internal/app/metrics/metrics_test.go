package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "/"},
		{"/", "/"},
		{"/feed", "/feed"},
		{"/posts/1234/reactions", "/posts/:id/reactions"},
		{"/accounts/me/balance", "/accounts/me/balance"},
		{"/posts/99999999999/comments", "/posts/:id/comments"},
	}
	for _, tc := range cases {
		if got := canonicalPath(tc.in); got != tc.want {
			t.Fatalf("canonicalPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestHandlerExposesDomainMetrics(t *testing.T) {
	RecordLedgerOp("debit", "spend_post", "ok")
	RecordReactionEvent("applied")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{"engagement_ledger_operations_total", "engagement_reactions_events_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}
