package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                            "/",
		"/metrics":                    "/metrics",
		"/v1/grants":                  "/v1/grants",
		"/v1/grants?tenant=contoso":   "/v1/grants",
		"/v1/grants/01HV3Z":           "/v1/grants/:id",
		"/v1/grants/01HV3Z/cancel":    "/v1/grants/:id/cancel",
		"/v1/grants/01HV3Z/expire":    "/v1/grants/:id/expire",
		"/v1/grants/01HV3Z/retry":     "/v1/grants/:id/retry",
		"/v1/grants/01HV3Z/unrelated": "/v1/grants/01HV3Z/unrelated",
		"/v1/events":                  "/v1/events",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
