package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"": "/",
		"/metrics":      "/metrics",
		"/v1/documents": "/v1/documents",
		"/v1/documents?lookfor=handler:john": "/v1/documents",
		"/v1/documents/batch-list":           "/v1/documents/batch-list",
		"/v1/documents/53bb551f":             "/v1/documents/:id",
		"/v1/documents/53bb551f/status":      "/v1/documents/:id/status",
		"/v1/documents/53bb551f/attachments": "/v1/documents/:id/attachments",
		"/v1/documents/53bb551f/attachments/12": "/v1/documents/:id/attachments/:id",
		"/v1/userdocuments/53bb551f":            "/v1/userdocuments/:id",
		"/v1/gdpr/53bb551f":                     "/v1/gdpr/:id",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
