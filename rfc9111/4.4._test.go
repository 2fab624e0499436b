package rfc9111

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInvalidateTargetAndLocations(t *testing.T) {
	req := httptest.NewRequest("POST", "http://example.com/orders", nil)
	res := &http.Response{
		StatusCode: http.StatusCreated,
		Header: http.Header{
			"Location":         {"/orders/1"},
			"Content-Location": {"http://evil.example.org/orders/1"},
		},
	}
	uris := GetInvalidateURIs(req, res)
	if len(uris) != 2 {
		t.Fatalf("URIs: %v", uris)
	}
	if uris[0] != "http://example.com/orders" || uris[1] != "http://example.com/orders/1" {
		t.Fatalf("URIs: %v", uris)
	}
}

func TestNoInvalidationForSafeOrFailed(t *testing.T) {
	get := httptest.NewRequest("GET", "http://example.com/orders", nil)
	if uris := GetInvalidateURIs(get, &http.Response{StatusCode: 200}); len(uris) != 0 {
		t.Fatalf("URIs: %v", uris)
	}
	post := httptest.NewRequest("POST", "http://example.com/orders", nil)
	if uris := GetInvalidateURIs(post, &http.Response{StatusCode: 500}); len(uris) != 0 {
		t.Fatalf("URIs: %v", uris)
	}
}
