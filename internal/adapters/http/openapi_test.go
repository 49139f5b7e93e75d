package httpadapter

import (
	"net/http"
	"testing"
)

func TestLoadOpenAPIDocumentsEveryRoute(t *testing.T) {
	doc, err := LoadOpenAPI()
	if err != nil {
		t.Fatalf("LoadOpenAPI() error = %v", err)
	}

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/healthz"},
		{http.MethodGet, "/readyz"},
		{http.MethodPost, "/v1/sessions"},
		{http.MethodDelete, "/v1/sessions/{session_id}"},
		{http.MethodPost, "/v1/sessions/{session_id}/diagnosis"},
		{http.MethodGet, "/v1/sessions/{session_id}/diagnosis"},
		{http.MethodDelete, "/v1/sessions/{session_id}/diagnosis"},
		{http.MethodGet, "/v1/model"},
		{http.MethodPost, "/v1/model/load"},
		{http.MethodGet, "/v1/species"},
		{http.MethodGet, "/v1/species/export"},
	}
	for _, route := range routes {
		item := doc.Paths.Value(route.path)
		if item == nil {
			t.Fatalf("path %s is not documented", route.path)
		}
		if item.GetOperation(route.method) == nil {
			t.Fatalf("%s %s is not documented", route.method, route.path)
		}
	}
}
