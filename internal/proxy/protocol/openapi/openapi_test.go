package openapi

import (
	"testing"

	"github.com/doorman-project/doorman/internal/model"
)

const sampleDoc = `{
  "openapi": "3.0.0",
  "paths": {
    "/items": {
      "get": {"summary": "list"},
      "post": {"summary": "create"},
      "parameters": [{"name": "page"}]
    },
    "/items/{id}": {
      "delete": {"summary": "remove"}
    }
  }
}`

func TestParse(t *testing.T) {
	ops, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("ops = %+v", ops)
	}
	found := map[string]bool{}
	for _, op := range ops {
		found[op.Method+" "+op.Path] = true
	}
	for _, want := range []string{"GET /items", "POST /items", "DELETE /items/{id}"} {
		if !found[want] {
			t.Errorf("missing %s in %+v", want, ops)
		}
	}
}

func TestParseRejectsBadDocuments(t *testing.T) {
	for name, doc := range map[string]string{
		"not json":    "not json",
		"no paths":    `{"openapi": "3.0.0"}`,
		"empty paths": `{"paths": {}}`,
	} {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestAutoImportSkipsExisting(t *testing.T) {
	ops := []Operation{
		{Method: "GET", Path: "/items"},
		{Method: "POST", Path: "/items"},
	}
	existing := []model.Endpoint{{Method: "GET", URI: "/items"}}
	eps := AutoImport(ops, "orders", "v1", existing)
	if len(eps) != 1 {
		t.Fatalf("eps = %+v", eps)
	}
	if eps[0].Method != "POST" || eps[0].URI != "/items" {
		t.Fatalf("ep = %+v", eps[0])
	}
	if eps[0].APIName != "orders" || eps[0].APIVersion != "v1" || eps[0].ID == "" {
		t.Fatalf("ep = %+v", eps[0])
	}
}
