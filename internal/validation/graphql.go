package validation

import (
	"encoding/json"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// GraphQLRequest is the standard GraphQL HTTP body.
type GraphQLRequest struct {
	Query         string          `json:"query"`
	Variables     json.RawMessage `json:"variables"`
	OperationName string          `json:"operationName"`
}

// GraphQLShape parses a GraphQL request body and returns the operation
// name plus the variables rooted under it, so field paths in schemas
// read "$.{operation}.{variable}".
func GraphQLShape(body []byte) (string, map[string]any, error) {
	var req GraphQLRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", nil, fmt.Errorf("validation: invalid graphql request: %w", err)
	}
	if req.Query == "" {
		return "", nil, fmt.Errorf("validation: missing query field")
	}
	doc, err := parser.ParseQuery(&ast.Source{Input: req.Query})
	if err != nil {
		return "", nil, fmt.Errorf("validation: invalid graphql query: %w", err)
	}

	var op *ast.OperationDefinition
	for _, o := range doc.Operations {
		if req.OperationName == "" || o.Name == req.OperationName {
			op = o
			break
		}
	}
	if op == nil && len(doc.Operations) > 0 {
		op = doc.Operations[0]
	}
	name := req.OperationName
	if name == "" && op != nil {
		name = op.Name
	}
	if name == "" {
		name = "query"
	}

	vars := map[string]any{}
	if len(req.Variables) > 0 {
		if err := json.Unmarshal(req.Variables, &vars); err != nil {
			return "", nil, fmt.Errorf("validation: invalid variables: %w", err)
		}
	}
	return name, map[string]any{name: any(vars)}, nil
}
