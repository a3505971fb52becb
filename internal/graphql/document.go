package graphql

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

type OperationKind string

const (
	OperationQuery        OperationKind = "query"
	OperationMutation     OperationKind = "mutation"
	OperationSubscription OperationKind = "subscription"
)

type Operation struct {
	Name string
	Kind OperationKind
}

// ParseDocument checks that src is a syntactically valid document holding a
// single operation.
func ParseDocument(src string) (Operation, error) {
	doc, gqlErr := parser.ParseQuery(&ast.Source{Name: "document", Input: src})
	if gqlErr != nil {
		return Operation{}, fmt.Errorf("parse document: %w", gqlErr)
	}
	if len(doc.Operations) != 1 {
		return Operation{}, fmt.Errorf("expected one operation, found %d", len(doc.Operations))
	}
	op := doc.Operations[0]
	return Operation{Name: op.Name, Kind: OperationKind(op.Operation)}, nil
}

// MustParse is ParseDocument for package-level documents.
func MustParse(src string, kind OperationKind) string {
	op, err := ParseDocument(src)
	if err != nil {
		panic(err)
	}
	if op.Kind != kind {
		panic(fmt.Sprintf("graphql: %s is a %s, want %s", op.Name, op.Kind, kind))
	}
	return src
}
