// Package language wraps gqlparser for the small amount of GraphQL document
// inspection the adapter needs: naming and classifying operations so that
// descriptors can be built from raw query text.
package language

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// OperationInfo describes the operation selected from a document.
type OperationInfo struct {
	Name string
	Kind Operation
	// Deferred reports whether the selection uses @defer or @stream anywhere.
	Deferred bool
}

// Inspect parses source and selects the operation named name, or the only
// operation when name is empty.
func Inspect(source, name string) (OperationInfo, error) {
	doc, err := ParseQuery(source)
	if err != nil {
		return OperationInfo{}, err
	}
	op := doc.Operations.ForName(name)
	if op == nil && name == "" && len(doc.Operations) == 1 {
		op = doc.Operations[0]
	}
	if op == nil {
		if name == "" {
			return OperationInfo{}, fmt.Errorf("document has %d operations, name required", len(doc.Operations))
		}
		return OperationInfo{}, fmt.Errorf("operation %q not found", name)
	}
	info := OperationInfo{Name: op.Name, Kind: op.Operation}
	info.Deferred = usesIncremental(op.SelectionSet, doc.Fragments, map[string]bool{})
	return info, nil
}

func usesIncremental(set SelectionSet, frags FragmentDefinitionList, seen map[string]bool) bool {
	for _, sel := range set {
		switch s := sel.(type) {
		case *Field:
			if hasIncrementalDirective(s.Directives) || usesIncremental(s.SelectionSet, frags, seen) {
				return true
			}
		case *InlineFragment:
			if hasIncrementalDirective(s.Directives) || usesIncremental(s.SelectionSet, frags, seen) {
				return true
			}
		case *FragmentSpread:
			if hasIncrementalDirective(s.Directives) {
				return true
			}
			if seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			if def := frags.ForName(s.Name); def != nil && usesIncremental(def.SelectionSet, frags, seen) {
				return true
			}
		}
	}
	return false
}

func hasIncrementalDirective(list DirectiveList) bool {
	return list.ForName("defer") != nil || list.ForName("stream") != nil
}
