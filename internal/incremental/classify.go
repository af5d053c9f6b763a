// Package incremental normalizes incremental-delivery (@defer/@stream)
// responses into the canonical shape expected by the client runtime.
//
// Two server dialects are supported, each by its own transform:
//
//   - Pending: the pending/incremental/completed format. The initial message
//     announces pending ids with their path and label; later messages refer to
//     those ids. The transform is stateful and must be created per response.
//   - FinalFlag: the format where patches carry hasNext/path/label directly.
//     Each message is rewritten to carry extensions.is_final instead.
//
// Which dialect a server speaks is configuration, never guessed.
package incremental

import (
	"fmt"
	"strings"

	graphql "github.com/hanpama/gqlstream/internal/graphql"
)

// Dialect selects the wire format a server is configured to speak.
type Dialect int

const (
	DialectPassthrough Dialect = iota
	DialectPending
	DialectFinalFlag
)

func (d Dialect) String() string {
	switch d {
	case DialectPassthrough:
		return "passthrough"
	case DialectPending:
		return "pending"
	case DialectFinalFlag:
		return "is_final"
	default:
		return fmt.Sprintf("Dialect(%d)", int(d))
	}
}

// ParseDialect maps a configuration value to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "passthrough", "none":
		return DialectPassthrough, nil
	case "pending", "incremental":
		return DialectPending, nil
	case "is_final", "final", "v16":
		return DialectFinalFlag, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDialect, s)
	}
}

// Class is the result of decoding a message against a dialect.
type Class int

const (
	// ClassPlain is forwarded unchanged.
	ClassPlain Class = iota
	// ClassBareCompletion carries no payload, only hasNext; it is dropped.
	ClassBareCompletion
	// ClassPending carries pending, incremental or completed entries.
	ClassPending
	// ClassPatch is a FinalFlag message with hasNext present.
	ClassPatch
	// ClassResult is a FinalFlag message without hasNext: a one-shot result.
	ClassResult
)

func (c Class) String() string {
	switch c {
	case ClassPlain:
		return "plain"
	case ClassBareCompletion:
		return "bare-completion"
	case ClassPending:
		return "pending"
	case ClassPatch:
		return "patch"
	case ClassResult:
		return "result"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// Classify decodes r against dialect d. Every message maps to exactly one class.
func Classify(d Dialect, r graphql.Response) Class {
	switch d {
	case DialectPending:
		if r.Pending != nil || r.Incremental != nil || r.Completed != nil {
			return ClassPending
		}
		if !r.HasData() && r.HasNext != nil {
			return ClassBareCompletion
		}
		return ClassPlain
	case DialectFinalFlag:
		if r.HasNext != nil {
			return ClassPatch
		}
		return ClassResult
	default:
		return ClassPlain
	}
}
