package incremental

import (
	graphql "github.com/hanpama/gqlstream/internal/graphql"
)

// FinalFlagTransform rewrites messages so that finality is carried in
// extensions.is_final: patches get is_final = !hasNext, one-shot results get
// is_final = true. Data is always present, null when missing. It is stateless.
func FinalFlagTransform() Factory {
	return func() Transform { return finalFlag }
}

func finalFlag(r graphql.Response) []graphql.Response {
	out := graphql.Response{Data: r.Data, Errors: r.Errors}
	if !out.HasData() {
		out.Data = graphql.Null
	}
	out.Extensions = make(map[string]any, len(r.Extensions)+1)
	for k, v := range r.Extensions {
		out.Extensions[k] = v
	}
	switch Classify(DialectFinalFlag, r) {
	case ClassPatch:
		out.Path = r.Path
		out.Label = r.Label
		out.Extensions["is_final"] = !*r.HasNext
	default:
		out.Extensions["is_final"] = true
	}
	return []graphql.Response{out}
}
