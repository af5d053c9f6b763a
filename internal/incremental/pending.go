package incremental

import (
	graphql "github.com/hanpama/gqlstream/internal/graphql"
)

type pendingMeta struct {
	path  []any
	label string
}

type pendingTransformer struct {
	pending map[string]pendingMeta
}

// PendingTransform converts the pending/incremental/completed format into
// one canonical message per incremental entry:
//
//	{data, hasNext, pending:[{id, path, label}]}   -> {data, hasNext}
//	{incremental:[{id, items}], completed, hasNext} -> {items, path, label, hasNext}
//
// Bare completion signals ({hasNext:false}) are dropped.
func PendingTransform() Factory {
	return func() Transform {
		t := &pendingTransformer{pending: map[string]pendingMeta{}}
		return t.transform
	}
}

func (t *pendingTransformer) transform(r graphql.Response) []graphql.Response {
	switch Classify(DialectPending, r) {
	case ClassBareCompletion:
		return nil
	case ClassPlain:
		return []graphql.Response{r}
	}

	var out []graphql.Response
	for _, p := range r.Pending {
		t.pending[p.ID] = pendingMeta{path: p.Path, label: p.Label}
	}

	if r.HasData() && r.Incremental == nil {
		initial := r.Clone()
		initial.Pending = nil
		initial.Completed = nil
		out = append(out, initial)
	}

	hasNext := graphql.Bool(r.HasNext != nil && *r.HasNext)
	for _, inc := range r.Incremental {
		meta, ok := t.pending[inc.ID]
		if !ok {
			continue
		}
		out = append(out, graphql.Response{
			Data:    inc.Data,
			Items:   inc.Items,
			Errors:  inc.Errors,
			Path:    meta.path,
			Label:   meta.label,
			HasNext: graphql.Bool(*hasNext),
		})
	}

	for _, c := range r.Completed {
		meta, ok := t.pending[c.ID]
		delete(t.pending, c.ID)
		// A fragment that failed as a whole reports its errors on completion.
		if ok && len(c.Errors) > 0 {
			out = append(out, graphql.Response{
				Errors:  c.Errors,
				Path:    meta.path,
				Label:   meta.label,
				HasNext: graphql.Bool(*hasNext),
			})
		}
	}
	return out
}
