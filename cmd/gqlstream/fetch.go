package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hanpama/gqlstream/internal/fetch"
	graphql "github.com/hanpama/gqlstream/internal/graphql"
	"github.com/hanpama/gqlstream/internal/incremental"
)

// operationFlags describe one operation on the command line.
type operationFlags struct {
	query         string
	queryFile     string
	variables     string
	operationName string
	id            string
}

func (f *operationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.query, "query", "q", "", "GraphQL document")
	cmd.Flags().StringVar(&f.queryFile, "query-file", "", "read the GraphQL document from a file")
	cmd.Flags().StringVar(&f.variables, "variables", "", "variables as a JSON object")
	cmd.Flags().StringVar(&f.operationName, "operation-name", "", "operation to run when the document has several")
	cmd.Flags().StringVar(&f.id, "id", "", "persisted query id")
}

func (f *operationFlags) text() (string, error) {
	if f.queryFile != "" {
		b, err := os.ReadFile(f.queryFile)
		if err != nil {
			return "", fmt.Errorf("read query: %w", err)
		}
		return string(b), nil
	}
	if f.query == "" {
		return "", errors.New("--query or --query-file is required")
	}
	return f.query, nil
}

func (f *operationFlags) vars() (map[string]any, error) {
	if f.variables == "" {
		return nil, nil
	}
	var vars map[string]any
	if err := json.Unmarshal([]byte(f.variables), &vars); err != nil {
		return nil, fmt.Errorf("invalid --variables: %w", err)
	}
	return vars, nil
}

func (f *operationFlags) operation() (graphql.Operation, error) {
	text, err := f.text()
	if err != nil {
		return graphql.Operation{}, err
	}
	vars, err := f.vars()
	if err != nil {
		return graphql.Operation{}, err
	}
	var opts []graphql.OperationOption
	if f.id != "" {
		opts = append(opts, graphql.WithPersistedID(f.id))
	}
	if f.operationName != "" {
		opts = append(opts, graphql.WithOperationName(f.operationName))
	}
	return graphql.NewOperation(text, vars, opts...)
}

func newFetchCommand(root *rootOptions) *cobra.Command {
	var of operationFlags
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Run one operation against the upstream and print its responses",
		Long: `Fetch sends one operation to the upstream and prints every canonical
response as a JSON line, in arrival order.

Example:
  gqlstream fetch --url http://localhost:4000/graphql \
    -q 'query Film($id: ID!) { film(id: $id) { id ... @defer { title } } }' \
    --variables '{"id":"1"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := of.operation()
			if err != nil {
				return err
			}
			return runFetch(cmd, root, op)
		},
	}
	of.register(cmd)
	return cmd
}

func runFetch(cmd *cobra.Command, root *rootOptions, op graphql.Operation) error {
	cfg := root.cfg.Upstream
	if cfg.URL == "" {
		return errors.New("no upstream url: set --url or upstream.url")
	}
	factories, err := cfg.transforms()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	req, err := fetch.DefaultInit(op)
	if err != nil {
		return err
	}
	rc, err := fetch.ApplyMiddleware(ctx, cfg.middleware(), &fetch.RequestContext{Operation: op, Init: req, URL: cfg.URL})
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	var failed error
	err = fetch.Fetch(ctx, fetch.Options{
		URL:           rc.URL,
		Init:          func(ctx context.Context) (*fetch.RequestInit, error) { return rc.Init, nil },
		Transform:     incremental.Compose(factories...),
		OperationName: op.Name,
		QueryKey:      op.QueryKey(),
		Logger:        root.logger,
	}, fetch.Callbacks{
		OnNext: func(rs []graphql.Response) {
			for _, r := range rs {
				if err := writeJSONLine(w, r); err != nil && failed == nil {
					failed = err
				}
			}
		},
		OnComplete: func() {},
		OnError: func(err error) {
			if failed == nil {
				failed = err
			}
		},
	})
	if err != nil {
		return err
	}
	return failed
}

func writeJSONLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}
