package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hanpama/gqlstream/internal/environment"
	graphql "github.com/hanpama/gqlstream/internal/graphql"
	"github.com/hanpama/gqlstream/internal/observable"
	"github.com/hanpama/gqlstream/internal/server"
	"github.com/hanpama/gqlstream/internal/transport"
)

type hydrateFlags struct {
	endpoint       string
	operationsFile string
	accept         string
	operationFlags
}

// hydratedLine is one printed response of a hydrated operation.
type hydratedLine struct {
	Index     int              `json:"index"`
	Operation string           `json:"operation,omitempty"`
	Response  graphql.Response `json:"response"`
}

func newHydrateCommand(root *rootOptions) *cobra.Command {
	var hf hydrateFlags
	cmd := &cobra.Command{
		Use:   "hydrate",
		Short: "Render a page on a serve endpoint and replay it like a client",
		Long: `Hydrate posts operations to a serve endpoint, consumes the streamed
transport, and replays each preloaded operation into a client environment.
Every response is printed as a JSON line. Operations the server finished are
never fetched again. Unfinished ones are rerun against --url.

Example:
  gqlstream hydrate --endpoint http://localhost:8080/page \
    -q 'query Film($id: ID!) { film(id: $id) { id ... @defer { title } } }' \
    --variables '{"id":"1"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := hf.body()
			if err != nil {
				return err
			}
			return runHydrate(cmd, root, hf.endpoint, hf.accept, body)
		},
	}
	f := cmd.Flags()
	f.StringVar(&hf.endpoint, "endpoint", "", "page endpoint of a serve process (required)")
	f.StringVar(&hf.operationsFile, "operations", "", "read the page request from a JSON file")
	f.StringVar(&hf.accept, "accept", transport.ContentTypeNDJSON, "transport encoding to request")
	hf.register(cmd)
	_ = cmd.MarkFlagRequired("endpoint")
	return cmd
}

func (hf *hydrateFlags) body() ([]byte, error) {
	if hf.operationsFile != "" {
		b, err := os.ReadFile(hf.operationsFile)
		if err != nil {
			return nil, fmt.Errorf("read operations: %w", err)
		}
		return b, nil
	}
	op, err := hf.operation()
	if err != nil {
		return nil, err
	}
	return json.Marshal(server.PageRequest{Operations: []server.OperationRequest{{
		ID:            op.ID,
		Query:         op.Text,
		OperationName: op.Name,
		Variables:     op.Variables,
	}}})
}

func runHydrate(cmd *cobra.Command, root *rootOptions, endpoint, accept string, body []byte) error {
	page, err := server.DecodePageRequest(body)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("page request failed (status %d): %s", res.StatusCode, bytes.TrimSpace(msg))
	}
	codec, err := transport.CodecFor(res.Header.Get("Content-Type"))
	if err != nil {
		return err
	}

	log := root.logger.Named("hydrate")
	upstream, err := root.cfg.Upstream.environmentOptions(root.logger, nil)
	if err != nil {
		return err
	}
	env := environment.New(upstream)
	ct := transport.NewClientTransport(codec.NewDecoder(res.Body), transport.WithLogger(root.logger))
	cancel := environment.ConfigureClient(ctx, env, ct)
	defer cancel()
	if err := ct.Wait(ctx); err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	w := cmd.OutOrStdout()
	for i := range page.Operations {
		id := server.PreloadValuePrefix + strconv.Itoa(i)
		v, ok := ct.TakeStreamedValue(id)
		if !ok {
			return fmt.Errorf("page did not stream %s", id)
		}
		d, err := environment.DehydratedFromValue(v)
		if err != nil {
			return err
		}
		pq, err := environment.Hydrate(env, d)
		if err != nil {
			return err
		}
		rs, err := observable.Collect(ctx, pq.Observable(ctx))
		pq.Dispose()
		for _, r := range rs {
			if werr := writeJSONLine(w, hydratedLine{Index: i, Operation: d.Name, Response: r}); werr != nil {
				return werr
			}
		}
		if err != nil {
			log.Warn("hydrated query failed", zap.String("name", d.Name), zap.Error(err))
			if errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
	return nil
}
