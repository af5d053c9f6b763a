package environment

import (
	"context"
	"sync"

	"github.com/hanpama/gqlstream/internal/transport"
)

// Page is the render lifecycle of one server response.
type Page struct {
	mu        sync.Mutex
	finished  bool
	callbacks []func()
}

// NewPage creates a page that is still rendering.
func NewPage() *Page { return &Page{} }

// OnRenderFinished registers fn to run when rendering finishes. It runs at
// once when rendering already finished.
func (p *Page) OnRenderFinished(fn func()) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		fn()
		return
	}
	p.callbacks = append(p.callbacks, fn)
	p.mu.Unlock()
}

// Finish marks rendering as done and runs the registered callbacks once.
func (p *Page) Finish() {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	callbacks := p.callbacks
	p.callbacks = nil
	p.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// ConfigureServer creates the page's transport, tracks every query env
// starts on it, and drains it when rendering finishes.
func ConfigureServer(page *Page, env *Environment, opts ...transport.Option) *transport.ServerTransport {
	st := transport.NewServerTransport(append([]transport.Option{transport.WithLogger(env.log)}, opts...)...)
	transport.Serve(env.registry, st)
	page.OnRenderFinished(st.DrainAndClose)
	return st
}

// ConfigureClient replays ct into env's registry and reruns whatever the
// server left unfinished through env.
func ConfigureClient(ctx context.Context, env *Environment, ct *transport.ClientTransport) (cancel func()) {
	return transport.Bind(ctx, env.registry, ct, env, env.log)
}
