package observable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	graphql "github.com/hanpama/gqlstream/internal/graphql"
)

func resp(s string) graphql.Response { return graphql.Response{Data: []byte(s)} }

func TestSinkIgnoresEventsAfterTerminal(t *testing.T) {
	var got []string
	var completes, cleanups int
	o := Create(func(s Sink) func() {
		s.Next(resp(`1`))
		s.Complete()
		s.Next(resp(`2`))
		s.Error(errors.New("late"))
		s.Complete()
		return func() { cleanups++ }
	})
	o.Subscribe(Observer{
		Next:     func(r graphql.Response) { got = append(got, string(r.Data)) },
		Error:    func(error) { t.Fatal("unexpected error") },
		Complete: func() { completes++ },
	})
	assert.Equal(t, []string{"1"}, got)
	assert.Equal(t, 1, completes)
	assert.Equal(t, 1, cleanups)
}

func TestUnsubscribeRunsCleanupOnce(t *testing.T) {
	var cleanups int
	var captured Sink
	o := Create(func(s Sink) func() {
		captured = s
		return func() { cleanups++ }
	})
	sub := o.Subscribe(Observer{})
	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 1, cleanups)
	assert.True(t, captured.Closed())
}

func TestCollect(t *testing.T) {
	o := Create(func(s Sink) func() {
		go func() {
			s.Next(resp(`{"a":1}`))
			s.Error(errors.New("boom"))
		}()
		return nil
	})
	got, err := Collect(context.Background(), o)
	require.EqualError(t, err, "boom")
	require.Len(t, got, 1)
}

func TestCollectNeverHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := Collect(ctx, Never())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, got)
}
