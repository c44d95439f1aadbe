package watch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/simonwjackson/proseql/internal/eventbus"
	"github.com/simonwjackson/proseql/internal/pipeline"
	"github.com/simonwjackson/proseql/internal/pschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryEmitsCurrentResultImmediately(t *testing.T) {
	bus := eventbus.New()
	calls := int32(0)
	eval := func() (*pipeline.Result, error) {
		atomic.AddInt32(&calls, 1)
		return &pipeline.Result{Items: []pschema.Entity{{"id": "1"}}}, nil
	}

	w, err := Query(context.Background(), bus, []string{"books"}, 10*time.Millisecond, eval)
	require.NoError(t, err)
	defer w.Close()

	select {
	case res := <-w.Results():
		require.Len(t, res.Items, 1)
	case <-time.After(time.Second):
		t.Fatal("expected immediate result")
	}
}

func TestQueryIgnoresIrrelevantCollections(t *testing.T) {
	bus := eventbus.New()
	version := int32(0)
	eval := func() (*pipeline.Result, error) {
		v := atomic.LoadInt32(&version)
		return &pipeline.Result{Items: []pschema.Entity{{"v": float64(v)}}}, nil
	}
	w, err := Query(context.Background(), bus, []string{"books"}, 10*time.Millisecond, eval)
	require.NoError(t, err)
	defer w.Close()
	<-w.Results()

	atomic.StoreInt32(&version, 1)
	bus.Dispatch(context.Background(), eventbus.Event{Collection: "authors", Kind: eventbus.Create, ID: "x"})

	select {
	case <-w.Results():
		t.Fatal("should not re-evaluate for an unrelated collection")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueryDebouncesBurstsAndGatesOnStructuralChange(t *testing.T) {
	bus := eventbus.New()
	version := int32(0)
	eval := func() (*pipeline.Result, error) {
		v := atomic.LoadInt32(&version)
		return &pipeline.Result{Items: []pschema.Entity{{"v": float64(v)}}}, nil
	}
	w, err := Query(context.Background(), bus, []string{"books"}, 20*time.Millisecond, eval)
	require.NoError(t, err)
	defer w.Close()
	first := <-w.Results()
	assert.Equal(t, float64(0), first.Items[0]["v"])

	atomic.StoreInt32(&version, 1)
	for i := 0; i < 5; i++ {
		bus.Dispatch(context.Background(), eventbus.Event{Collection: "books", Kind: eventbus.Update, ID: "1"})
		time.Sleep(2 * time.Millisecond)
	}

	select {
	case res := <-w.Results():
		assert.Equal(t, float64(1), res.Items[0]["v"])
	case <-time.After(time.Second):
		t.Fatal("expected a coalesced re-evaluation after the burst")
	}

	bus.Dispatch(context.Background(), eventbus.Event{Collection: "books", Kind: eventbus.Update, ID: "1"})
	select {
	case <-w.Results():
		t.Fatal("no structural change occurred, so no new result should be emitted")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEntityWatchTerminatesOnDelete(t *testing.T) {
	bus := eventbus.New()
	deleted := false
	get := func() (pschema.Entity, bool) {
		if deleted {
			return nil, false
		}
		return pschema.Entity{"id": "1", "title": "Dune"}, true
	}
	w := Entity(context.Background(), bus, "books", "1", get)
	defer w.Close()

	first := <-w.Results()
	require.NotNil(t, first)

	deleted = true
	bus.Dispatch(context.Background(), eventbus.Event{Collection: "books", Kind: eventbus.Delete, ID: "1"})

	select {
	case res := <-w.Results():
		assert.Nil(t, res)
	case <-time.After(time.Second):
		t.Fatal("expected a nil result on delete")
	}

	_, ok := <-w.Results()
	assert.False(t, ok, "the stream should close after a delete")
}
