package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/cuongbtq/jobworker/internal/appctx"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDeclarer struct {
	declared []string
	err      error
}

func (d *recordingDeclarer) Declare(ctx context.Context, queue string) error {
	if d.err != nil {
		return d.err
	}
	d.declared = append(d.declared, queue)
	return nil
}

func TestBind(t *testing.T) {
	tests := []struct {
		name       string
		names      []string
		declareErr error
		wantErr    error
		wantNames  []string
	}{
		{name: "single queue", names: []string{"default"}, wantNames: []string{"default"}},
		{name: "order preserved", names: []string{"high", "default", "low"}, wantNames: []string{"high", "default", "low"}},
		{name: "no names", names: nil, wantErr: domain.ErrBinding},
		{name: "empty name", names: []string{"high", ""}, wantErr: domain.ErrBinding},
		{name: "whitespace name", names: []string{"  "}, wantErr: domain.ErrBinding},
		{name: "duplicate name", names: []string{"a", "b", "a"}, wantErr: domain.ErrBinding},
		{name: "broker refuses", names: []string{"a"}, declareErr: errors.New("closed"), wantErr: domain.ErrConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDeclarer{err: tt.declareErr}

			set, err := Bind(context.Background(), d, tt.names)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, set)
				if errors.Is(tt.wantErr, domain.ErrBinding) {
					assert.Empty(t, d.declared, "no partial binding")
				}
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantNames, set.Names())
			assert.Equal(t, tt.wantNames, d.declared)
			assert.Equal(t, len(tt.wantNames), set.Len())
		})
	}
}

func TestQueueSet_Lookup(t *testing.T) {
	set, err := NewQueueSet([]string{"high", "low"})
	require.NoError(t, err)

	assert.True(t, set.Contains("low"))
	assert.False(t, set.Contains("default"))
	assert.Equal(t, 0, set.Priority("high"))
	assert.Equal(t, 1, set.Priority("low"))
	assert.Equal(t, -1, set.Priority("default"))
	assert.Equal(t, "high,low", set.String())

	var unbound *QueueSet
	assert.Equal(t, -1, unbound.Priority("high"))

	names := set.Names()
	names[0] = "mutated"
	assert.Equal(t, "high", set.Names()[0])
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := func(ctx context.Context, app *appctx.Context, args *domain.Arguments) (any, error) {
		return nil, nil
	}

	require.NoError(t, r.Register("b", noop))
	require.NoError(t, r.Register("a", noop))

	err := r.Register("a", noop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("nil", nil))

	_, ok := r.Lookup("a")
	assert.True(t, ok)
	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.Panics(t, func() { r.MustRegister("a", noop) })
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "polling", StatePolling.String())
	assert.Equal(t, "executing", StateExecuting.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(42).String())
}
