package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/oddnetworks/oddworks/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func echo(tag string) QueryHandler {
	return func(_ context.Context, args any) (any, error) {
		return tag, nil
	}
}

func TestQueryResolution(t *testing.T) {
	b := New()
	require.NoError(t, b.RegisterQueryHandler(Pattern{Role: "store", Cmd: "get", Type: "video"}, echo("exact")))
	require.NoError(t, b.RegisterQueryHandler(Pattern{Role: "store", Cmd: "get"}, echo("broad")))

	tests := []struct {
		name    string
		pattern Pattern
		want    any
		wantErr error
	}{
		{
			name:    "exact_match_wins",
			pattern: Pattern{Role: "store", Cmd: "get", Type: "video"},
			want:    "exact",
		},
		{
			name:    "falls_back_to_broad",
			pattern: Pattern{Role: "store", Cmd: "get", Type: "collection"},
			want:    "broad",
		},
		{
			name:    "broad_pattern_directly",
			pattern: Pattern{Role: "store", Cmd: "get"},
			want:    "broad",
		},
		{
			name:    "no_handler",
			pattern: Pattern{Role: "catalog", Cmd: "search"},
			wantErr: ErrHandlerNotFound,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := b.Query(context.Background(), test.pattern, nil)
			if test.wantErr != nil {
				require.ErrorIs(t, err, test.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.want, got)
		})
	}
}

func TestDuplicateRegistration(t *testing.T) {
	b := New()
	p := Pattern{Role: "store", Cmd: "get", Type: "viewer"}
	require.NoError(t, b.RegisterQueryHandler(p, echo("a")))
	require.ErrorIs(t, b.RegisterQueryHandler(p, echo("b")), ErrDuplicateHandler)

	cmd := Pattern{Role: "store", Cmd: "set", Type: "viewer"}
	noop := func(context.Context, any) (any, error) { return nil, nil }
	require.NoError(t, b.RegisterCommandHandler(cmd, noop))
	require.ErrorIs(t, b.RegisterCommandHandler(cmd, noop), ErrDuplicateHandler)

	require.Panics(t, func() {
		b.MustRegisterQueryHandler(p, echo("c"))
	})
}

func TestCommandRequiresType(t *testing.T) {
	b := New()
	err := b.RegisterCommandHandler(Pattern{Role: "store", Cmd: "set"}, func(context.Context, any) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrMissingType)
}

func TestSendCommand(t *testing.T) {
	b := New()
	p := Pattern{Role: "store", Cmd: "set", Type: "viewer"}
	b.MustRegisterCommandHandler(p, func(_ context.Context, payload any) (any, error) {
		return payload, nil
	})

	got, err := SendCommandAs[string](context.Background(), b, p, "saved")
	require.NoError(t, err)
	require.Equal(t, "saved", got)

	_, err = b.SendCommand(context.Background(), Pattern{Role: "store", Cmd: "set", Type: "video"}, nil)
	require.ErrorIs(t, err, ErrHandlerNotFound)
}

func TestQueryAs(t *testing.T) {
	b := New()
	b.MustRegisterQueryHandler(Pattern{Role: "n", Cmd: "int"}, func(context.Context, any) (any, error) {
		return 42, nil
	})
	b.MustRegisterQueryHandler(Pattern{Role: "n", Cmd: "nil"}, func(context.Context, any) (any, error) {
		return nil, nil
	})
	handlerErr := errors.New("boom")
	b.MustRegisterQueryHandler(Pattern{Role: "n", Cmd: "err"}, func(context.Context, any) (any, error) {
		return nil, handlerErr
	})

	n, err := QueryAs[int](context.Background(), b, Pattern{Role: "n", Cmd: "int"}, nil)
	require.NoError(t, err)
	require.Equal(t, 42, n)

	_, err = QueryAs[string](context.Background(), b, Pattern{Role: "n", Cmd: "int"}, nil)
	require.ErrorIs(t, err, ErrUnexpectedResult)

	s, err := QueryAs[*string](context.Background(), b, Pattern{Role: "n", Cmd: "nil"}, nil)
	require.NoError(t, err)
	require.Nil(t, s)

	_, err = QueryAs[int](context.Background(), b, Pattern{Role: "n", Cmd: "err"}, nil)
	require.ErrorIs(t, err, handlerErr)
}

func TestBroadcast(t *testing.T) {
	t.Run("runs_detached_from_caller_cancellation", func(t *testing.T) {
		b := New()
		p := Pattern{Role: "store", Cmd: "index", Type: "video"}
		release := make(chan struct{})
		var canceled atomic.Bool
		b.MustRegisterCommandHandler(p, func(ctx context.Context, _ any) (any, error) {
			<-release
			canceled.Store(ctx.Err() != nil)
			return nil, nil
		})

		ctx, cancel := context.WithCancel(context.Background())
		b.Broadcast(ctx, p, nil)
		cancel()
		close(release)
		b.Wait()

		require.False(t, canceled.Load())
	})

	t.Run("failures_are_logged_not_returned", func(t *testing.T) {
		l, logs := logger.NewObserverLogger("debug")
		b := New(WithLogger(l))
		p := Pattern{Role: "store", Cmd: "index", Type: "video"}
		b.MustRegisterCommandHandler(p, func(context.Context, any) (any, error) {
			return nil, errors.New("index unavailable")
		})

		b.Broadcast(context.Background(), p, nil)
		b.Wait()

		require.Equal(t, 1, logs.FilterMessage("broadcast failed").Len())
	})

	t.Run("panics_are_recovered", func(t *testing.T) {
		l, logs := logger.NewObserverLogger("debug")
		b := New(WithLogger(l))
		p := Pattern{Role: "store", Cmd: "index", Type: "video"}
		b.MustRegisterCommandHandler(p, func(context.Context, any) (any, error) {
			panic("bad index")
		})

		b.Broadcast(context.Background(), p, nil)
		require.NotPanics(t, b.Wait)
		require.Equal(t, 1, logs.FilterMessage("broadcast failed").Len())
	})

	t.Run("missing_handler_is_dropped", func(t *testing.T) {
		l, logs := logger.NewObserverLogger("debug")
		b := New(WithLogger(l))

		b.Broadcast(context.Background(), Pattern{Role: "store", Cmd: "index", Type: "video"}, nil)
		b.Wait()

		require.Equal(t, 1, logs.FilterMessage("broadcast dropped").Len())
	})

	t.Run("does_not_block_the_caller", func(t *testing.T) {
		b := New()
		p := Pattern{Role: "store", Cmd: "index", Type: "video"}
		release := make(chan struct{})
		b.MustRegisterCommandHandler(p, func(context.Context, any) (any, error) {
			<-release
			return nil, nil
		})

		done := make(chan struct{})
		go func() {
			b.Broadcast(context.Background(), p, nil)
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("broadcast blocked on the handler")
		}
		close(release)
		b.Wait()
	})
}
