package gateway

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/capkernel/pkg/clock"
)

func TestRateLimiter_PerKeyBuckets(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewRateLimiter(2, 2, clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "a")
	assert.False(t, ok)
	ok, _ = l.Allow(ctx, "b")
	assert.True(t, ok)

	clk.Advance(500 * time.Millisecond)
	ok, _ = l.Allow(ctx, "a")
	assert.True(t, ok)
}

func TestRateLimiter_Prune(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := NewRateLimiter(1, 1, clk)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "old")
	clk.Advance(time.Minute)
	_, _ = l.Allow(ctx, "fresh")

	assert.Equal(t, 1, l.Prune(30*time.Second))
	assert.Equal(t, 0, l.Prune(30*time.Second))
}

func TestRateLimiter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRateLimiter(1, 1, nil).Allow(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}

// fakeScripter answers script runs with a canned reply and records the keys it saw.
type fakeScripter struct {
	reply []interface{}
	err   error
	keys  []string
	args  []interface{}
}

func (f *fakeScripter) run(ctx context.Context, keys []string, args []interface{}) *redis.Cmd {
	f.keys = append(f.keys, keys...)
	f.args = args
	cmd := redis.NewCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	cmd.SetVal(f.reply)
	return cmd
}

func (f *fakeScripter) Eval(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(ctx, keys, args)
}

func (f *fakeScripter) EvalSha(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return f.run(ctx, keys, args)
}

func (f *fakeScripter) EvalRO(ctx context.Context, _ string, _ []string, _ ...interface{}) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	cmd.SetErr(errors.New("read-only evaluation not supported"))
	return cmd
}

func (f *fakeScripter) EvalShaRO(ctx context.Context, _ string, _ []string, _ ...interface{}) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	cmd.SetErr(errors.New("read-only evaluation not supported"))
	return cmd
}

func (f *fakeScripter) ScriptExists(ctx context.Context, _ ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceCmd(ctx)
}

func (f *fakeScripter) ScriptLoad(ctx context.Context, _ string) *redis.StringCmd {
	return redis.NewStringCmd(ctx)
}

func TestRedisLimiter_ParsesReply(t *testing.T) {
	ctx := context.Background()
	fake := &fakeScripter{reply: []interface{}{int64(1), "4"}}
	l := NewRedisLimiter(fake, 5, 5, "", nil)

	ok, err := l.Allow(ctx, "fp-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"capk:admission:fp-1"}, fake.keys)
	require.Len(t, fake.args, 5)
	assert.Equal(t, 5.0, fake.args[0])
	assert.Equal(t, 5, fake.args[1])

	fake.reply = []interface{}{int64(0), "0"}
	ok, err = l.Allow(ctx, "fp-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLimiter_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewRedisLimiter(&fakeScripter{err: errors.New("dial tcp: refused")}, 1, 1, "p", nil).Allow(ctx, "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis limiter")

	_, err = NewRedisLimiter(&fakeScripter{reply: []interface{}{int64(1)}}, 1, 1, "p", nil).Allow(ctx, "k")
	assert.Error(t, err)

	_, err = NewRedisLimiter(&fakeScripter{reply: []interface{}{"1", "0"}}, 1, 1, "p", nil).Allow(ctx, "k")
	assert.Error(t, err)
}

func TestRedisLimiter_Integration(t *testing.T) {
	conn, err := net.DialTimeout("tcp", "localhost:6379", 200*time.Millisecond)
	if err != nil {
		t.Skip("redis not available on localhost:6379")
	}
	_ = conn.Close()

	client := NewRedisClient("localhost:6379", "", 0)
	defer client.Close()
	ctx := context.Background()
	prefix := "capk:test:" + time.Now().Format("150405.000000")
	l := NewRedisLimiter(client, 1, 2, prefix, nil)
	defer client.Del(ctx, prefix+":k")

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
