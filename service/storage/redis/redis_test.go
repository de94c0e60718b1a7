package redis

import (
	"context"
	"errors"
	"testing"

	"PPGate/tools/errs"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := NewClient(context.Background(), Config{Addr: mr.Addr(), PoolSize: 2})
	require.NoError(t, err)
	defer rdb.Close()
	require.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewClientErrors(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	assert.True(t, errors.Is(err, errs.ErrArgs))

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = NewClient(context.Background(), Config{Addr: addr})
	assert.Error(t, err)
}
