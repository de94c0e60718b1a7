package mongoutil

import (
	"context"
	"errors"
	"testing"

	"PPGate/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestValidateAndSetDefaults(t *testing.T) {
	c := &Config{Address: []string{"m1:27017", "m2:27017"}, Database: "ppgate", Username: "u", Password: "p"}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, defaultMaxPoolSize, c.MaxPoolSize)
	assert.Equal(t, defaultMaxRetry, c.MaxRetry)
	assert.Equal(t, "mongodb://u:p@m1:27017,m2:27017/ppgate?authSource=ppgate&maxPoolSize=100", c.Uri)

	c = &Config{Address: []string{"m1"}, Database: "ppgate", AuthSource: "admin", MaxPoolSize: 5}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, "mongodb://m1/ppgate?authSource=admin&maxPoolSize=5", c.Uri)

	c = &Config{Uri: "mongodb://x", Database: "db"}
	require.NoError(t, c.ValidateAndSetDefaults())
	assert.Equal(t, "mongodb://x", c.Uri)

	assert.True(t, errors.Is((&Config{Database: "db"}).ValidateAndSetDefaults(), errs.ErrArgs))
	assert.True(t, errors.Is((&Config{Uri: "mongodb://x"}).ValidateAndSetDefaults(), errs.ErrArgs))
}

func TestShouldRetry(t *testing.T) {
	ctx := context.Background()
	assert.True(t, shouldRetry(ctx, errors.New("connection refused")))
	assert.False(t, shouldRetry(ctx, mongo.CommandError{Code: 18}))
	assert.False(t, shouldRetry(ctx, mongo.CommandError{Code: 13}))
	assert.True(t, shouldRetry(ctx, mongo.CommandError{Code: 91}))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, shouldRetry(cctx, errors.New("x")))
}

func TestApplyConfigToOptions(t *testing.T) {
	_, err := applyConfigToOptions(&Config{})
	assert.Error(t, err)

	opts, err := applyConfigToOptions(&Config{Address: []string{"m1:27017"}, MaxPoolSize: 7, Username: "u", Password: "p", AuthSource: "admin"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1:27017"}, opts.Hosts)
	require.NotNil(t, opts.MaxPoolSize)
	assert.Equal(t, uint64(7), *opts.MaxPoolSize)
	require.NotNil(t, opts.Auth)
	assert.Equal(t, "admin", opts.Auth.AuthSource)
}

func TestMergeIndexes(t *testing.T) {
	a := map[string][]mongo.IndexModel{"msg": {{}}, "seq": {{}}}
	b := map[string][]mongo.IndexModel{"msg": {{}}}
	m := MergeIndexes(a, b)
	assert.Len(t, m["msg"], 2)
	assert.Len(t, m["seq"], 1)
}
