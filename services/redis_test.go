package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/codecast/config"
)

func TestRedisOptions(t *testing.T) {
	testCases := []struct {
		name     string
		cfg      config.RedisConfig
		wantAddr string
		wantDB   int
		wantPass string
		wantErr  bool
	}{
		{
			name:     "address",
			cfg:      config.RedisConfig{Address: "cache:6379", DB: 2, Password: "pw", PoolSize: 7},
			wantAddr: "cache:6379",
			wantDB:   2,
			wantPass: "pw",
		},
		{
			name:     "url wins",
			cfg:      config.RedisConfig{URL: "redis://:secret@other:6380/3", Address: "cache:6379"},
			wantAddr: "other:6380",
			wantDB:   3,
			wantPass: "secret",
		},
		{
			name:     "password fills url without one",
			cfg:      config.RedisConfig{URL: "redis://other:6380/0", Password: "pw"},
			wantAddr: "other:6380",
			wantPass: "pw",
		},
		{
			name:    "bad url",
			cfg:     config.RedisConfig{URL: "http://nope"},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts, err := RedisOptions(tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantAddr, opts.Addr)
			assert.Equal(t, tc.wantDB, opts.DB)
			assert.Equal(t, tc.wantPass, opts.Password)
		})
	}
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), config.RedisConfig{Address: mr.Addr(), PoolTimeout: 1})
	require.NoError(t, err)
	assert.True(t, PingRedis(context.Background(), client))

	mr.Close()
	assert.False(t, PingRedis(context.Background(), client))
	assert.NoError(t, CloseRedisClient(client))
	assert.NoError(t, CloseRedisClient(nil))
	assert.False(t, PingRedis(context.Background(), nil))
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	start := time.Now()
	_, err := NewRedisClient(context.Background(), config.RedisConfig{Address: addr})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), pingTimeout+time.Second)
}
