package db

import (
	"testing"
	"time"

	"graph-sync/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestPoolFromConfig(t *testing.T) {
	cfg := &config.Config{DBMaxOpenConns: 12, DBMaxIdleConns: 3, DBConnMaxLifetime: time.Minute}

	assert.Equal(t, Pool{MaxOpenConns: 12, MaxIdleConns: 3, ConnMaxLifetime: time.Minute}, PoolFromConfig(cfg))
}
