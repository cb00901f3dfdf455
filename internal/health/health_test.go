// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunAllHealthy(t *testing.T) {
	c := NewChecker()
	c.Register("store", func(ctx context.Context) error { return nil })
	c.Register("gpio", func(ctx context.Context) error { return nil })

	results, healthy := c.Run(context.Background())
	assert.True(t, healthy)
	assert.Equal(t, map[string]string{"store": "ok", "gpio": "ok"}, results)
}

func TestRunReportsFailure(t *testing.T) {
	c := NewChecker()
	c.Register("store", func(ctx context.Context) error { return nil })
	c.Register("gpio", func(ctx context.Context) error { return errors.New("worker budget exhausted") })

	results, healthy := c.Run(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, "ok", results["store"])
	assert.Equal(t, "worker budget exhausted", results["gpio"])
}

func TestRegisterReplaces(t *testing.T) {
	c := NewChecker()
	c.Register("x", func(ctx context.Context) error { return errors.New("bad") })
	c.Register("x", func(ctx context.Context) error { return nil })

	_, healthy := c.Run(context.Background())
	assert.True(t, healthy)
}

func TestUptimeNonNegative(t *testing.T) {
	c := NewChecker()
	assert.True(t, c.Uptime() >= 0)
}
