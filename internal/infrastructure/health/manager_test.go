package health

import (
	"errors"
	"testing"

	"repricer/pkg/logging"

	"github.com/stretchr/testify/assert"
)

func TestHealthManager_Aggregation(t *testing.T) {
	hm := NewHealthManager(nil)
	assert.True(t, hm.IsHealthy(), "empty manager is healthy")

	hm.Register("store", func() error { return nil })
	assert.True(t, hm.IsHealthy())

	hm.Register("reconciler", func() error { return errors.New("last pass failed") })
	assert.False(t, hm.IsHealthy())

	status := hm.GetStatus()
	assert.Equal(t, "Healthy", status["store"])
	assert.Equal(t, "Unhealthy: last pass failed", status["reconciler"])
	assert.Equal(t, []string{"reconciler", "store"}, hm.Components())
}

func TestHealthManager_Check(t *testing.T) {
	hm := NewHealthManager(logging.NewNopLogger())
	failing := true
	hm.Register("kafka", func() error {
		if failing {
			return errors.New("broker down")
		}
		return nil
	})

	ok, err := hm.Check("kafka")
	assert.False(t, ok)
	assert.EqualError(t, err, "broker down")

	failing = false
	ok, err = hm.Check("kafka")
	assert.True(t, ok)
	assert.NoError(t, err)

	ok, _ = hm.Check("unknown")
	assert.False(t, ok)
}
