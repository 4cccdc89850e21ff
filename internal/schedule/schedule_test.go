package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsBadCronExpression(t *testing.T) {
	_, err := New("not a cron spec", func(context.Context) (bool, error) { return false, nil }, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")
}

func TestNew_AcceptsStandardExpression(t *testing.T) {
	d, err := New("*/15 * * * *", func(context.Context) (bool, error) { return false, nil }, nil)
	require.NoError(t, err)
	require.NotNil(t, d)
}

func TestTick_DrainsUntilNoMoreWork(t *testing.T) {
	var calls atomic.Int32
	d, err := New("@hourly", func(context.Context) (bool, error) {
		return calls.Add(1) < 3, nil
	}, nil)
	require.NoError(t, err)

	d.tick()
	assert.Equal(t, int32(3), calls.Load())
}

func TestTick_StopsOnJobError(t *testing.T) {
	var calls atomic.Int32
	d, err := New("@hourly", func(context.Context) (bool, error) {
		calls.Add(1)
		return true, errors.New("boom")
	}, nil)
	require.NoError(t, err)

	d.tick()
	assert.Equal(t, int32(1), calls.Load())
}

func TestTick_RespectsDrainBudget(t *testing.T) {
	var calls atomic.Int32
	d, err := New("@hourly", func(context.Context) (bool, error) {
		calls.Add(1)
		return true, nil
	}, nil)
	require.NoError(t, err)

	d.tick()
	assert.Equal(t, int32(maxDrainPerTick), calls.Load())
}
