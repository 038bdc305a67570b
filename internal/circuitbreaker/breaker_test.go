package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("payouts")
	b.RecordFailure("payouts")
	assert.True(t, b.Allow("payouts"))

	b.RecordFailure("payouts")
	assert.False(t, b.Allow("payouts"))
	assert.Equal(t, StateOpen, b.State("payouts"))
	assert.Equal(t, StateClosed, b.State("oauth"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := New(1, 30*time.Second)
	b.now = func() time.Time { return now }

	b.RecordFailure("payouts")
	assert.False(t, b.Allow("payouts"))

	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow("payouts"), "probe allowed after open duration")
	assert.Equal(t, StateHalfOpen, b.State("payouts"))
	assert.False(t, b.Allow("payouts"), "only one probe at a time")

	b.RecordSuccess("payouts")
	assert.Equal(t, StateClosed, b.State("payouts"))
	assert.True(t, b.Allow("payouts"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := New(1, time.Second)
	b.now = func() time.Time { return now }

	b.RecordFailure("payouts")
	now = now.Add(2 * time.Second)
	assert.True(t, b.Allow("payouts"))

	b.RecordFailure("payouts")
	assert.Equal(t, StateOpen, b.State("payouts"))
}

func TestBreaker_Do(t *testing.T) {
	b := New(2, time.Minute)
	business := errors.New("422 unprocessable")
	transport := errors.New("connection refused")
	onlyTransport := func(err error) bool { return errors.Is(err, transport) }

	for i := 0; i < 5; i++ {
		err := b.Do("payouts", func() error { return business }, onlyTransport)
		assert.ErrorIs(t, err, business)
	}
	assert.Equal(t, StateClosed, b.State("payouts"), "business rejections do not trip")

	_ = b.Do("payouts", func() error { return transport }, onlyTransport)
	_ = b.Do("payouts", func() error { return transport }, onlyTransport)

	called := false
	err := b.Do("payouts", func() error { called = true; return nil }, onlyTransport)
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}
