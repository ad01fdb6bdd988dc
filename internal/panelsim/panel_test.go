package panelsim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panelfan/internal/fan"
)

func pulse(t *testing.T, out fan.BinaryOutput) {
	t.Helper()
	require.NoError(t, out.TurnOn())
	require.NoError(t, out.TurnOff())
}

func TestPanel_PowerAndSpeedCycle(t *testing.T) {
	p := New(Options{})
	assert.Equal(t, fan.State{}, p.State())

	pulse(t, p.SpeedButton())
	assert.Equal(t, fan.State{}, p.State(), "speed button does nothing while off")

	pulse(t, p.PowerButton())
	assert.Equal(t, fan.State{Powered: true, Speed: fan.SpeedLow}, p.State())

	for _, want := range []fan.Speed{fan.SpeedMedium, fan.SpeedHigh, fan.SpeedLow} {
		pulse(t, p.SpeedButton())
		assert.Equal(t, want, p.State().Speed)
	}
	assert.Equal(t, 3+1, p.Presses("speed"))
	assert.Equal(t, 1, p.Presses("power"))
}

func TestPanel_ActsOnRelease(t *testing.T) {
	p := New(Options{})
	require.NoError(t, p.PowerButton().TurnOn())
	assert.False(t, p.State().Powered)
	require.NoError(t, p.PowerButton().TurnOff())
	assert.True(t, p.State().Powered)

	// A release without a press is not a press.
	require.NoError(t, p.PowerButton().TurnOff())
	assert.True(t, p.State().Powered)
}

func TestPanel_LEDs(t *testing.T) {
	p := New(Options{Powered: true, Speed: fan.SpeedHigh})
	r := fan.NewFeedbackReader(p.LowLED(), p.HighLED())

	got, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, fan.SpeedHigh, got)

	p.SetConnected(false)
	_, err = r.Read()
	assert.ErrorIs(t, err, fan.ErrSensorUnavailable)
	assert.ErrorContains(t, err, ErrDisconnected.Error())
}

func TestPanel_MissEvery(t *testing.T) {
	p := New(Options{Powered: true, MissEvery: 2})
	pulse(t, p.SpeedButton())
	pulse(t, p.SpeedButton())
	assert.Equal(t, fan.SpeedMedium, p.State().Speed)
	assert.Equal(t, 1, p.Missed())
}

// The controller recovers from a missed pulse by pressing again.
func TestController_RecoversFromMissedPulse(t *testing.T) {
	p := New(Options{Powered: true, MissEvery: 2})
	ctrl := fan.New(fan.Config{
		PowerOutput: p.PowerButton(),
		SpeedOutput: p.SpeedButton(),
		LowLED:      p.LowLED(),
		HighLED:     p.HighLED(),
		Timing:      fan.DefaultTiming(),
	})
	ctrl.Setup()
	require.Equal(t, fan.State{Powered: true, Speed: fan.SpeedLow}, ctrl.State())

	require.NoError(t, ctrl.Control(fan.Call{}.WithSpeed(fan.SpeedHigh)))

	var done []fan.OperationCompleted
	now := fan.Millis(0)
	for i := 0; i < 500 && len(done) == 0; i++ {
		for _, ev := range ctrl.Loop(now) {
			if c, ok := ev.(fan.OperationCompleted); ok {
				done = append(done, c)
			}
		}
		now = now.Add(10 * time.Millisecond)
	}

	require.Len(t, done, 1)
	assert.Equal(t, fan.ResultSucceeded, done[0].Result)
	assert.Equal(t, fan.SpeedHigh, p.State().Speed)
	assert.Equal(t, 1, p.Missed())
	assert.Equal(t, 3, p.Presses("speed"))
}
