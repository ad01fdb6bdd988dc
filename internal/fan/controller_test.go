package fan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_FromLEDs(t *testing.T) {
	r := newRig(t, &panel{powered: true, speed: SpeedMedium}, DefaultTiming(), 0)
	assert.Equal(t, State{Powered: true, Speed: SpeedMedium}, r.ctrl.State())
}

func TestSetup_WithoutLEDsAssumesOff(t *testing.T) {
	c := New(Config{})
	var published []State
	c.Subscribe(func(s State) { published = append(published, s) })
	c.Setup()

	assert.Equal(t, State{}, c.State())
	assert.Equal(t, []State{{}}, published)
}

// Turning on from off queues one power press.
func TestControl_TurnOnQueuesOnePowerOperation(t *testing.T) {
	r := newRig(t, &panel{}, DefaultTiming(), 0)
	var published []State
	r.ctrl.Subscribe(func(s State) { published = append(published, s) })

	require.NoError(t, r.ctrl.Control(Call{}.WithState(true)))

	pending := r.ctrl.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, OpPower, pending[0].Kind)
	// Optimistic: visible before any pulse.
	assert.Equal(t, State{Powered: true, Speed: SpeedOff}, r.ctrl.State())
	assert.Equal(t, []State{{Powered: true}}, published)

	r.runIdle(time.Second)
	assert.Equal(t, State{Powered: true, Speed: SpeedOff}, r.ctrl.State())
	assert.True(t, r.panel.powered)
}

// Power and speed in one call run as two operations, power first.
func TestControl_PowerThenSpeedRunInOrder(t *testing.T) {
	r := newRig(t, &panel{speed: SpeedLow}, DefaultTiming(), 0)
	require.NoError(t, r.ctrl.Control(Call{}.WithState(true).WithSpeed(SpeedMedium)))

	pending := r.ctrl.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, OpPower, pending[0].Kind)
	assert.Equal(t, OpSpeed, pending[1].Kind)
	assert.Equal(t, SpeedMedium, pending[1].Target)

	r.runIdle(5 * time.Second)

	powerRelease := r.power.edges[len(r.power.edges)-1]
	require.False(t, powerRelease.on)
	speedPress, ok := r.speed.firstPressAt()
	require.True(t, ok)
	// Speed waits for the whole power cycle, release phase included.
	assert.GreaterOrEqual(t, speedPress.Sub(powerRelease.at), DefaultReleaseDuration)

	done := r.completions()
	require.Len(t, done, 2)
	assert.Equal(t, OpPower, done[0].Op.Kind)
	assert.Equal(t, OpSpeed, done[1].Op.Kind)
	assert.Equal(t, ResultSucceeded, done[1].Result)
	assert.Equal(t, SpeedMedium, r.panel.speed)
}

// A speed request while off only updates the mirror.
func TestControl_SpeedWhileOffQueuesNothing(t *testing.T) {
	r := newRig(t, &panel{}, DefaultTiming(), 0)
	require.NoError(t, r.ctrl.Control(Call{}.WithSpeed(SpeedHigh)))

	assert.Zero(t, r.ctrl.QueueLen())
	assert.Equal(t, State{Powered: false, Speed: SpeedHigh}, r.ctrl.State())
}

func TestControl_NoChangeQueuesNothingButPublishes(t *testing.T) {
	r := newRig(t, &panel{powered: true, speed: SpeedLow}, DefaultTiming(), 0)
	calls := 0
	r.ctrl.Subscribe(func(State) { calls++ })

	require.NoError(t, r.ctrl.Control(Call{}.WithState(true).WithSpeed(SpeedLow)))
	assert.Zero(t, r.ctrl.QueueLen())
	assert.Equal(t, 1, calls)
}

func TestControl_TurnOffSkipsSpeed(t *testing.T) {
	r := newRig(t, &panel{powered: true, speed: SpeedLow}, DefaultTiming(), 0)
	require.NoError(t, r.ctrl.Control(Call{}.WithState(false).WithSpeed(SpeedHigh)))

	pending := r.ctrl.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, OpPower, pending[0].Kind)
}

func TestControl_SpeedZeroTurnsOff(t *testing.T) {
	r := newRig(t, &panel{powered: true, speed: SpeedMedium}, DefaultTiming(), 0)
	require.NoError(t, r.ctrl.Control(Call{}.WithSpeed(SpeedOff)))

	pending := r.ctrl.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, OpPower, pending[0].Kind)
	assert.False(t, r.ctrl.State().Powered)
}

func TestControl_InvalidSpeedRejected(t *testing.T) {
	r := newRig(t, &panel{powered: true, speed: SpeedLow}, DefaultTiming(), 0)
	before := r.ctrl.State()

	err := r.ctrl.Control(Call{}.WithState(false).WithSpeed(Speed(7)))
	require.ErrorIs(t, err, ErrInvalidSpeed)
	assert.Zero(t, r.ctrl.QueueLen())
	assert.Equal(t, before, r.ctrl.State())
}

func TestControl_QueueFullLeavesStateUntouched(t *testing.T) {
	var now Millis
	c := New(Config{
		PowerOutput: &fakeOutput{clock: &now},
		SpeedOutput: &fakeOutput{clock: &now},
		Timing:      DefaultTiming(),
		MaxPending:  1,
	})
	c.Setup()

	err := c.Control(Call{}.WithState(true).WithSpeed(SpeedHigh))
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Zero(t, c.QueueLen())
	assert.Equal(t, State{}, c.State())

	require.NoError(t, c.Control(Call{}.WithState(true)))
	assert.Equal(t, 1, c.QueueLen())
}

func TestControl_StampsOperationsWithLastTick(t *testing.T) {
	r := newRig(t, &panel{}, DefaultTiming(), 0)
	r.tick(70 * time.Millisecond)
	require.NoError(t, r.ctrl.Control(Call{}.WithState(true)))

	assert.Equal(t, Millis(70), r.ctrl.Pending()[0].EnqueuedAt)
}

func TestResync(t *testing.T) {
	p := &panel{powered: true, speed: SpeedLow}
	r := newRig(t, p, DefaultTiming(), 0)

	// Someone used the physical panel.
	p.speed = SpeedHigh
	p.sync()
	require.NoError(t, r.ctrl.Resync())
	assert.Equal(t, State{Powered: true, Speed: SpeedHigh}, r.ctrl.State())

	require.NoError(t, r.ctrl.Control(Call{}.WithState(false)))
	assert.ErrorIs(t, r.ctrl.Resync(), ErrNotIdle)

	r.runIdle(time.Second)
	require.NoError(t, r.ctrl.Resync())
	assert.Equal(t, State{}, r.ctrl.State())
}

func TestResync_SensorError(t *testing.T) {
	p := &panel{powered: true, speed: SpeedLow}
	r := newRig(t, p, DefaultTiming(), 0)
	p.low.err = errSensorBroken

	assert.ErrorIs(t, r.ctrl.Resync(), ErrSensorUnavailable)
	assert.Equal(t, State{Powered: true, Speed: SpeedLow}, r.ctrl.State())
}

func TestTraits(t *testing.T) {
	assert.Equal(t, Traits{SupportsSpeed: true, SpeedCount: 3}, New(Config{}).Traits())
}
