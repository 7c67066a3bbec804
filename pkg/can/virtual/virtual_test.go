package virtual

import (
	"testing"

	can "github.com/canopen-lss/lssmaster/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameReceiver struct {
	frames []can.Frame
}

func (r *frameReceiver) Handle(frame can.Frame) {
	r.frames = append(r.frames, frame)
}

func newConnected(t *testing.T, channel string) *Bus {
	raw, err := NewVirtualCanBus(channel)
	require.NoError(t, err)
	bus := raw.(*Bus)
	require.NoError(t, bus.Connect())
	t.Cleanup(func() { _ = bus.Disconnect() })
	return bus
}

func TestSendAndSubscribe(t *testing.T) {
	channel := "TestSendAndSubscribe"
	vcan1 := newConnected(t, channel)
	vcan2 := newConnected(t, channel)

	recv := &frameReceiver{}
	require.NoError(t, vcan2.Subscribe(recv))

	frame := can.Frame{ID: 0x111, DLC: 8, Data: [8]byte{0, 1, 2, 3, 4, 5, 6, 7}}
	for i := 0; i < 10; i++ {
		frame.Data[0] = uint8(i)
		require.NoError(t, vcan1.Send(frame))
	}

	require.Len(t, recv.frames, 10)
	for i, got := range recv.frames {
		assert.EqualValues(t, 0x111, got.ID)
		assert.EqualValues(t, uint8(i), got.Data[0])
	}
}

func TestReceiveOwn(t *testing.T) {
	channel := "TestReceiveOwn"
	vcan1 := newConnected(t, channel)

	recv := &frameReceiver{}
	require.NoError(t, vcan1.Subscribe(recv))

	frame := can.Frame{ID: 0x111, DLC: 8}
	require.NoError(t, vcan1.Send(frame))
	assert.Empty(t, recv.frames)

	vcan1.SetReceiveOwn(true)
	require.NoError(t, vcan1.Send(frame))
	assert.Len(t, recv.frames, 1)
}

func TestDisconnectStopsDelivery(t *testing.T) {
	channel := "TestDisconnectStopsDelivery"
	vcan1 := newConnected(t, channel)
	vcan2 := newConnected(t, channel)

	recv := &frameReceiver{}
	require.NoError(t, vcan2.Subscribe(recv))
	require.NoError(t, vcan2.Disconnect())

	require.NoError(t, vcan1.Send(can.Frame{ID: 0x111, DLC: 8}))
	assert.Empty(t, recv.frames)
}
