package lssmaster

import "github.com/canopen-lss/lssmaster/pkg/can"

// fakeBus is a synchronous, single-slave stand-in for a real CAN
// transceiver, used to drive the master through a scripted exchange
// without any goroutines or timers. Every Send call is handed straight
// to a test-supplied responder, which decides whether and what to
// reply with on the spot.
type fakeBus struct {
	listener can.FrameListener
	sent     []can.Frame
	reply    func(frame can.Frame) (can.Frame, bool)
}

func (b *fakeBus) Connect(...any) error { return nil }
func (b *fakeBus) Disconnect() error    { return nil }

func (b *fakeBus) Send(frame can.Frame) error {
	b.sent = append(b.sent, frame)
	if b.reply == nil {
		return nil
	}
	if reply, ok := b.reply(frame); ok {
		b.listener.Handle(reply)
	}
	return nil
}

func (b *fakeBus) Subscribe(listener can.FrameListener) error {
	b.listener = listener
	return nil
}

func (b *fakeBus) lastSent() can.Frame {
	return b.sent[len(b.sent)-1]
}
