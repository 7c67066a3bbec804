// Package virtual implements an in-process loopback CAN bus, used for
// tests and local development without real hardware. Any number of Bus
// instances created with the same channel name form one virtual
// network: a frame sent on one is delivered synchronously to every
// other subscriber on that channel.
package virtual

import (
	"sync"

	can "github.com/canopen-lss/lssmaster/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
}

var (
	registryMu sync.Mutex
	registry   = make(map[string][]*Bus)
)

type Bus struct {
	mu           sync.Mutex
	channel      string
	receiveOwn   bool
	frameHandler can.FrameListener
}

func NewVirtualCanBus(channel string) (can.Bus, error) {
	return &Bus{channel: channel}, nil
}

// "Connect" joins the named virtual network.
func (b *Bus) Connect(...any) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.channel] = append(registry[b.channel], b)
	return nil
}

// "Disconnect" leaves the named virtual network.
func (b *Bus) Disconnect() error {
	registryMu.Lock()
	defer registryMu.Unlock()
	peers := registry[b.channel]
	for i, peer := range peers {
		if peer == b {
			registry[b.channel] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	return nil
}

// "Send" delivers the frame synchronously to every other subscriber on
// this bus's channel, and to itself if SetReceiveOwn(true) was called.
func (b *Bus) Send(frame can.Frame) error {
	registryMu.Lock()
	peers := append([]*Bus(nil), registry[b.channel]...)
	registryMu.Unlock()

	for _, peer := range peers {
		if peer == b && !b.receiveOwn {
			continue
		}
		peer.mu.Lock()
		handler := peer.frameHandler
		peer.mu.Unlock()
		if handler != nil {
			handler.Handle(frame)
		}
	}
	return nil
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(frameHandler can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frameHandler = frameHandler
	return nil
}

// SetReceiveOwn controls whether frames sent by this bus are also
// delivered back to its own subscriber.
func (b *Bus) SetReceiveOwn(receiveOwn bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiveOwn = receiveOwn
}
