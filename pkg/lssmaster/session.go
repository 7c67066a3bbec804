package lssmaster

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	can "github.com/canopen-lss/lssmaster/pkg/can"
)

// DefaultTimeout is used when Init is called with timeoutMs == 0.
const DefaultTimeout = 1000 * time.Millisecond

// WakeSignal is an optional host callback invoked from the CAN receive
// path to wake a blocked host task, §4.G. It must not block.
type WakeSignal func()

// Session is the process-wide mutable LSS master record for one CAN
// interface, §3. It is caller-owned, reusable, and has no destructor
// beyond detaching its receive subscription.
//
// Handle runs on whatever goroutine the CAN backend delivers frames on,
// possibly concurrently with whatever goroutine polls the host entry
// points (SwitchStateSelective, ConfigureNodeId, IdentifyFastscan, ...).
// mu guards every field both sides touch — sessionState, pendingCommand,
// timeoutAcc, txBuffer, and the receive mailbox — mirroring how
// nmt.NMT guards its whole Process/Handle pair with one mutex. A host
// entry point takes mu for its entire body and only releases it around
// the one call that reaches outside the struct, bus.Send, exactly where
// NMT.Process releases its own lock around Send.
type Session struct {
	logger *logrus.Logger

	bus         can.Bus
	masterCanId uint32
	slaveCanId  uint32

	mu             sync.Mutex
	sessionState   SessionState
	pendingCommand PendingCommand
	timeoutAcc     timeoutAccumulator
	rxMailbox      [8]byte
	rxNew          bool
	wakeSignal     WakeSignal
	droppedFrames  uint64
	lastErrorCode  byte

	txBuffer [8]byte

	fastscan fastscanState
}

// Init binds the session to a CAN bus and a pair of LSS identifiers,
// clears it to Waiting/None, and subscribes the receive callback, §4.A.
// masterCanId/slaveCanId default to the CiA values (0x7E5/0x7E4) when
// passed as zero.
func (s *Session) Init(bus can.Bus, timeoutMs uint16, masterCanId, slaveCanId uint32, logger *logrus.Logger) error {
	if bus == nil {
		return IllegalArgument
	}
	if masterCanId == 0 {
		masterCanId = DefaultMasterCanId
	}
	if slaveCanId == 0 {
		slaveCanId = DefaultSlaveCanId
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s.mu.Lock()
	s.bus = bus
	s.masterCanId = masterCanId & canIdMask
	s.slaveCanId = slaveCanId & canIdMask
	s.logger = logger
	s.sessionState = StateWaiting
	s.pendingCommand = CommandNone
	s.timeoutAcc = timeoutAccumulator{windowUs: uint32(timeoutMs) * 1000}
	if s.timeoutAcc.windowUs == 0 {
		s.timeoutAcc.windowUs = uint32(DefaultTimeout / time.Microsecond)
	}
	s.rxNew = false
	s.rxMailbox = [8]byte{}
	s.droppedFrames = 0
	s.mu.Unlock()

	return s.bus.Subscribe(s)
}

// SetTimeout live-updates the confirmed-service reply window.
func (s *Session) SetTimeout(timeoutMs uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeoutAcc.windowUs = uint32(timeoutMs) * 1000
}

// SetWakeSignal installs the optional host-wake callback fired by the
// receive path whenever it accepts a frame, §4.G.
func (s *Session) SetWakeSignal(wake WakeSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakeSignal = wake
}

// DroppedFrames returns the number of received frames the callback
// declined to accept (mailbox full, short frame, or no pending
// command), per the receive-drop diagnostic recommended in spec §9.
func (s *Session) DroppedFrames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedFrames
}

// State returns the current top-level session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionState
}

// LastErrorCode returns the error-code byte of the most recent
// OkIllegalArg confirm. A configuration service's illegal-argument
// outcome is preserved verbatim rather than collapsed to a single
// status value, per the vendor-diagnostics requirement in §3.
func (s *Session) LastErrorCode() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErrorCode
}

// Handle implements can.FrameListener. It is invoked from the CAN
// driver's receive path, possibly on a different goroutine than the
// one polling the host entry points. Only 8-byte frames are considered;
// a frame is accepted into the single-slot mailbox only while a
// confirmed command is outstanding and the slot is empty, §4.A, §5.
func (s *Session) Handle(frame can.Frame) {
	if frame.DLC != 8 {
		s.mu.Lock()
		s.droppedFrames++
		s.mu.Unlock()
		s.logger.WithField("dlc", frame.DLC).Warn("[LSS] dropped short slave frame")
		return
	}

	s.mu.Lock()
	pending := s.pendingCommand
	accept := pending != CommandNone && !s.rxNew
	if accept {
		s.rxMailbox = frame.Data
		s.rxNew = true
	} else {
		s.droppedFrames++
	}
	wake := s.wakeSignal
	s.mu.Unlock()

	if accept && wake != nil {
		wake()
	} else if !accept {
		s.logger.WithFields(logrus.Fields{
			"pendingCommand": pending,
			"cs":             frame.Data[0],
		}).Warn("[LSS] dropped slave frame")
	}
}

// takeMailbox atomically reads and clears the mailbox flag. ok is false
// if no frame was pending. Callers must hold mu.
func (s *Session) takeMailbox() (data [8]byte, ok bool) {
	if !s.rxNew {
		return data, false
	}
	data = s.rxMailbox
	s.rxNew = false
	return data, true
}

// clearMailbox discards any pending reply. Callers must hold mu.
func (s *Session) clearMailbox() {
	s.rxNew = false
}

// send transmits data as a frame addressed to the master's outgoing CAN
// id. Callers must release mu before calling send and reacquire it
// afterwards, since the bus may deliver the frame synchronously back
// into Handle on the same goroutine.
func (s *Session) send(data [8]byte) {
	frame := toFrame(s.masterCanId, data)
	if err := s.bus.Send(frame); err != nil {
		s.logger.WithError(err).Warn("[LSS] failed to send frame")
	}
}

// finishCommand clears pendingCommand; on an error worse than Ok*, the
// session falls back to Waiting per §7's propagation policy. Callers
// must hold mu.
func (s *Session) finishCommand(status Status) {
	s.pendingCommand = CommandNone
	if status != Ok && status != OkManufacturer && status != OkIllegalArg && status != AwaitingSlave {
		s.sessionState = StateWaiting
	}
}

// Deselect unconditionally sends the global "switch to Waiting" frame
// (non-confirmed) and force-resets the session to Waiting/None. This is
// the only escape hatch from a stuck state and is always safe, §5.
func (s *Session) Deselect() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessionState = StateWaiting
	s.pendingCommand = CommandNone
	s.timeoutAcc.reset()
	s.clearMailbox()

	encodeSwitchStateGlobal(&s.txBuffer, modeWaiting)
	s.mu.Unlock()
	s.send(s.txBuffer)
	s.mu.Lock()

	s.logger.Debug("[LSS] deselect: state -> WAITING")
	return Ok
}
