package lssmaster

import "github.com/sirupsen/logrus"

// This file implements the Fastscan engine, §4.F: a binary search over
// the four 32-bit identity fields that identifies one still-unconfigured
// slave without a prior node-id or full LSS address, grounded on
// CO_LSSmaster_IdentifyFastscan and its Fs* helpers in the DSP-305
// reference implementation. Absence of a reply is read as a bit value,
// not treated as a failure, except in the Verify phase where it means
// the candidate slave dropped out. IdentifyFastscan takes mu for its
// whole body, same as the confirmed-service entry points in
// confirmed.go; every helper it calls assumes the lock is already held
// and releases it only around s.send.

const fastscanCheckBit = 0x80

// Fastscan identity sub-fields, in scan order.
const (
	fsVendor  = 0
	fsProduct = 1
	fsRev     = 2
	fsSerial  = 3
)

// fastscanPhase is the Fastscan engine's internal sub-state while
// pendingCommand == CommandFastscan.
type fastscanPhase uint8

const (
	fsPhaseCheck fastscanPhase = iota
	fsPhaseScan
	fsPhaseVerify
)

// fastscanState is the Session's private bookkeeping for one Fastscan
// run: which sub-field is being narrowed, how many bits remain, and the
// candidate value accumulated so far for that sub-field.
type fastscanState struct {
	phase       fastscanPhase
	accumulator uint32
	bitIndex    int
	subField    int
}

// FastscanDirective tells the engine how to resolve one identity
// sub-field during a scan.
type FastscanDirective uint8

const (
	// FastscanScanBits narrows the field bit-by-bit against the bus.
	FastscanScanBits FastscanDirective = iota
	// FastscanMatchValue skips scanning and verifies a caller-supplied
	// value directly.
	FastscanMatchValue
	// FastscanSkip omits the field from verification entirely (assumes
	// 0); at most two of the four fields may be skipped, and the
	// vendor field may never be skipped.
	FastscanSkip
)

// FastscanIO carries a single scan's per-field directives and
// caller-supplied match values in, and the identified address out. The
// same pointer is passed to every IdentifyFastscan call of one run.
type FastscanIO struct {
	Directive [4]FastscanDirective
	Match     LSSAddress
	Found     LSSAddress
}

func fastscanMatchValue(io *FastscanIO, field int) uint32 {
	switch field {
	case fsVendor:
		return io.Match.VendorId
	case fsProduct:
		return io.Match.ProductCode
	case fsRev:
		return io.Match.RevisionNumber
	default:
		return io.Match.SerialNumber
	}
}

func fastscanSetFound(io *FastscanIO, field int, value uint32) {
	switch field {
	case fsVendor:
		io.Found.VendorId = value
	case fsProduct:
		io.Found.ProductCode = value
	case fsRev:
		io.Found.RevisionNumber = value
	default:
		io.Found.SerialNumber = value
	}
}

// fastscanSearchNext returns the next sub-field after current that is
// not skipped, or fsVendor (0) if none remain; the caller can tell the
// two cases apart because current is always >= 0, so the loop never
// wraps back to a genuine "next field" of 0.
func fastscanSearchNext(io *FastscanIO, current int) int {
	for i := current + 1; i < 4; i++ {
		if io.Directive[i] != FastscanSkip {
			return i
		}
	}
	return fsVendor
}

// IdentifyFastscan drives one tick of the LSS Fastscan protocol,
// narrowing one sub-field's 32-bit value at a time via binary search and
// confirming each with a Verify round-trip before moving to the next,
// §4.F. Only legal from Waiting; on success the session moves to
// SelectedOne with the slave it found still selected.
func (s *Session) IdentifyFastscan(deltaUs uint32, io *FastscanIO) Status {
	if io == nil {
		return IllegalArgument
	}
	if io.Directive[fsVendor] == FastscanSkip {
		return IllegalArgument
	}
	skipped := 0
	for _, d := range io.Directive {
		if d == FastscanSkip {
			skipped++
		}
	}
	if skipped > 2 {
		return IllegalArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionState != StateWaiting ||
		(s.pendingCommand != CommandNone && s.pendingCommand != CommandFastscan) {
		return InvalidState
	}

	if s.pendingCommand == CommandNone {
		s.pendingCommand = CommandFastscan
		s.fastscan = fastscanState{phase: fsPhaseCheck}
		s.timeoutAcc.reset()
		s.clearMailbox()
		encodeFastscan(&s.txBuffer, 0, fastscanCheckBit, 0, 0)
		s.mu.Unlock()
		s.send(s.txBuffer)
		s.mu.Lock()
		return AwaitingSlave
	}

	var ret Status
	switch s.fastscan.phase {
	case fsPhaseCheck:
		ret = s.fsCheckWait(deltaUs)
		if ret == ScanFinished {
			s.logger.Info("[LSS] fastscan: check phase found a slave")
			io.Found = LSSAddress{}
			s.startScanForField(fsVendor, io)
			s.fastscan.phase = fsPhaseScan
			ret = AwaitingSlave
		}

	case fsPhaseScan:
		ret = s.fsScanStep(deltaUs, io)
		if ret == ScanFinished {
			s.logger.WithFields(logrus.Fields{"field": s.fastscan.subField, "value": s.fastscan.accumulator}).
				Info("[LSS] fastscan: scan phase resolved field")
			next := fastscanSearchNext(io, s.fastscan.subField)
			s.startVerifyForField(io, next)
			s.fastscan.phase = fsPhaseVerify
			ret = AwaitingSlave
		}

	case fsPhaseVerify:
		ret = s.fsVerifyStep(deltaUs, io)
		if ret == ScanFinished {
			s.logger.WithField("field", s.fastscan.subField).Info("[LSS] fastscan: verify round succeeded")
			fastscanSetFound(io, s.fastscan.subField, s.fastscan.accumulator)
			next := fastscanSearchNext(io, s.fastscan.subField)
			if next == fsVendor {
				s.sessionState = StateSelectedOne
				s.logger.WithField("address", io.Found).Info("[LSS] fastscan identified slave")
			} else {
				s.startScanForField(next, io)
				s.fastscan.phase = fsPhaseScan
				ret = AwaitingSlave
			}
		}
	}

	if ret.IsFinal() {
		s.pendingCommand = CommandNone
	}
	return ret
}

// fsCheckWait polls for the initial Check response: any slave still
// unconfigured and matching the all-wildcard mask acknowledges. Caller
// must hold mu.
func (s *Session) fsCheckWait(deltaUs uint32) Status {
	if !s.timeoutAcc.tick(deltaUs) {
		return AwaitingSlave
	}
	if data, ok := s.takeMailbox(); ok && data[0] == csFastscanAck {
		return ScanFinished
	}
	s.logger.WithField("pendingCommand", s.pendingCommand).Warn("[LSS] fastscan check: no slave answered")
	return ScanNoAck
}

// fsScanStep resolves the current sub-field's directive: Match needs no
// bus round-trip at all, Scan narrows it bit-by-bit. Caller must hold
// mu.
func (s *Session) fsScanStep(deltaUs uint32, io *FastscanIO) Status {
	if io.Directive[s.fastscan.subField] == FastscanMatchValue {
		return ScanFinished
	}
	return s.fsScanWait(deltaUs)
}

// fsScanWait polls for one bit's Scan response. A reply means the bit
// under test is correctly zero; silence means it must be set, per the
// Fastscan binary-search convention, §4.F. Caller must hold mu.
func (s *Session) fsScanWait(deltaUs uint32) Status {
	if !s.timeoutAcc.tick(deltaUs) {
		return AwaitingSlave
	}
	if data, ok := s.takeMailbox(); ok {
		if data[0] != csFastscanAck {
			s.logger.WithField("pendingCommand", s.pendingCommand).Warn("[LSS] fastscan scan: unexpected reply")
			return ScanFailed
		}
	} else {
		s.fastscan.accumulator |= 1 << uint(s.fastscan.bitIndex)
	}

	if s.fastscan.bitIndex == 0 {
		return ScanFinished
	}
	s.fastscan.bitIndex--
	s.timeoutAcc.reset()
	encodeFastscan(&s.txBuffer, s.fastscan.accumulator, byte(s.fastscan.bitIndex),
		byte(s.fastscan.subField), byte(s.fastscan.subField))
	s.mu.Unlock()
	s.send(s.txBuffer)
	s.mu.Lock()
	return AwaitingSlave
}

// fsVerifyStep guards against Verify ever running on a skipped field
// (the caller's directive table is validated up front, so this should
// be unreachable, but the original treats it as a hard failure too).
// Caller must hold mu.
func (s *Session) fsVerifyStep(deltaUs uint32, io *FastscanIO) Status {
	if io.Directive[s.fastscan.subField] == FastscanSkip {
		return ScanFailed
	}
	return s.fsVerifyWait(deltaUs)
}

// fsVerifyWait polls for the bitCheck==0 confirmation round. Unlike the
// Check and Scan phases, silence here means the candidate slave is no
// longer responding and the whole scan has failed, not that a bit is
// set. Caller must hold mu.
func (s *Session) fsVerifyWait(deltaUs uint32) Status {
	if !s.timeoutAcc.tick(deltaUs) {
		return AwaitingSlave
	}
	data, ok := s.takeMailbox()
	if !ok || data[0] != csFastscanAck {
		s.logger.WithField("pendingCommand", s.pendingCommand).Warn("[LSS] fastscan verify: candidate slave dropped out")
		return ScanFailed
	}
	return ScanFinished
}

// startScanForField begins narrowing field: for Scan it sends the first
// probe at the top bit; for Match it sends nothing, letting fsScanStep
// resolve it on the next call without a round-trip. Caller must hold
// mu.
func (s *Session) startScanForField(field int, io *FastscanIO) {
	s.fastscan.subField = field
	s.fastscan.accumulator = 0
	if io.Directive[field] != FastscanScanBits {
		return
	}
	s.fastscan.bitIndex = 31
	s.timeoutAcc.reset()
	encodeFastscan(&s.txBuffer, 0, byte(s.fastscan.bitIndex), byte(field), byte(field))
	s.mu.Unlock()
	s.send(s.txBuffer)
	s.mu.Lock()
}

// startVerifyForField sends the bitCheck==0 confirmation for the field
// just resolved, advertising next as the sub-field a matching slave
// should compare against afterwards. Caller must hold mu.
func (s *Session) startVerifyForField(io *FastscanIO, next int) {
	field := s.fastscan.subField
	if io.Directive[field] == FastscanMatchValue {
		s.fastscan.accumulator = fastscanMatchValue(io, field)
	}
	s.timeoutAcc.reset()
	encodeFastscan(&s.txBuffer, s.fastscan.accumulator, 0, byte(field), byte(next))
	s.mu.Unlock()
	s.send(s.txBuffer)
	s.mu.Lock()
}
