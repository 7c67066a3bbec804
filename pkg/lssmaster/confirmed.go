package lssmaster

// This file implements the confirmed-service engine, §4.E: each
// exported method is polled by the host on every tick and drives both
// the initial emission and the subsequent wait through the same
// function, keyed on pendingCommand. Every exported method takes mu
// for its whole body; the private *Wait/*Config helpers below assume
// the caller already holds it and release it only around s.send.

// InquireField selects which 32-bit identity field Inquire fetches.
type InquireField uint8

const (
	InquireVendor InquireField = iota
	InquireProduct
	InquireRevision
	InquireSerial
)

func inquireCs(field InquireField) (byte, bool) {
	switch field {
	case InquireVendor:
		return csInquireVendor, true
	case InquireProduct:
		return csInquireProduct, true
	case InquireRevision:
		return csInquireRev, true
	case InquireSerial:
		return csInquireSerial, true
	default:
		return 0, false
	}
}

// switchStateSelectWait polls for the csSwitchStateSelResult
// confirmation, §4.D. Caller must hold mu.
func (s *Session) switchStateSelectWait(deltaUs uint32) Status {
	data, ok := s.takeMailbox()
	if !ok {
		if s.timeoutAcc.tick(deltaUs) {
			s.warnTimeout()
			return Timeout
		}
		return AwaitingSlave
	}
	if data[0] != csSwitchStateSelResult {
		if s.timeoutAcc.tick(deltaUs) {
			s.warnTimeout()
			return Timeout
		}
		return AwaitingSlave
	}
	return Ok
}

// configureCheckWait polls for a configuration confirm carrying an
// error-code byte, §4.B. Caller must hold mu.
func (s *Session) configureCheckWait(deltaUs uint32, expectedCs byte) Status {
	data, ok := s.takeMailbox()
	if !ok {
		if s.timeoutAcc.tick(deltaUs) {
			s.warnTimeout()
			return Timeout
		}
		return AwaitingSlave
	}
	if data[0] != expectedCs {
		if s.timeoutAcc.tick(deltaUs) {
			s.warnTimeout()
			return Timeout
		}
		return AwaitingSlave
	}
	switch data[1] {
	case configOk:
		return Ok
	case configManufacturer:
		return OkManufacturer
	default:
		s.lastErrorCode = data[1]
		return OkIllegalArg
	}
}

// inquireCheckWait polls for an inquire reply carrying a 32-bit value.
// Caller must hold mu.
func (s *Session) inquireCheckWait(deltaUs uint32, expectedCs byte, out *uint32) Status {
	data, ok := s.takeMailbox()
	if !ok {
		if s.timeoutAcc.tick(deltaUs) {
			s.warnTimeout()
			return Timeout
		}
		return AwaitingSlave
	}
	if data[0] != expectedCs {
		if s.timeoutAcc.tick(deltaUs) {
			s.warnTimeout()
			return Timeout
		}
		return AwaitingSlave
	}
	*out = getUint32BE(data, 1)
	return Ok
}

// warnTimeout logs the pending command that just timed out, §4.J.
// Caller must hold mu.
func (s *Session) warnTimeout() {
	s.logger.WithField("pendingCommand", s.pendingCommand).Warn("[LSS] confirmed service timed out")
}

// SwitchStateSelective switches exactly one slave into configuration
// mode by its LSS address (confirmed), or all slaves when addr is nil
// (non-confirmed, completes synchronously), §4.D, §9 design note on
// modeling "operate globally" as an explicit optional value.
func (s *Session) SwitchStateSelective(deltaUs uint32, addr *LSSAddress) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if addr == nil {
		return s.switchStateGlobalConfig()
	}

	if s.pendingCommand == CommandNone {
		if s.sessionState != StateWaiting {
			return InvalidState
		}
		s.pendingCommand = CommandSwitchState
		s.timeoutAcc.reset()
		s.clearMailbox()
		encodeSwitchStateSelective(&s.txBuffer, csSwitchStateSelVendor, addr.VendorId)
		s.mu.Unlock()
		s.send(s.txBuffer)
		s.mu.Lock()
		encodeSwitchStateSelective(&s.txBuffer, csSwitchStateSelProduct, addr.ProductCode)
		s.mu.Unlock()
		s.send(s.txBuffer)
		s.mu.Lock()
		encodeSwitchStateSelective(&s.txBuffer, csSwitchStateSelRev, addr.RevisionNumber)
		s.mu.Unlock()
		s.send(s.txBuffer)
		s.mu.Lock()
		encodeSwitchStateSelective(&s.txBuffer, csSwitchStateSelSerial, addr.SerialNumber)
		s.mu.Unlock()
		s.send(s.txBuffer)
		s.mu.Lock()
		return AwaitingSlave
	}

	if s.pendingCommand != CommandSwitchState {
		return InvalidState
	}
	status := s.switchStateSelectWait(deltaUs)
	if status.IsFinal() {
		if status == Ok {
			s.sessionState = StateSelectedOne
			s.logger.Debug("[LSS] state -> SELECTED_ONE")
		}
		s.finishCommand(status)
	}
	return status
}

// switchStateGlobalConfig sends the non-confirmed global switch into
// configuration mode; only legal from Waiting. Caller must hold mu.
func (s *Session) switchStateGlobalConfig() Status {
	if s.pendingCommand != CommandNone || s.sessionState != StateWaiting {
		return InvalidState
	}
	encodeSwitchStateGlobal(&s.txBuffer, modeConfiguration)
	s.mu.Unlock()
	s.send(s.txBuffer)
	s.mu.Lock()
	s.sessionState = StateGlobalConfig
	s.logger.Debug("[LSS] state -> GLOBAL_CONFIG")
	return Ok
}

// ConfigureNodeId requests the currently selected slave to adopt
// nodeId. In global configuration mode only un-configuring
// (nodeId == NodeIdUnconfigured) is allowed, sent to all slaves, so a
// network can be reset to "all unconfigured" in one broadcast.
func (s *Session) ConfigureNodeId(deltaUs uint32, nodeId uint8) Status {
	if !validNodeId(nodeId) {
		return IllegalArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingCommand == CommandNone {
		allowed := s.sessionState == StateSelectedOne ||
			(s.sessionState == StateGlobalConfig && nodeId == NodeIdUnconfigured)
		if !allowed {
			return InvalidState
		}
		s.pendingCommand = CommandCfgNodeId
		s.timeoutAcc.reset()
		s.clearMailbox()
		encodeConfigureNodeId(&s.txBuffer, nodeId)
		s.mu.Unlock()
		s.send(s.txBuffer)
		s.mu.Lock()
		return AwaitingSlave
	}

	if s.pendingCommand != CommandCfgNodeId {
		return InvalidState
	}
	status := s.configureCheckWait(deltaUs, csConfigureNodeId)
	if status.IsFinal() {
		s.finishCommand(status)
	}
	return status
}

// ConfigureBitTiming requests the selected slave to adopt the given
// bit rate (kbit/s, per the DSP-305 table in §6); 0 means "auto".
func (s *Session) ConfigureBitTiming(deltaUs uint32, kbit int) Status {
	tableIdx, ok := lookupBitTiming(kbit)
	if !ok {
		return IllegalArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingCommand == CommandNone {
		if s.sessionState != StateSelectedOne {
			return InvalidState
		}
		s.pendingCommand = CommandCfgBitTiming
		s.timeoutAcc.reset()
		s.clearMailbox()
		encodeConfigureBitTiming(&s.txBuffer, tableIdx)
		s.mu.Unlock()
		s.send(s.txBuffer)
		s.mu.Lock()
		return AwaitingSlave
	}

	if s.pendingCommand != CommandCfgBitTiming {
		return InvalidState
	}
	status := s.configureCheckWait(deltaUs, csConfigureBitTiming)
	if status.IsFinal() {
		s.finishCommand(status)
	}
	return status
}

// ConfigureStore requests the selected slave to persist its pending
// node-id and bit-timing to non-volatile storage.
func (s *Session) ConfigureStore(deltaUs uint32) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingCommand == CommandNone {
		if s.sessionState != StateSelectedOne {
			return InvalidState
		}
		s.pendingCommand = CommandCfgStore
		s.timeoutAcc.reset()
		s.clearMailbox()
		encodeConfigureStore(&s.txBuffer)
		s.mu.Unlock()
		s.send(s.txBuffer)
		s.mu.Lock()
		return AwaitingSlave
	}

	if s.pendingCommand != CommandCfgStore {
		return InvalidState
	}
	status := s.configureCheckWait(deltaUs, csConfigureStore)
	if status.IsFinal() {
		s.finishCommand(status)
	}
	return status
}

// ActivateBitTiming broadcasts the non-confirmed request for all
// slaves in configuration mode to switch over to their newly
// configured bit rate after switchDelayMs. Only legal in
// GlobalConfig, so a single still-selected slave cannot be switched
// off the bus by accident.
func (s *Session) ActivateBitTiming(switchDelayMs uint16) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingCommand != CommandNone || s.sessionState != StateGlobalConfig {
		return InvalidState
	}
	encodeActivateBitTiming(&s.txBuffer, switchDelayMs)
	s.mu.Unlock()
	s.send(s.txBuffer)
	s.mu.Lock()
	return Ok
}

// Inquire fetches a single 32-bit identity field from the selected
// slave.
func (s *Session) Inquire(deltaUs uint32, field InquireField, out *uint32) Status {
	if out == nil {
		return IllegalArgument
	}
	cs, ok := inquireCs(field)
	if !ok {
		return IllegalArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingCommand == CommandNone {
		if s.sessionState != StateSelectedOne {
			return InvalidState
		}
		s.pendingCommand = CommandInquireGeneric
		s.timeoutAcc.reset()
		s.clearMailbox()
		encodeInquire(&s.txBuffer, cs)
		s.mu.Unlock()
		s.send(s.txBuffer)
		s.mu.Lock()
		return AwaitingSlave
	}

	if s.pendingCommand != CommandInquireGeneric {
		return InvalidState
	}
	status := s.inquireCheckWait(deltaUs, cs, out)
	if status.IsFinal() {
		s.finishCommand(status)
	}
	return status
}

// InquireLSSAddress composes the four inquire sub-services (vendor,
// product, revision, serial) in order, populating out as each
// succeeds. The caller polls with the same *out across calls until a
// final status is returned.
func (s *Session) InquireLSSAddress(deltaUs uint32, out *LSSAddress) Status {
	if out == nil {
		return IllegalArgument
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingCommand == CommandNone {
		if s.sessionState != StateSelectedOne {
			return InvalidState
		}
		s.pendingCommand = CommandInquireVendor
		s.timeoutAcc.reset()
		s.clearMailbox()
		encodeInquire(&s.txBuffer, csInquireVendor)
		s.mu.Unlock()
		s.send(s.txBuffer)
		s.mu.Lock()
		return AwaitingSlave
	}

	switch s.pendingCommand {
	case CommandInquireVendor:
		status := s.inquireCheckWait(deltaUs, csInquireVendor, &out.VendorId)
		return s.advanceInquireAddress(status, CommandInquireProduct, csInquireProduct)
	case CommandInquireProduct:
		status := s.inquireCheckWait(deltaUs, csInquireProduct, &out.ProductCode)
		return s.advanceInquireAddress(status, CommandInquireRev, csInquireRev)
	case CommandInquireRev:
		status := s.inquireCheckWait(deltaUs, csInquireRev, &out.RevisionNumber)
		return s.advanceInquireAddress(status, CommandInquireSerial, csInquireSerial)
	case CommandInquireSerial:
		status := s.inquireCheckWait(deltaUs, csInquireSerial, &out.SerialNumber)
		if status.IsFinal() {
			s.finishCommand(status)
		}
		return status
	default:
		return InvalidState
	}
}

// advanceInquireAddress moves InquireLSSAddress on to the next
// sub-field once the current one confirms. Caller must hold mu.
func (s *Session) advanceInquireAddress(status Status, next PendingCommand, nextCs byte) Status {
	if status == AwaitingSlave {
		return AwaitingSlave
	}
	if status != Ok {
		s.finishCommand(status)
		return status
	}
	s.pendingCommand = next
	s.timeoutAcc.reset()
	encodeInquire(&s.txBuffer, nextCs)
	s.mu.Unlock()
	s.send(s.txBuffer)
	s.mu.Lock()
	return AwaitingSlave
}
