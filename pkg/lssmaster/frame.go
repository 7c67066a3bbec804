package lssmaster

import (
	"encoding/binary"

	can "github.com/canopen-lss/lssmaster/pkg/can"
)

// All LSS frames are 8 bytes wide, multi-byte fields big-endian on the
// wire. These helpers build the master's outgoing txBuffer in place and
// decode the bytes of an incoming frame; they never allocate.

func putUint32BE(data *[8]byte, offset int, v uint32) {
	binary.BigEndian.PutUint32(data[offset:offset+4], v)
}

func getUint32BE(data [8]byte, offset int) uint32 {
	return binary.BigEndian.Uint32(data[offset : offset+4])
}

func putUint16BE(data *[8]byte, offset int, v uint16) {
	binary.BigEndian.PutUint16(data[offset:offset+2], v)
}

func clearFrame(data *[8]byte) {
	*data = [8]byte{}
}

func encodeSwitchStateGlobal(data *[8]byte, mode byte) {
	clearFrame(data)
	data[0] = csSwitchStateGlobal
	data[1] = mode
}

func encodeSwitchStateSelective(data *[8]byte, cs byte, field uint32) {
	clearFrame(data)
	data[0] = cs
	putUint32BE(data, 1, field)
}

func encodeConfigureNodeId(data *[8]byte, nodeId uint8) {
	clearFrame(data)
	data[0] = csConfigureNodeId
	data[1] = nodeId
}

func encodeConfigureBitTiming(data *[8]byte, tableIdx byte) {
	clearFrame(data)
	data[0] = csConfigureBitTiming
	data[1] = 0
	data[2] = tableIdx
}

func encodeActivateBitTiming(data *[8]byte, switchDelayMs uint16) {
	clearFrame(data)
	data[0] = csActivateBitTiming
	putUint16BE(data, 1, switchDelayMs)
}

func encodeConfigureStore(data *[8]byte) {
	clearFrame(data)
	data[0] = csConfigureStore
}

func encodeInquire(data *[8]byte, cs byte) {
	clearFrame(data)
	data[0] = cs
}

func encodeFastscan(data *[8]byte, idNumber uint32, bitCheck, lssSub, lssNext byte) {
	clearFrame(data)
	data[0] = csFastscan
	putUint32BE(data, 1, idNumber)
	data[5] = bitCheck
	data[6] = lssSub
	data[7] = lssNext
}

// toFrame wraps 8 frame bytes in an 8-byte can.Frame addressed to
// canId.
func toFrame(canId uint32, data [8]byte) can.Frame {
	frame := can.NewFrame(canId, 0, 8)
	frame.Data = data
	return frame
}
