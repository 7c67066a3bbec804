package lssmaster

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	can "github.com/canopen-lss/lssmaster/pkg/can"
)

func allScan() [4]FastscanDirective {
	return [4]FastscanDirective{FastscanScanBits, FastscanScanBits, FastscanScanBits, FastscanScanBits}
}

// scanningSlave answers Fastscan frames as a single real slave at addr
// would: it acknowledges Check, acknowledges a Scan probe only when the
// candidate bit under test already matches its own value, and
// acknowledges Verify only when the full accumulated value matches.
type scanningSlave struct {
	addr LSSAddress
}

func fieldValue(addr LSSAddress, field int) uint32 {
	switch field {
	case fsVendor:
		return addr.VendorId
	case fsProduct:
		return addr.ProductCode
	case fsRev:
		return addr.RevisionNumber
	default:
		return addr.SerialNumber
	}
}

func (sl *scanningSlave) reply(frame can.Frame) (can.Frame, bool) {
	data := frame.Data
	if data[0] != csFastscan {
		return can.Frame{}, false
	}
	idNumber := getUint32BE(data, 1)
	bitCheck := data[5]
	sub := int(data[6])

	if bitCheck == fastscanCheckBit {
		return toFrame(0, [8]byte{csFastscanAck}), true
	}
	if bitCheck == 0 {
		if idNumber == fieldValue(sl.addr, sub) {
			return toFrame(0, [8]byte{csFastscanAck}), true
		}
		return can.Frame{}, false
	}

	want := fieldValue(sl.addr, sub) >> bitCheck
	have := idNumber >> bitCheck
	if want == have {
		return toFrame(0, [8]byte{csFastscanAck}), true
	}
	return can.Frame{}, false
}

// S2 — Fastscan single slave.
func TestFastscanSingleSlave(t *testing.T) {
	target := LSSAddress{VendorId: 1, ProductCode: 2, RevisionNumber: 3, SerialNumber: 4}
	slave := &scanningSlave{addr: target}
	bus := &fakeBus{reply: slave.reply}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s := &Session{}
	require.NoError(t, s.Init(bus, 50, 0, 0, logger))

	fsio := &FastscanIO{Directive: allScan()}
	var status Status
	for i := 0; i < 1000; i++ {
		status = s.IdentifyFastscan(50_000, fsio)
		if status.IsFinal() {
			break
		}
	}

	require.Equal(t, ScanFinished, status)
	require.Equal(t, target, fsio.Found)
	require.Equal(t, StateSelectedOne, s.State())
	require.Equal(t, CommandNone, s.pendingCommand)
}

// S3 — Fastscan absent: nothing answers the Check frame.
func TestFastscanAbsent(t *testing.T) {
	bus := &fakeBus{}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s := &Session{}
	require.NoError(t, s.Init(bus, 10, 0, 0, logger))

	fsio := &FastscanIO{Directive: allScan()}
	status := s.IdentifyFastscan(0, fsio)
	require.Equal(t, AwaitingSlave, status)

	status = s.IdentifyFastscan(10_000, fsio)
	require.Equal(t, ScanNoAck, status)
	require.Equal(t, CommandNone, s.pendingCommand)
	require.Equal(t, StateWaiting, s.State())
}

// Invariant 4 — Fastscan round-trip with a Skip and a Match directive.
func TestFastscanWithMatchAndSkip(t *testing.T) {
	target := LSSAddress{VendorId: 0xAB, ProductCode: 0x1234, RevisionNumber: 7, SerialNumber: 99}
	slave := &scanningSlave{addr: target}
	bus := &fakeBus{reply: slave.reply}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s := &Session{}
	require.NoError(t, s.Init(bus, 10, 0, 0, logger))

	fsio := &FastscanIO{
		Directive: [4]FastscanDirective{
			FastscanScanBits,
			FastscanMatchValue,
			FastscanSkip,
			FastscanScanBits,
		},
		Match: LSSAddress{ProductCode: target.ProductCode},
	}

	var status Status
	for i := 0; i < 1000; i++ {
		status = s.IdentifyFastscan(10_000, fsio)
		if status.IsFinal() {
			break
		}
	}

	require.Equal(t, ScanFinished, status)
	require.Equal(t, target.VendorId, fsio.Found.VendorId)
	require.Equal(t, target.ProductCode, fsio.Found.ProductCode)
	require.Equal(t, uint32(0), fsio.Found.RevisionNumber, "skipped field is left at zero")
	require.Equal(t, target.SerialNumber, fsio.Found.SerialNumber)
}

// Fastscan rejects directive vectors that skip the vendor field or
// skip more than two fields, per §4.F, without sending anything.
func TestFastscanRejectsInvalidDirectives(t *testing.T) {
	bus := &fakeBus{}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s := &Session{}
	require.NoError(t, s.Init(bus, 10, 0, 0, logger))

	fsio := &FastscanIO{Directive: [4]FastscanDirective{FastscanSkip, FastscanScanBits, FastscanScanBits, FastscanScanBits}}
	require.Equal(t, IllegalArgument, s.IdentifyFastscan(0, fsio))

	fsio = &FastscanIO{Directive: [4]FastscanDirective{FastscanScanBits, FastscanSkip, FastscanSkip, FastscanSkip}}
	require.Equal(t, IllegalArgument, s.IdentifyFastscan(0, fsio))

	require.Empty(t, bus.sent)
}
