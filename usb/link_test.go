package usb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/link"
	"github.com/knxlib/go-knx/logger"
)

func newTestLogger() *logger.MockLogger {
	mockLogger := logger.NewMockLogger()
	mockLogger.On("Debug", mock.Anything, mock.Anything).Return()
	mockLogger.On("Info", mock.Anything, mock.Anything).Return()
	mockLogger.On("Warn", mock.Anything, mock.Anything).Return()
	mockLogger.On("Error", mock.Anything, mock.Anything).Return()
	return mockLogger
}

// fakeHID emulates a KNX USB interface behind the interrupt report pipe: it
// answers the feature handshake and device management requests, records
// tunnel traffic and can play back confirmations and indications.
type fakeHID struct {
	t *testing.T

	mu            sync.Mutex
	asm           assembler
	supported     byte
	active        []byte
	frames        []*transferFrame
	commModes     []byte
	propData      []byte
	silentFeature bool
	silentMgmt    bool
	echoCon       bool

	toHost    chan []byte
	readErr   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	failOnce  sync.Once
}

func newFakeHID(t *testing.T) *fakeHID {
	return &fakeHID{
		t:         t,
		supported: emiBitEMI1 | emiBitEMI2 | emiBitCEMI,
		toHost:    make(chan []byte, 32),
		readErr:   make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

func (f *fakeHID) Read(buf []byte) (int, error) {
	select {
	case report := <-f.toHost:
		return copy(buf, report), nil
	case <-f.readErr:
		return 0, errors.New("transfer failed")
	case <-f.closed:
		return 0, errors.New("device closed")
	}
}

func (f *fakeHID) Write(report []byte) (int, error) {
	select {
	case <-f.closed:
		return 0, errors.New("device closed")
	default:
	}

	f.mu.Lock()
	frame, err := f.asm.feed(report)
	f.mu.Unlock()
	if err != nil {
		f.t.Errorf("fake interface received a malformed report: %v", err)
		return len(report), nil
	}

	if frame != nil {
		f.handleFrame(frame)
	}
	return len(report), nil
}

func (f *fakeHID) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// breakPipe makes subsequent reads fail like a detached device.
func (f *fakeHID) breakPipe() {
	f.failOnce.Do(func() { close(f.readErr) })
}

func (f *fakeHID) handleFrame(frame *transferFrame) {
	switch frame.protocol {
	case protocolFeature:
		f.handleFeature(frame)
	case protocolTunnel:
		f.handleTunnel(frame)
	}
}

func (f *fakeHID) handleFeature(frame *transferFrame) {
	if len(frame.body) == 0 {
		return
	}

	switch frame.id {
	case featureGet:
		f.mu.Lock()
		silent := f.silentFeature
		supported := f.supported
		f.mu.Unlock()

		if silent || frame.body[0] != featureSupportedEMI {
			return
		}
		f.respond(protocolFeature, featureResponse, []byte{featureSupportedEMI, 0x00, supported})

	case featureSet:
		if len(frame.body) == 2 && frame.body[0] == featureActiveEMI {
			f.mu.Lock()
			f.active = append(f.active, frame.body[1])
			f.mu.Unlock()
		}
	}
}

func (f *fakeHID) handleTunnel(frame *transferFrame) {
	if len(frame.body) == 0 {
		return
	}

	var reply []byte
	replyID := frame.id

	f.mu.Lock()
	f.frames = append(f.frames, frame)

	switch cemi.MessageCode(frame.body[0]) {
	case cemi.PropWriteReq, cemi.PropReadReq:
		if f.silentMgmt {
			break
		}
		msg, err := cemi.Decode(frame.body)
		if err != nil {
			break
		}
		req := msg.(*cemi.DevMgmt)

		con := *req
		if req.MsgCode == cemi.PropWriteReq {
			con.MsgCode = cemi.PropWriteCon
			if req.PropertyID == cemi.PIDCommMode && len(req.Data) == 1 {
				f.commModes = append(f.commModes, req.Data[0])
			}
			con.Data = nil
		} else {
			con.MsgCode = cemi.PropReadCon
			con.Data = f.propData
		}
		reply, _ = con.ToBytes()

	case cemi.LDataReq: // 0x11 in cEMI and EMI2 alike
		if !f.echoCon {
			break
		}
		reply = append([]byte(nil), frame.body...)
		if frame.id == emiIDCEMI {
			reply[0] = byte(cemi.LDataCon)
		} else {
			reply[0] = cemi.EMILDataCon
		}
	}
	f.mu.Unlock()

	if reply != nil {
		f.respond(protocolTunnel, replyID, reply)
	}
}

func (f *fakeHID) respond(protocol, id byte, body []byte) {
	for _, report := range buildReports(protocol, id, body) {
		select {
		case f.toHost <- report:
		case <-f.closed:
			return
		}
	}
}

// push feeds a tunnel frame to the host.
func (f *fakeHID) push(emiID byte, body []byte) {
	f.respond(protocolTunnel, emiID, body)
}

func (f *fakeHID) setSupported(bits byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.supported = bits
}

func (f *fakeHID) setSilentFeature(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silentFeature = on
}

func (f *fakeHID) setEchoCon(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.echoCon = on
}

func (f *fakeHID) setPropData(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.propData = data
}

func (f *fakeHID) activeList() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.active...)
}

func (f *fakeHID) commModeList() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.commModes...)
}

// tunnelFrames returns the received tunnel frames starting with code.
func (f *fakeHID) tunnelFrames(code cemi.MessageCode) []*transferFrame {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*transferFrame
	for _, frame := range f.frames {
		if len(frame.body) > 0 && cemi.MessageCode(frame.body[0]) == code {
			out = append(out, frame)
		}
	}
	return out
}

type linkRecorder struct {
	mu     sync.Mutex
	inds   []cemi.Message
	cons   []cemi.Message
	closes []link.CloseEvent
}

func (l *linkRecorder) Indication(ev link.FrameEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inds = append(l.inds, ev.Frame)
}

func (l *linkRecorder) Confirmation(ev link.FrameEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cons = append(l.cons, ev.Frame)
}

func (l *linkRecorder) LinkClosed(ev link.CloseEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes = append(l.closes, ev)
}

func (l *linkRecorder) indList() []cemi.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]cemi.Message(nil), l.inds...)
}

func (l *linkRecorder) conCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cons)
}

func (l *linkRecorder) closeList() []link.CloseEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]link.CloseEvent(nil), l.closes...)
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func testDeviceAddr(t *testing.T) cemi.IndividualAddr {
	t.Helper()
	device, err := cemi.NewIndividualAddr(1, 1, 30)
	require.NoError(t, err)
	return device
}

func testGroupDst(t *testing.T) cemi.GroupAddr {
	t.Helper()
	dst, err := cemi.NewGroupAddr(1, 0, 1)
	require.NoError(t, err)
	return dst
}

func openTestLink(t *testing.T, fake *fakeHID, opts ...Option) *Link {
	t.Helper()

	cfg := newConfig(append([]Option{WithLogger(newTestLogger())}, opts...))
	l, err := newLink("test", fake, &link.TPSettings{Device: testDeviceAddr(t)}, cfg)
	require.NoError(t, err)
	t.Cleanup(l.Close)

	return l
}

func TestLink_OpenSelectsCEMI(t *testing.T) {
	fake := newFakeHID(t)
	l := openTestLink(t, fake)

	assert.True(t, l.IsOpen())
	assert.Equal(t, []byte{emiIDCEMI}, fake.activeList())

	// the cEMI server was switched into data link layer mode
	assert.Equal(t, []byte{cemi.CommModeDataLinkLayer}, fake.commModeList())
}

func TestLink_FallsBackToEMI2(t *testing.T) {
	fake := newFakeHID(t)
	fake.setSupported(emiBitEMI1 | emiBitEMI2)
	l := openTestLink(t, fake)

	assert.Equal(t, []byte{emiID2}, fake.activeList())
	assert.Empty(t, fake.commModeList())

	dst := testGroupDst(t)
	require.NoError(t, l.SendRequest(dst, cemi.PriorityLow, []byte{0x00, 0x81}))

	sent := fake.tunnelFrames(cemi.LDataReq)
	require.Len(t, sent, 1)
	assert.Equal(t, byte(emiID2), sent[0].id)

	frame, err := cemi.LDataFromEMI(sent[0].body)
	require.NoError(t, err)
	assert.Equal(t, l.Medium().DeviceAddr(), frame.Src)
	assert.Equal(t, dst, frame.Dst)
	assert.Equal(t, []byte{0x00, 0x81}, frame.TPDU)
}

func TestLink_SendDeliversConfirmation(t *testing.T) {
	fake := newFakeHID(t)
	fake.setEchoCon(true)
	l := openTestLink(t, fake)

	recorder := &linkRecorder{}
	l.AddListener(recorder)

	dst := testGroupDst(t)
	require.NoError(t, l.SendRequestWait(context.Background(), dst, cemi.PriorityLow, []byte{0x00, 0x81}))

	sent := fake.tunnelFrames(cemi.LDataReq)
	require.Len(t, sent, 1)
	assert.Equal(t, byte(emiIDCEMI), sent[0].id)

	msg, err := cemi.Decode(sent[0].body)
	require.NoError(t, err)
	frame, ok := msg.(*cemi.LData)
	require.True(t, ok)
	assert.Equal(t, l.Medium().DeviceAddr(), frame.Src)
	assert.Equal(t, dst, frame.Dst)
	assert.Equal(t, []byte{0x00, 0x81}, frame.TPDU)

	require.True(t, waitFor(t, time.Second, func() bool { return recorder.conCount() == 1 }))
}

func TestLink_LargePayloadSpansReports(t *testing.T) {
	fake := newFakeHID(t)
	l := openTestLink(t, fake)

	tpdu := make([]byte, 80)
	for i := range tpdu {
		tpdu[i] = byte(i)
	}

	require.NoError(t, l.SendRequest(testGroupDst(t), cemi.PriorityLow, tpdu))

	sent := fake.tunnelFrames(cemi.LDataReq)
	require.Len(t, sent, 1)

	msg, err := cemi.Decode(sent[0].body)
	require.NoError(t, err)
	assert.Equal(t, tpdu, msg.(*cemi.LData).TPDU)
}

func TestLink_Indication(t *testing.T) {
	fake := newFakeHID(t)
	l := openTestLink(t, fake)

	recorder := &linkRecorder{}
	l.AddListener(recorder)

	src, err := cemi.NewIndividualAddr(1, 1, 4)
	require.NoError(t, err)
	dst := testGroupDst(t)

	data, err := (&cemi.LData{
		MsgCode:  cemi.LDataInd,
		Priority: cemi.PriorityNormal,
		Src:      src,
		Dst:      dst,
		HopCount: 6,
		TPDU:     []byte{0x00, 0x80},
	}).ToBytes()
	require.NoError(t, err)

	fake.push(emiIDCEMI, data)

	require.True(t, waitFor(t, time.Second, func() bool { return len(recorder.indList()) == 1 }))
	ind, ok := recorder.indList()[0].(*cemi.LData)
	require.True(t, ok)
	assert.Equal(t, cemi.LDataInd, ind.MsgCode)
	assert.Equal(t, src, ind.Src)
	assert.Equal(t, dst, ind.Dst)
	assert.Equal(t, []byte{0x00, 0x80}, ind.TPDU)
}

func TestLink_PropertyRead(t *testing.T) {
	fake := newFakeHID(t)
	fake.setPropData([]byte{0x07})
	l := openTestLink(t, fake)

	data, ok, err := l.Properties().ReadProperty(context.Background(),
		cemi.ObjectTypeCEMIServer, 1, cemi.PIDMediumType, 1, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0x07}, data)
}

func TestLink_NoUsableEMI(t *testing.T) {
	fake := newFakeHID(t)
	fake.setSupported(0)

	cfg := newConfig([]Option{WithLogger(newTestLogger())})
	_, err := newLink("test", fake, &link.TPSettings{Device: testDeviceAddr(t)}, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestLink_FeatureTimeout(t *testing.T) {
	fake := newFakeHID(t)
	fake.setSilentFeature(true)

	cfg := newConfig([]Option{
		WithLogger(newTestLogger()),
		WithResponseTimeout(50 * time.Millisecond),
	})
	_, err := newLink("test", fake, &link.TPSettings{Device: testDeviceAddr(t)}, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestLink_ReadErrorClosesLink(t *testing.T) {
	fake := newFakeHID(t)
	l := openTestLink(t, fake)

	recorder := &linkRecorder{}
	l.AddListener(recorder)

	fake.breakPipe()

	require.True(t, waitFor(t, time.Second, func() bool { return len(recorder.closeList()) == 1 }))
	assert.Equal(t, link.InitiatorInternal, recorder.closeList()[0].Initiator)
	assert.False(t, l.IsOpen())
}

func TestLink_CloseTwice(t *testing.T) {
	fake := newFakeHID(t)
	l := openTestLink(t, fake)

	recorder := &linkRecorder{}
	l.AddListener(recorder)

	l.Close()
	l.Close()

	assert.False(t, l.IsOpen())

	require.True(t, waitFor(t, time.Second, func() bool { return len(recorder.closeList()) == 1 }))
	assert.Equal(t, link.InitiatorUser, recorder.closeList()[0].Initiator)
}

type monRecorder struct {
	mu   sync.Mutex
	inds []cemi.Message
}

func (l *monRecorder) Indication(ev link.FrameEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inds = append(l.inds, ev.Frame)
}

func (l *monRecorder) LinkClosed(link.CloseEvent) {}

func (l *monRecorder) indList() []cemi.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]cemi.Message(nil), l.inds...)
}

func TestMonitor_Busmonitor(t *testing.T) {
	fake := newFakeHID(t)

	cfg := newConfig([]Option{WithLogger(newTestLogger())})
	mon, err := newMonitor("test", fake, cfg)
	require.NoError(t, err)
	t.Cleanup(mon.Close)

	assert.True(t, mon.IsOpen())
	assert.Equal(t, []byte{emiIDCEMI}, fake.activeList())
	assert.Equal(t, []byte{cemi.CommModeBusmonitor}, fake.commModeList())

	recorder := &monRecorder{}
	mon.AddListener(recorder)

	raw := []byte{0xBC, 0x11, 0x04, 0x08, 0x01, 0xE1, 0x00, 0x81, 0x3F}
	data, err := cemi.NewBusmon(0, 0x1234, raw).ToBytes()
	require.NoError(t, err)

	fake.push(emiIDCEMI, data)

	require.True(t, waitFor(t, time.Second, func() bool { return len(recorder.indList()) == 1 }))
	ind, ok := recorder.indList()[0].(*cemi.Busmon)
	require.True(t, ok)
	assert.Equal(t, raw, ind.RawFrame)

	// closing restores normal operation
	mon.Close()
	assert.Equal(t, []byte{cemi.CommModeBusmonitor, cemi.CommModeDataLinkLayer}, fake.commModeList())
}

func TestMonitor_RequiresCEMI(t *testing.T) {
	fake := newFakeHID(t)
	fake.setSupported(emiBitEMI1 | emiBitEMI2)

	cfg := newConfig([]Option{WithLogger(newTestLogger())})
	_, err := newMonitor("test", fake, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupported)
}
