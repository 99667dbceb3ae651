package knxipintegration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/knxlib/go-knx/cemi"
	"github.com/knxlib/go-knx/connector"
	"github.com/knxlib/go-knx/knxip"
	"github.com/knxlib/go-knx/link"
)

// TestGatewayDisconnect_Reconnect verifies that a server initiated
// disconnect is healed by the connector and that the replacement link
// carries the listeners of the old one.
//
// Timeline:
//  1. Client connects, gateway grants channel 1
//  2. Gateway sends DISCONNECT_REQUEST; the client acknowledges and the
//     listener observes a server initiated close
//  3. Client sends a confirmed group write, which rides the reconnect:
//     the gateway grants channel 2 and serves the write there
//  4. Gateway pushes an L_Data.ind on channel 2, which reaches the
//     listener registered before the disconnect
//  5. Client closes; the gateway answers the DISCONNECT_REQUEST
func TestGatewayDisconnect_Reconnect(t *testing.T) {
	require := require.New(t)

	gw := newRawGateway(t)
	peerErrCh := make(chan error, 1)
	// Closed once the listener is registered, so the gateway does not kick
	// the connection before anyone is watching.
	kick := make(chan struct{})

	go func() {
		peerErrCh <- runReconnectGateway(gw, kick)
	}()

	conn, err := connector.New(func() (link.NetworkLink, error) {
		return knxip.NewTunnel(gw.endpoint(), nil,
			knxip.WithConnectTimeout(2*time.Second),
			knxip.WithAckTimeout(time.Second),
		)
	}, connector.WithReconnectDelay(50*time.Millisecond))
	require.NoError(err)
	defer conn.Close()

	collector := newFrameCollector()
	conn.AddListener(collector)
	close(kick)

	// The gateway kicked the first channel.
	select {
	case ev := <-collector.closes:
		require.Equal(link.InitiatorServer, ev.Initiator)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the server disconnect")
	}

	// The write triggers or joins the reconnect and is served on the new
	// channel.
	dst, err := cemi.ParseGroupAddr("1/0/4")
	require.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(conn.SendRequestWait(ctx, dst, cemi.PriorityNormal, []byte{0x00, 0x81}))

	// The indication on the new channel reaches the listener registered
	// before the disconnect.
	select {
	case frame := <-collector.indications:
		require.Equal(cemi.LDataInd, frame.MsgCode)
		require.Equal(cemi.GroupAddr(0x1101), frame.Dst)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the indication after reconnecting")
	}

	conn.Close()

	select {
	case err := <-peerErrCh:
		require.NoError(err, "gateway script should complete without error")
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for the gateway script")
	}
}

// runReconnectGateway implements the raw gateway side of
// TestGatewayDisconnect_Reconnect.
func runReconnectGateway(gw *rawGateway, kick <-chan struct{}) error {
	if err := gw.acceptConnect(1); err != nil {
		return fmt.Errorf("first connect: %w", err)
	}

	select {
	case <-kick:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout waiting for the kick signal")
	}

	// Step 1: kick the client off channel 1.
	if err := gw.write(&knxip.DisconnectReq{Channel: 1, Control: gw.localHPAI()}); err != nil {
		return fmt.Errorf("send disconnect request: %w", err)
	}

	svc, err := gw.read()
	if err != nil {
		return fmt.Errorf("read disconnect response: %w", err)
	}
	if _, ok := svc.(*knxip.DisconnectRes); !ok {
		return fmt.Errorf("expected DISCONNECT_RESPONSE, got %s", svc.ServiceType())
	}

	// Step 2: the reconnect arrives on a fresh socket.
	if err := gw.acceptConnect(2); err != nil {
		return fmt.Errorf("second connect: %w", err)
	}

	// Step 3: serve the client's group write on the new channel.
	req, err := gw.readTunnelReq(2, 0)
	if err != nil {
		return fmt.Errorf("read group write: %w", err)
	}

	msg, err := cemi.Decode(req.Payload)
	if err != nil {
		return fmt.Errorf("decode tunneled payload: %w", err)
	}
	frame, ok := msg.(*cemi.LData)
	if !ok {
		return fmt.Errorf("expected an L-Data message, got %T", msg)
	}

	con := *frame
	con.MsgCode = cemi.LDataCon
	if err := gw.pushFrame(2, 0, &con); err != nil {
		return fmt.Errorf("push confirmation: %w", err)
	}

	// Step 4: bus traffic on the new channel.
	ind := &cemi.LData{
		MsgCode:  cemi.LDataInd,
		Priority: cemi.PriorityLow,
		Src:      cemi.IndividualAddr(0x1107),
		Dst:      cemi.GroupAddr(0x1101),
		HopCount: 6,
		TPDU:     []byte{0x00, 0x80},
	}
	if err := gw.pushFrame(2, 1, ind); err != nil {
		return fmt.Errorf("push indication: %w", err)
	}

	// Step 5: the client closes.
	if err := gw.answerDisconnect(); err != nil {
		return fmt.Errorf("answer disconnect: %w", err)
	}

	return nil
}
