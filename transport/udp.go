// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
)

// maxFrame bounds a single datagram; headers plus payload are expected to
// stay well under this for the message sizes this layer is built for.
const maxFrame = 64 * 1024

// inbound is a received datagram handed from the read goroutine to Receive.
type inbound struct {
	src     string
	payload []byte
	err     error
}

// UDP is a T backed by a UDP socket. UDP's native unreliability (loss,
// reordering, no delivery confirmation) is exactly the "unreliable unicast
// service" this layer is built to ride on top of, so no framing beyond a
// single read/write per datagram is needed.
type UDP struct {
	conn *net.UDPConn

	inboundCh chan inbound

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewUDP opens a UDP socket bound to listenAddr (e.g. ":7070") and starts
// the background receive loop.
func NewUDP(listenAddr string) (*UDP, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", listenAddr, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", listenAddr, err)
	}

	u := &UDP{
		conn:      conn,
		inboundCh: make(chan inbound, 256),
		stopSyn:   make(chan struct{}),
		stopAck:   make(chan struct{}),
	}
	go u.readLoop()
	return u, nil
}

func (u *UDP) readLoop() {
	defer close(u.stopAck)

	buf := make([]byte, maxFrame)
	for {
		select {
		case <-u.stopSyn:
			return
		default:
		}

		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-u.stopSyn:
				return
			default:
			}
			log.WithFields(log.Fields{"error": err}).Warn("transport: UDP read failed")
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		select {
		case u.inboundCh <- inbound{src: addr.String(), payload: payload}:
		case <-u.stopSyn:
			return
		}
	}
}

func (u *UDP) Send(ctx context.Context, dst string, frame []byte) error {
	addr, err := net.ResolveUDPAddr("udp", dst)
	if err != nil {
		return fmt.Errorf("transport: resolve dst %q: %w", dst, err)
	}
	_, err = u.conn.WriteToUDP(frame, addr)
	return err
}

func (u *UDP) Receive(ctx context.Context) (string, []byte, error) {
	select {
	case in := <-u.inboundCh:
		return in.src, in.payload, in.err
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-u.stopAck:
		return "", nil, fmt.Errorf("transport: UDP socket closed")
	}
}

func (u *UDP) Close() error {
	close(u.stopSyn)
	err := u.conn.Close()
	<-u.stopAck
	return err
}
