// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// udpSocketBufferSize is the kernel buffer size requested for each UDP
// socket. Live streams burst, and a retransmission round trip's worth of
// packets has to fit in the receive buffer or loss recovery makes things
// worse instead of better.
const udpSocketBufferSize = 8 * 1024 * 1024

func systemSetupUDPSocket(sm *socketManager) error {
	sc, err := sm.udpSocket.SyscallConn()
	if err != nil {
		return err
	}
	callErr := sc.Control(func(fd uintptr) {
		// enable path mtu discovery, which (at least for non-SOCK_STREAM
		// sockets) forces the don't-fragment flag on for all outgoing packets.
		err = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_MTU_DISCOVER, syscall.IP_PMTUDISC_DO)
		if err != nil {
			// not sure why this would happen, but we can carry on without it
			sm.logger.Error(err, "could not set IP_MTU_DISCOVER option on UDP socket")
		}

		// SO_*BUFFORCE ignores rmem_max/wmem_max but needs CAP_NET_ADMIN;
		// fall back to the clamped variants.
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, udpSocketBufferSize)
		if err != nil {
			err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, udpSocketBufferSize)
		}
		if err != nil {
			sm.logger.Error(err, "could not grow receive buffer on UDP socket")
		}
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUFFORCE, udpSocketBufferSize)
		if err != nil {
			err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, udpSocketBufferSize)
		}
		if err != nil {
			sm.logger.Error(err, "could not grow send buffer on UDP socket")
		}
	})
	if callErr != nil {
		return callErr
	}
	return nil
}
