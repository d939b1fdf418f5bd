// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import (
	"net"
	"syscall"
)

const (
	IP_DONTFRAG   = 28 // in bsd/netinet/in.h as of xnu 7195.50.7.100.1
	IPV6_DONTFRAG = 62 // in bsd/netinet6/in6.h

	udpSocketBufferSize = 8 * 1024 * 1024
)

func systemSetupUDPSocket(sm *socketManager) error {
	option := IP_DONTFRAG
	level := syscall.IPPROTO_IP
	socket := sm.udpSocket
	if socket.LocalAddr().(*net.UDPAddr).IP.To4() == nil {
		option = IPV6_DONTFRAG
		level = syscall.IPPROTO_IPV6
	}
	sc, err := socket.SyscallConn()
	if err != nil {
		return err
	}
	callErr := sc.Control(func(fd uintptr) {
		err = syscall.SetsockoptInt(int(fd), level, option, 1)
		if err != nil {
			// Setting DONTFRAG failed; I think Mac OSes older than 11.3 Big
			// Sur do not support the IPv4 IP_DONTFRAG (but I haven't tested
			// this). We might lose some performance to IP fragmentation, but
			// we can carry on.
			sm.logger.Info("could not set DONTFRAG option on UDP socket",
				"error", err.Error())
		}
		if buferr := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, udpSocketBufferSize); buferr != nil {
			sm.logger.Error(buferr, "could not grow receive buffer on UDP socket")
		}
		if buferr := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, udpSocketBufferSize); buferr != nil {
			sm.logger.Error(buferr, "could not grow send buffer on UDP socket")
		}
	})
	return callErr
}
