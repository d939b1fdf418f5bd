// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package srt

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
)

const (
	ethernetMTU    = 1500
	ipv4HeaderSize = 20
	ipv6HeaderSize = 40
	udpHeaderSize  = 8

	udpIPv4Overhead = ipv4HeaderSize + udpHeaderSize
	udpIPv6Overhead = ipv6HeaderSize + udpHeaderSize

	udpIPv4MTU = ethernetMTU - ipv4HeaderSize - udpHeaderSize
	udpIPv6MTU = ethernetMTU - ipv6HeaderSize - udpHeaderSize
)

// GetUDPMTU returns a best guess as to the MTU (maximum transmission unit) on
// the network to which the specified address belongs (IPv4 or IPv6).
func GetUDPMTU(addr *net.UDPAddr) int {
	if addr != nil && isIPv6(addr.IP) {
		return udpIPv6MTU
	}
	return udpIPv4MTU
}

func getUDPOverhead(addr *net.UDPAddr) int {
	if addr != nil && isIPv6(addr.IP) {
		return udpIPv6Overhead
	}
	return udpIPv4Overhead
}

func isIPv6(ip net.IP) bool {
	return ip.To4() == nil
}

func randomUint32() uint32 {
	var buf [4]byte
	_, err := io.ReadFull(rand.Reader, buf[:])
	if err != nil {
		panic("can't read from random source: " + err.Error())
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func randomSequenceNumber() sequenceNumber {
	return sequenceNumber(randomUint32() & seqMask)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clampInt(lo, x, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
