// Copyright (C) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

//go:build !linux && !darwin
// +build !linux,!darwin

package srt

func systemSetupUDPSocket(sm *socketManager) error {
	return nil
}
