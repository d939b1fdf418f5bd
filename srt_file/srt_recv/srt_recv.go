// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	srt "storj.io/srt-go"
)

var (
	logger *zap.SugaredLogger

	debug      = flag.Bool("debug", false, "Enable debug logging")
	passphrase = flag.String("passphrase", "", "Require this passphrase from senders")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		_, _ = fmt.Fprintf(os.Stderr, `usage: %s [flags] listen-addr dest-file

   listen-addr: address to listen on, in the form [<host>]:<port>
   dest-file: where to write the received file

`, os.Args[0])
		os.Exit(1)
	}

	startTime := time.Now()

	listenAddr := args[0]
	fileName := args[1]

	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level.SetLevel(zap.InfoLevel)
	if *debug {
		logConfig.Level.SetLevel(zap.DebugLevel)
	}
	logConfig.Encoding = "console"
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	plainLogger, err := logConfig.Build()
	if err != nil {
		panic(err)
	}
	logger = plainLogger.Sugar()

	logger.Infof("listening on %s", listenAddr)
	logger.Infof("saving to %s", fileName)

	destFile, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0664)
	if err != nil {
		logger.Fatalf("could not open destination file for writing: %v", err)
	}
	defer func() {
		if err := destFile.Close(); err != nil {
			logger.Fatalf("failed to close destination file: %v", err)
		}
	}()

	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		logger.Fatalf("could not resolve %q: %v", listenAddr, err)
	}

	cfg := srt.DefaultConfig()
	cfg.Mode = srt.ModeFile
	cfg.Passphrase = *passphrase

	listener, err := srt.ListenSRTOptions("srt", udpAddr,
		srt.WithLogger(zapr.NewLogger(plainLogger)),
		srt.WithConfig(cfg))
	if err != nil {
		logger.Fatalf("could not listen on %q: %v", listenAddr, err)
	}
	defer func() { _ = listener.Close() }()

	conn, err := listener.AcceptSRT()
	if err != nil {
		logger.Fatalf("accept failed: %v", err)
	}
	defer func() { _ = conn.Close() }()
	logger.Infof("connection from %s, stream %q", conn.RemoteAddr(), conn.StreamID())

	lastTime := time.Now()
	var totalRecv, lastRecv int64

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			logger.Fatalf("receive failed: %v", err)
		}
		n, err := destFile.Write(msg)
		if err != nil {
			logger.Fatalf("failed to write to destination file: %v", err)
		}
		if n < len(msg) {
			logger.Fatalf("could not write full message to destination file! %d<%d", n, len(msg))
		}
		totalRecv += int64(len(msg))

		curTime := time.Now()
		if curTime.After(lastTime.Add(time.Second)) {
			rate := float64(totalRecv-lastRecv) / curTime.Sub(lastTime).Seconds()
			lastRecv = totalRecv
			lastTime = curTime
			fmt.Printf("\r[%d] recv: %d  %.1f bytes/s  ",
				curTime.Sub(startTime).Milliseconds(), totalRecv, rate)
		}
	}

	fmt.Printf("\nreceived: %d bytes\n", totalRecv)
}
