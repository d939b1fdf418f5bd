// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
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
	passphrase = flag.String("passphrase", "", "Encrypt the stream with this passphrase")
	chunkSize  = flag.Int("chunk-size", 1316, "Message payload size in bytes")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		_, _ = fmt.Fprintf(os.Stderr, `usage: %s [flags] dest-addr file-to-send

   dest-addr: destination node to connect to, in the form <host>:<port>
   file-to-send: the file to upload

`, os.Args[0])
		os.Exit(1)
	}

	dest := args[0]
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

	logger.Infof("connecting to %s", dest)
	logger.Infof("sending %q", fileName)

	dataFile, err := os.Open(fileName)
	if err != nil {
		logger.Fatalf("failed to open source: %v", err)
	}
	defer func() { _ = dataFile.Close() }()
	fileSize, err := dataFile.Seek(0, io.SeekEnd)
	if err != nil {
		logger.Fatalf("could not determine size of input: %v", err)
	}
	_, err = dataFile.Seek(0, io.SeekStart)
	if err != nil {
		logger.Fatalf("could not seek to beginning of file: %v", err)
	}
	if fileSize == 0 {
		logger.Fatalf("file is 0 bytes")
	}

	udpAddr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		logger.Fatalf("could not resolve destination %q: %v", dest, err)
	}

	cfg := srt.DefaultConfig()
	cfg.Mode = srt.ModeFile
	cfg.StreamID = fileName
	cfg.Passphrase = *passphrase

	conn, err := srt.DialSRTOptions("srt", nil, udpAddr,
		srt.WithLogger(zapr.NewLogger(plainLogger)),
		srt.WithConfig(cfg))
	if err != nil {
		logger.Fatalf("could not connect: %v", err)
	}
	defer func() { _ = conn.Close() }()

	startTime := time.Now()
	lastTime := startTime
	var sent, lastSent int64

	chunk := make([]byte, *chunkSize)
	for {
		n, err := dataFile.Read(chunk)
		if n > 0 {
			if _, werr := conn.Write(chunk[:n]); werr != nil {
				logger.Fatalf("send failed: %v", werr)
			}
			sent += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			logger.Fatalf("failed to read from datafile: %v", err)
		}

		curTime := time.Now()
		if curTime.After(lastTime.Add(time.Second)) {
			rate := float64(sent-lastSent) / curTime.Sub(lastTime).Seconds()
			lastSent = sent
			lastTime = curTime
			stats := conn.GetStats()
			fmt.Printf("\r[%d] sent: %d/%d  %.1f bytes/s  retrans: %d  rtt: %s  ",
				curTime.Unix(), sent, fileSize, rate, stats.PktRetrans, stats.RTT)
		}
	}

	stats := conn.GetStats()
	logger.Infof("upload complete: %d bytes in %s (%d packets, %d retransmitted)",
		sent, time.Since(startTime).Round(time.Millisecond), stats.PktSent, stats.PktRetrans)
}
