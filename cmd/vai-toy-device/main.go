// vai-toy-device simulates a toy: it claims a session token for a child,
// opens a stream, sends text or raw PCM16 audio, and prints every frame the
// gateway sends back as one JSON line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	vai "github.com/vango-go/vai-toy/sdk"
)

type options struct {
	gateway    string
	deviceID   string
	salt       string
	firmware   string
	childID    string
	childName  string
	childAge   int
	say        []string
	audioFile  string
	chunkBytes int
	sampleRate int
	claimOnly  bool
	noToken    bool
	wait       time.Duration
	verbose    bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := pflag.NewFlagSet("vai-toy-device", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.gateway, "gateway", "http://localhost:8080", "gateway base URL")
	fs.StringVar(&o.deviceID, "device-id", "", "device id printed on the toy")
	fs.StringVar(&o.salt, "salt", os.Getenv("VAI_TOY_OOB_SALT"), "installation salt (default $VAI_TOY_OOB_SALT)")
	fs.StringVar(&o.firmware, "firmware", "", "firmware version reported on claim")
	fs.StringVar(&o.childID, "child-id", "", "child profile id to claim for")
	fs.StringVar(&o.childName, "child-name", "Friend", "child name sent on the stream handshake")
	fs.IntVar(&o.childAge, "child-age", 7, "child age sent on the stream handshake")
	fs.StringArrayVar(&o.say, "say", nil, "text message to send (repeatable)")
	fs.StringVar(&o.audioFile, "audio", "", "raw PCM16 little-endian file to stream as one utterance")
	fs.IntVar(&o.chunkBytes, "chunk-bytes", 3200, "audio bytes per binary frame")
	fs.IntVar(&o.sampleRate, "sample-rate", 16000, "sample rate announced in audio_start")
	fs.BoolVar(&o.claimOnly, "claim-only", false, "print the claimed token and exit")
	fs.BoolVar(&o.noToken, "no-token", false, "open the stream without claiming a token")
	fs.DurationVar(&o.wait, "wait", 3*time.Second, "how long to wait for replies after sending")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	switch {
	case o.deviceID == "":
		return o, errors.New("--device-id is required")
	case o.childID == "":
		return o, errors.New("--child-id is required")
	case o.salt == "" && !o.noToken:
		return o, errors.New("--salt or VAI_TOY_OOB_SALT is required to claim")
	case o.chunkBytes <= 0 || o.chunkBytes%2 != 0:
		return o, errors.New("--chunk-bytes must be a positive even number")
	}
	return o, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	client := vai.NewClient(vai.WithBaseURL(o.gateway), vai.WithLogger(logger))
	out := json.NewEncoder(stdout)

	params := vai.StreamParams{
		DeviceID:  o.deviceID,
		ChildID:   o.childID,
		ChildName: o.childName,
		ChildAge:  o.childAge,
	}
	if !o.noToken {
		device := vai.NewDevice(o.deviceID, o.salt, o.firmware)
		sess, err := client.Claim(ctx, device, o.childID)
		if err != nil {
			return fmt.Errorf("claim: %w", err)
		}
		logger.Info("claimed", "device_session_id", sess.DeviceSessionID, "expires_in", sess.ExpiresIn)
		if o.claimOnly {
			return out.Encode(sess)
		}
		params.Token = sess.AccessToken
	}

	stream, err := client.DialStream(ctx, params)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range stream.Events() {
			_ = out.Encode(frameLine(ev))
		}
	}()

	for _, text := range o.say {
		if err := stream.SendText(text); err != nil {
			return fmt.Errorf("send text: %w", err)
		}
	}
	if o.audioFile != "" {
		if err := sendAudioFile(stream, o.audioFile, o.chunkBytes, o.sampleRate); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
	case <-stream.Done():
	case <-time.After(o.wait):
	}
	_ = stream.Close()
	<-printed
	return stream.Err()
}

func sendAudioFile(stream *vai.Stream, path string, chunkBytes, sampleRate int) error {
	pcm, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}
	if err := stream.SendAudioStart(sampleRate); err != nil {
		return err
	}
	for off := 0; off < len(pcm); off += chunkBytes {
		end := min(off+chunkBytes, len(pcm))
		if err := stream.SendAudioFrame(pcm[off:end]); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
	}
	return stream.SendAudioEnd()
}

type line struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func frameLine(ev vai.StreamEvent) line {
	switch e := ev.(type) {
	case vai.StatusEvent:
		return line{Type: "system_status", Data: e.StatusData}
	case vai.TextEvent:
		return line{Type: "text_message", Data: map[string]string{"text": e.Text}}
	case vai.HeartbeatEvent:
		return line{Type: "heartbeat", Data: map[string]string{"server_time": e.ServerTime}}
	case vai.ErrorEvent:
		return line{Type: "error", Data: e.ErrorData}
	case vai.UnknownEvent:
		return line{Type: e.Type, Data: e.Raw}
	default:
		return line{Type: fmt.Sprintf("%T", ev)}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "vai-toy-device: %v\n", err)
		stop()
		os.Exit(1)
	}
}
