package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/aio-2030/aio-gateway/internal/env"
	"github.com/aio-2030/aio-gateway/internal/voice"
	"github.com/aio-2030/aio-gateway/internal/ws"
)

const defaultGateway = "ws://localhost:8000/ws/record"

// sessionResult is the outcome of one streamed recording.
type sessionResult struct {
	done    ws.Event
	roundMs float64 // stop sent to done received
}

var errSession = errors.New("session failed")

func runStream(ctx context.Context, args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("stream", pflag.ContinueOnError)
	gateway := fs.String("gateway", env.Str("AIO_GATEWAY_WS", defaultGateway), "gateway recording WebSocket URL")
	slice := fs.Duration("slice", voice.DefaultSlice, "capture slice length")
	mimeType := fs.String("mime", "", "override the MIME type guessed from the file extension")
	timeout := fs.Duration("timeout", time.Minute, "give up waiting for the result after this long")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: aio-voice stream [flags] <file>")
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	enc := json.NewEncoder(stdout)
	_, err := streamFile(ctx, *gateway, voice.FileSource{Path: fs.Arg(0), MIME: *mimeType, Slice: *slice},
		func(ev ws.Event) { enc.Encode(ev) })
	return err
}

// streamFile replays src into one recording session and waits for the
// pipeline result. Every event the server sends is passed to onEvent.
func streamFile(ctx context.Context, url string, src voice.FileSource, onEvent func(ws.Event)) (*sessionResult, error) {
	info, err := os.Stat(src.Path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", src.Path, err)
	}
	if src.MIME == "" {
		src.MIME = voice.MIMEFromPath(src.Path)
	}
	capture, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer capture.Stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	events := make(chan ws.Event, 16)
	quit := make(chan struct{})
	defer close(quit)
	go readEvents(conn, events, quit)

	if err = conn.WriteJSON(map[string]string{"type": "start", "mime": src.MIME}); err != nil {
		return nil, fmt.Errorf("send start: %w", err)
	}

	for sent := int64(0); sent < info.Size(); {
		select {
		case chunk, ok := <-capture.Chunks():
			if !ok {
				return nil, errors.New("capture ended early")
			}
			if err = conn.WriteMessage(websocket.BinaryMessage, chunk.Data); err != nil {
				return nil, fmt.Errorf("send audio: %w", err)
			}
			sent += int64(len(chunk.Data))
		case ev, ok := <-events:
			if !ok {
				return nil, errors.New("connection closed while streaming")
			}
			onEvent(ev)
			if ev.Type == "error" {
				return nil, fmt.Errorf("%w: %s: %s", errSession, ev.Kind, ev.Text)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	stopped := time.Now()
	if err = conn.WriteJSON(map[string]string{"type": "stop"}); err != nil {
		return nil, fmt.Errorf("send stop: %w", err)
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, errors.New("connection closed before the result arrived")
			}
			onEvent(ev)
			switch ev.Type {
			case "done":
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return &sessionResult{done: ev, roundMs: float64(time.Since(stopped).Milliseconds())}, nil
			case "error":
				return nil, fmt.Errorf("%w: %s: %s", errSession, ev.Kind, ev.Text)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func readEvents(conn *websocket.Conn, out chan<- ws.Event, quit <-chan struct{}) {
	defer close(out)
	for {
		var ev ws.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		select {
		case out <- ev:
		case <-quit:
			return
		}
	}
}
