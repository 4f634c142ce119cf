// Command aio-voice talks to a gateway from the terminal: it streams local
// audio files over the recording WebSocket, load-tests it, and runs the
// transcription and normalization stages offline.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/aio-2030/aio-gateway/internal/normalize"
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "aio-voice:", err)
		os.Exit(1)
	}
}

const usage = `usage: aio-voice <command> [flags]

commands:
  stream <file>       stream a file to the gateway and print session events
  bench               run concurrent streaming sessions and report latency
  transcribe <file>   convert and transcribe a file against the endpoints
  normalize           read a raw model reply on stdin and print its response
`

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "stream":
		return runStream(ctx, rest, stdout)
	case "bench":
		return runBench(ctx, rest, stdout)
	case "transcribe":
		return runTranscribe(ctx, rest, stdout)
	case "normalize":
		return runNormalize(rest, stdin, stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	}
	return fmt.Errorf("unknown command %q\n%s", cmd, usage)
}

func runNormalize(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := pflag.NewFlagSet("normalize", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	n := normalize.New(normalize.Config{})
	fmt.Fprintln(stdout, n.GetResponseContent(string(data)))
	return nil
}
