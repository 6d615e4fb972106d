package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"chatstream/internal/adapter/sink"
	"chatstream/internal/adapter/upstream"
	"chatstream/internal/adapter/wire"
	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
	"chatstream/internal/usecase/streaming"
)

// replayOptions holds the parsed arguments of the replay command.
type replayOptions struct {
	Path string
	Echo bool
}

func parseReplayArgs(args []string) (replayOptions, error) {
	var opts replayOptions
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; {
		case arg == "--echo":
			opts.Echo = true
		case arg == "--config":
			i++ // consumed by configPath
		case len(arg) > 9 && arg[:9] == "--config=":
		case len(arg) > 0 && arg[0] == '-':
			return opts, fmt.Errorf("unknown flag %s", arg)
		case opts.Path == "":
			opts.Path = arg
		default:
			return opts, fmt.Errorf("unexpected argument %s", arg)
		}
	}
	if opts.Path == "" {
		return opts, errors.New("usage: chatstream replay <file> [--echo]")
	}
	return opts, nil
}

// fileUpstream serves a recorded body for every request.
type fileUpstream struct {
	path    string
	bufSize int
}

func (u fileUpstream) Open(context.Context, domain.ChatRequest) (domain.ByteSource, error) {
	f, err := os.Open(u.path)
	if err != nil {
		return nil, err
	}
	return upstream.NewReaderSource(f, u.bufSize), nil
}

// replayResult is printed as JSON after a replay.
type replayResult struct {
	Status       domain.StreamStatus `json:"status"`
	FinishReason string              `json:"finish_reason,omitempty"`
	Usage        *domain.Usage       `json:"usage,omitempty"`
	Error        string              `json:"error,omitempty"`
	Code         domain.ErrorCode    `json:"code,omitempty"`
	Message      domain.Message      `json:"message"`
	Events       int                 `json:"events"`
}

func runReplay(args []string, out io.Writer) error {
	opts, err := parseReplayArgs(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if opts.Echo {
		return echoRecords(opts.Path, cfg.Stream.MaxLineBytes, out)
	}
	return replayFile(context.Background(), opts.Path, cfg.Stream, out)
}

// replayFile runs the recorded stream through the full pipeline and prints
// the outcome. The stall timer is disabled; a file cannot stall.
func replayFile(ctx context.Context, path string, cfg config.StreamConfig, out io.Writer) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	cfg.StallTimeout = 0

	rec := sink.NewRecorder(nil)
	log := slog.New(slog.DiscardHandler)
	mgr := newManager(cfg, fileUpstream{path: path}, rec, log)

	res, err := mgr.Stream(ctx, domain.ChatRequest{
		SpaceID:  "replay",
		Messages: []domain.PromptMessage{{Role: "user", Content: path}},
	})

	result := replayResult{
		Status:       res.Status,
		FinishReason: res.FinishReason,
		Usage:        res.Usage,
		Message:      res.Message,
		Events:       len(rec.Events()),
	}
	if err != nil {
		result.Error = err.Error()
		result.Code = domain.ErrorCodeOf(err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(result); encErr != nil {
		return encErr
	}
	if err != nil {
		return fmt.Errorf("stream ended with %s", result.Code)
	}
	return nil
}

// echoRecords decodes every line of path and writes it back in canonical
// form. It stops at the first undecodable line.
func echoRecords(path string, maxLine int, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	framer := wire.NewFramer(maxLine)
	w := wire.NewWriter(out)
	buf := make([]byte, 32*1024)

	emit := func(lines []string) error {
		for _, line := range lines {
			rec, err := wire.Decode(line)
			if err != nil {
				return err
			}
			if err := w.Write(rec); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			lines, pushErr := framer.Push(buf[:n])
			if err := emit(lines); err != nil {
				return err
			}
			if pushErr != nil {
				return pushErr
			}
		}
		if errors.Is(readErr, io.EOF) {
			return emit(framer.Flush())
		}
		if readErr != nil {
			return readErr
		}
	}
}
