// Command clip downsamples one local video into a small derivative clip.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/tbmclip/internal/config"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/logging"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/transcoder"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type cliFlags struct {
	in         string
	out        string
	configPath string
	ffmpeg     string
	ffprobe    string
	height     int
	fps        float64
	rate       float64
	maxOutput  string
	timeout    string
	verbose    bool
}

func parseFlags(args []string, stderr io.Writer) (*cliFlags, error) {
	f := &cliFlags{}
	fs := flag.NewFlagSet("clip", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.in, "in", "", "Source video file (required)")
	fs.StringVar(&f.out, "out", "", "Output file; defaults to the source name with the clip extension")
	fs.StringVar(&f.configPath, "config", "", "Optional config file; its transcoder section sets the defaults")
	fs.StringVar(&f.ffmpeg, "ffmpeg", "", "Path to ffmpeg")
	fs.StringVar(&f.ffprobe, "ffprobe", "", "Path to ffprobe")
	fs.IntVar(&f.height, "height", 0, "Target height in pixels")
	fs.Float64Var(&f.fps, "fps", 0, "Output frame rate")
	fs.Float64Var(&f.rate, "rate", 0, "Playback acceleration, must be above 1")
	fs.StringVar(&f.maxOutput, "max", "", "Output duration cap, e.g. 10s")
	fs.StringVar(&f.timeout, "timeout", "", "Hard timeout for the whole transcode, e.g. 20s")
	fs.BoolVar(&f.verbose, "v", false, "Debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.in == "" {
		fs.Usage()
		return nil, errors.New("-in is required")
	}
	return f, nil
}

// options starts from the config file, or the built-in defaults, and applies
// the flags that were set.
func (f *cliFlags) options() (transcoder.Options, string, string, int, error) {
	opts := transcoder.DefaultOptions()
	ffmpegPath, ffprobePath, preview := f.ffmpeg, f.ffprobe, 0

	if f.configPath != "" {
		cfg, err := config.Load(f.configPath)
		if err != nil {
			return opts, "", "", 0, err
		}
		if opts, err = cfg.Transcoder.Options(); err != nil {
			return opts, "", "", 0, err
		}
		if ffmpegPath == "" {
			ffmpegPath = cfg.Transcoder.FFmpegPath
		}
		if ffprobePath == "" {
			ffprobePath = cfg.Transcoder.FFprobePath
		}
		preview = cfg.Transcoder.DecodePreviewHeight
	}

	if f.height > 0 {
		opts.TargetHeight = f.height
	}
	if f.fps > 0 {
		opts.FrameRate = f.fps
	}
	if f.rate > 0 {
		opts.PlaybackRate = f.rate
	}
	if f.maxOutput != "" {
		d, err := time.ParseDuration(f.maxOutput)
		if err != nil {
			return opts, "", "", 0, fmt.Errorf("invalid -max: %w", err)
		}
		opts.MaxOutputDuration = d
	}
	if f.timeout != "" {
		d, err := time.ParseDuration(f.timeout)
		if err != nil {
			return opts, "", "", 0, fmt.Errorf("invalid -timeout: %w", err)
		}
		opts.Timeout = d
	}
	return opts, ffmpegPath, ffprobePath, preview, opts.Validate()
}

func outputPath(in, out, mimeType string) string {
	if out != "" {
		return out
	}
	base := strings.TrimSuffix(in, filepath.Ext(in))
	return base + ".clip" + transcoder.ExtensionOf(mimeType)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	level := "warn"
	if f.verbose {
		level = "debug"
	}
	logger := logging.NewWithWriter(stderr, logging.Config{Level: level, Format: "console"})

	opts, ffmpegPath, ffprobePath, preview, err := f.options()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	stat, err := os.Stat(f.in)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	host := transcoder.NewFFmpegHost(transcoder.NewFFmpeg(ffmpegPath, ffprobePath), preview, logger.Zerolog())
	tc, err := transcoder.New(host, opts, transcoder.WithLogger(logger.Zerolog()))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	out, err := tc.Transcode(ctx, transcoder.SourceMedia{
		Path: f.in,
		Name: filepath.Base(f.in),
		Size: stat.Size(),
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error [%s]: %v\n", transcoder.KindLabel(err), err)
		return 1
	}

	dst := outputPath(f.in, f.out, out.MIMEType)
	if err := os.WriteFile(dst, out.Data, 0o644); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "%s: %dx%d %s, %d frames, %d bytes, audio=%v (%s)\n",
		dst, out.Width, out.Height, out.MIMEType, out.Frames, out.Size(), out.HasAudio, out.StopReason)
	return 0
}
