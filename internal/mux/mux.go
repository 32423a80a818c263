package mux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"

	"github.com/floostack/transcoder"
	"github.com/floostack/transcoder/ffmpeg"
	"github.com/tcollins82/fetcha/internal/fault"
	"github.com/tcollins82/fetcha/pkg/logger"
)

var log = logger.Get("Mux")

type Config struct {
	FfmpegBinPath  string `yaml:"ffmpeg_binary" env:"FORMAT_FFMPEG_BINARY_PATH" env-default:"/usr/bin/ffmpeg"`
	FfprobeBinPath string `yaml:"ffprobe_binary" env:"FORMAT_FFPROBE_BINARY_PATH" env-default:"/usr/bin/ffprobe"`
}

type Progress struct {
	FramesProcessed string
	CurrentTime     string
	CurrentBitrate  string
	Progress        float64
	Speed           string
}

// Command combines a separately fetched video stream and audio stream
// into a single container. Both streams are copied, never re-encoded,
// so the output size stays close to the sum of the inputs.
type Command struct {
	videoPath      string
	audioPath      string
	outputPath     string
	config         *Config
	runningCommand *exec.Cmd
}

func NewCommand(videoPath string, audioPath string, outputPath string, config *Config) *Command {
	return &Command{videoPath: videoPath, audioPath: audioPath, outputPath: outputPath, config: config}
}

// streamCopyOptions carries the second input alongside the copy flags.
// The underlying runner only accepts one input path directly, so the
// audio input rides in the argument list between the video input and
// the output path, which is exactly where a second -i must appear.
type streamCopyOptions struct {
	audioPath string
}

func (opts streamCopyOptions) GetStrArguments() []string {
	args := []string{}
	if opts.audioPath != "" {
		args = append(args, "-i", opts.audioPath)
	}

	return append(args,
		"-c:v", "copy",
		"-c:a", "copy",
		"-movflags", "+faststart",
	)
}

// Run executes the remux, reporting progress through the handler until
// the underlying process exits. Cancelling the context kills the
// process; a partial output file may remain and is the caller's to
// clean up.
func (cmd *Command) Run(ctx context.Context, updateHandler func(*Progress)) error {
	runner := ffmpeg.
		New(&ffmpeg.Config{
			ProgressEnabled: true,
			FfmpegBinPath:   cmd.config.FfmpegBinPath,
			FfprobeBinPath:  cmd.config.FfprobeBinPath,
		}).
		Input(cmd.videoPath).
		Output(cmd.outputPath).
		WithContext(&ctx)

	if err := os.MkdirAll(filepath.Dir(cmd.outputPath), 0o755); err != nil {
		return fault.Newf(fault.InternalError, "failed to create output directory: %s", err)
	}

	var options transcoder.Options = streamCopyOptions{audioPath: cmd.audioPath}
	progressChannel, err := runner.Start(options)
	if err != nil {
		return fault.Newf(fault.InternalError, "remux failed to start: %s", parseFfmpegError(err))
	}

	cmd.runningCommand = runner.GetRunningCmdInstance()

	for {
		prog, ok := <-progressChannel
		if !ok {
			if ctx.Err() != nil {
				return fault.New(fault.Cancelled, "remux was cancelled")
			}

			log.Debugf("Remux of %s finished, progress channel closed\n", cmd.outputPath)
			return nil
		}

		if updateHandler != nil {
			updateHandler(&Progress{
				FramesProcessed: prog.GetFramesProcessed(),
				CurrentTime:     prog.GetCurrentTime(),
				CurrentBitrate:  prog.GetCurrentBitrate(),
				Progress:        prog.GetProgress(),
				Speed:           prog.GetSpeed(),
			})
		}
	}
}

func (cmd *Command) OutputPath() string { return cmd.outputPath }

func (cmd *Command) String() string {
	pid := -1
	if cmd.runningCommand != nil && cmd.runningCommand.Process != nil {
		pid = cmd.runningCommand.Process.Pid
	}

	return fmt.Sprintf("{remux pid=%d | video=%s | audio=%s | out=%s}", pid, cmd.videoPath, cmd.audioPath, cmd.outputPath)
}

// Muxer is the long-lived remux capability handed to the download
// service. Each Remux call builds and runs a fresh command.
type Muxer struct {
	config Config
}

func NewMuxer(config Config) *Muxer {
	return &Muxer{config: config}
}

func (muxer *Muxer) Remux(ctx context.Context, videoPath string, audioPath string, outputPath string) error {
	return NewCommand(videoPath, audioPath, outputPath, &muxer.config).Run(ctx, nil)
}

var ffmpegMessageMatcher = regexp.MustCompile(`(?s)message: ({.*})`)

// parseFfmpegError digs the encoded error message out of ffmpeg's huge
// combined output. The raw error contains the full build configuration
// banner which is useless as error detail.
func parseFfmpegError(err error) error {
	groups := ffmpegMessageMatcher.FindStringSubmatch(err.Error())
	if len(groups) == 0 {
		return err
	}

	var out map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(groups[1]), &out); jsonErr != nil {
		return errors.New(groups[1])
	}

	if exception, ok := out["error"].(map[string]interface{}); ok {
		if message, ok := exception["string"].(string); ok {
			return errors.New(message)
		}
	}

	return err
}
