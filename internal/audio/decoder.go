package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"

	lector "github.com/loqalabs/loqa-lector"
)

// Decoder turns an encoded blob into PCM16LE in the requested format.
type Decoder interface {
	Decode(ctx context.Context, blob Blob, target Format) ([]byte, error)
}

// WAVDecoder handles RIFF/WAVE payloads in process.
type WAVDecoder struct{}

func (WAVDecoder) Decode(_ context.Context, blob Blob, target Format) ([]byte, error) {
	if blob.Empty() {
		return nil, fmt.Errorf("%w: %w", lector.ErrDecode, lector.ErrEmptyInput)
	}
	pcm, format, err := DecodeWAV(blob.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", lector.ErrDecode, err)
	}
	out, err := Convert(pcm, format, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", lector.ErrDecode, err)
	}
	return out, nil
}

// ExecDecoder pipes the blob through an external command (ffmpeg or similar)
// that writes raw PCM16LE in Output to stdout.
type ExecDecoder struct {
	cmd    []string
	Output Format
}

func NewExecDecoder(command string, output Format) (*ExecDecoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse decoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("decoder command empty")
	}
	if !output.Valid() {
		return nil, fmt.Errorf("invalid decoder output format %+v", output)
	}
	return &ExecDecoder{cmd: args, Output: output}, nil
}

func (d *ExecDecoder) Decode(ctx context.Context, blob Blob, target Format) ([]byte, error) {
	if blob.Empty() {
		return nil, fmt.Errorf("%w: %w", lector.ErrDecode, lector.ErrEmptyInput)
	}
	command := exec.CommandContext(ctx, d.cmd[0], d.cmd[1:]...)
	command.Stdin = bytes.NewReader(blob.Data)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("%w: decoder command failed: %w: %s", lector.ErrDecode, err, stderr.String())
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%w: decoder produced no samples", lector.ErrDecode)
	}
	out, err := Convert(stdout.Bytes(), d.Output, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", lector.ErrDecode, err)
	}
	return out, nil
}

// AutoDecoder decodes WAV in process and hands everything else to Fallback.
// A nil Fallback makes non-WAV input a decode failure.
type AutoDecoder struct {
	WAV      WAVDecoder
	Fallback Decoder
}

func (d AutoDecoder) Decode(ctx context.Context, blob Blob, target Format) ([]byte, error) {
	if blob.Encoding == EncodingWAV || IsWAV(blob.Data) {
		return d.WAV.Decode(ctx, blob, target)
	}
	if d.Fallback == nil {
		return nil, fmt.Errorf("%w: no decoder for %s", lector.ErrDecode, blob.Encoding)
	}
	return d.Fallback.Decode(ctx, blob, target)
}
