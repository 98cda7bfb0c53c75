package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	lector "github.com/loqalabs/loqa-lector"
)

// Source yields a raw PCM16LE stream. Closing the stream releases the device.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// ExecSource reads PCM from the stdout of a recorder command such as arecord.
type ExecSource struct {
	cmd []string
}

func NewExecSource(command string) (*ExecSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("capture command empty")
	}
	return &ExecSource{cmd: args}, nil
}

func (s *ExecSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if _, err := exec.LookPath(s.cmd[0]); err != nil {
		return nil, fmt.Errorf("%w: %w", lector.ErrDeviceUnavailable, err)
	}
	cmd := exec.CommandContext(ctx, s.cmd[0], s.cmd[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", lector.ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start recorder: %w", lector.ErrDeviceUnavailable, err)
	}
	return &processStream{cmd: cmd, ReadCloser: stdout}, nil
}

type processStream struct {
	io.ReadCloser
	cmd  *exec.Cmd
	once sync.Once
}

func (p *processStream) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

// ReaderSource wraps an already open stream such as stdin. Each Open pumps
// the reader through a pipe so Close unblocks a pending read immediately.
type ReaderSource struct {
	r io.Reader
}

func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r}
}

func (s *ReaderSource) Open(context.Context) (io.ReadCloser, error) {
	if s.r == nil {
		return nil, fmt.Errorf("%w: nil reader", lector.ErrDeviceUnavailable)
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := io.Copy(pw, s.r)
		pw.CloseWithError(err)
	}()
	return pr, nil
}
