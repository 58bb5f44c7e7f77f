package loop

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/linecask/linecask/internal/store"
)

// storer is the subset of *store.Store the loop depends on, so tests can
// substitute a fake without touching a real directory.
type storer interface {
	Insert(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Merge() (store.MergeStats, error)
	Stats() (store.Stats, error)
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrKeyNotFound)
}

// Loop is the single-threaded cooperative dispatcher: it owns stdin, a merge
// timer, and a self-pipe used to interrupt a blocking poll(2) for shutdown.
type Loop struct {
	store storer
	log   *zap.SugaredLogger

	in  *os.File
	out io.Writer

	mergeInterval time.Duration
	mergeEnabled  bool

	pipeR *os.File
	pipeW *os.File

	buf bytes.Buffer
}

// Config carries the event loop's tunables.
type Config struct {
	MergeInterval time.Duration
	MergeEnabled  bool
}

// New builds a Loop reading from in and writing responses to out.
func New(st storer, in *os.File, out io.Writer, cfg Config, log *zap.SugaredLogger) (*Loop, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("loop: create self-pipe: %w", err)
	}

	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.MergeInterval <= 0 {
		cfg.MergeInterval = 30 * time.Second
	}

	return &Loop{
		store:         st,
		log:           log,
		in:            in,
		out:           out,
		mergeInterval: cfg.MergeInterval,
		mergeEnabled:  cfg.MergeEnabled,
		pipeR:         r,
		pipeW:         w,
	}, nil
}

// Run blocks, dispatching commands from standard input and firing merges on
// the configured interval, until a shutdown signal (SIGINT/SIGTERM) arrives,
// an "exit" command is dispatched, or standard input reaches end of file.
func (l *Loop) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		l.wake()
	}()
	defer l.closeSelfPipe()

	deadline := time.Now().Add(l.mergeInterval)

	for {
		timeout := l.timeoutMillis(deadline)

		fds := []unix.PollFd{
			{Fd: int32(l.in.Fd()), Events: unix.POLLIN},
			{Fd: int32(l.pipeR.Fd()), Events: unix.POLLIN},
		}

		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("loop: poll: %w", err)
		}

		if n == 0 {
			if l.mergeEnabled {
				l.runMerge(l.out)
			}
			deadline = time.Now().Add(l.mergeInterval)
			continue
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			l.drainSelfPipe()
			return nil
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			eof, err := l.readCommands()
			if err != nil {
				return err
			}
			if eof {
				return nil
			}
		}
	}
}

// timeoutMillis returns the poll(2) timeout, in milliseconds, until
// deadline — never negative, so a tick that's already due polls with a
// zero timeout instead of blocking.
func (l *Loop) timeoutMillis(deadline time.Time) int {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Milliseconds())
}

// readCommands reads whatever is currently available on stdin, dispatching
// every complete line and leaving a partial trailing line buffered. It
// reports eof once stdin reaches end of file, after dispatching any final
// unterminated line, and also as soon as an "exit" command is dispatched.
func (l *Loop) readCommands() (eof bool, err error) {
	chunk := make([]byte, 4096)
	n, rerr := l.in.Read(chunk)
	if n > 0 {
		l.buf.Write(chunk[:n])
	}

	for {
		data := l.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := string(data[:idx])
		l.buf.Next(idx + 1)
		if l.dispatch(l.out, line) {
			return true, nil
		}
	}

	if rerr == io.EOF {
		if l.buf.Len() > 0 {
			last := l.buf.String()
			l.buf.Reset()
			l.dispatch(l.out, last)
		}
		return true, nil
	}
	if rerr != nil {
		return false, fmt.Errorf("loop: read stdin: %w", rerr)
	}

	return false, nil
}

// wake interrupts a blocking poll(2) via the self-pipe trick.
func (l *Loop) wake() {
	_, _ = l.pipeW.Write([]byte{0})
}

func (l *Loop) drainSelfPipe() {
	var b [1]byte
	_, _ = l.pipeR.Read(b[:])
}

func (l *Loop) closeSelfPipe() {
	_ = l.pipeR.Close()
	_ = l.pipeW.Close()
}
