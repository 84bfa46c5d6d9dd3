package virtualinput

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const (
	pipeOpenRetryInterval  = 150 * time.Millisecond
	DefaultPipeOpenTimeout = 2 * time.Second
)

// OpenPipeReadWriter opens a FIFO read/write so neither end blocks or
// sees EOF while the peer is absent. Retries while the node is missing.
func OpenPipeReadWriter(path string, timeout time.Duration) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("pipe path required")
	}
	if timeout <= 0 {
		timeout = DefaultPipeOpenTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_RDWR|unix.O_NONBLOCK, 0)
		if err == nil {
			return f, nil
		}
		if errors.Is(err, os.ErrNotExist) && time.Now().Before(deadline) {
			time.Sleep(pipeOpenRetryInterval)
			continue
		}
		return nil, fmt.Errorf("open pipe %s: %w", path, err)
	}
}

// OpenPipeWriter opens a FIFO for writing, retrying until a reader
// attaches or the timeout elapses. The descriptor is switched back to
// blocking mode once open so subsequent writes behave normally.
func OpenPipeWriter(path string, timeout time.Duration) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("pipe path required")
	}
	if timeout <= 0 {
		timeout = DefaultPipeOpenTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			if err := unix.SetNonblock(int(f.Fd()), false); err != nil {
				_ = f.Close()
				return nil, fmt.Errorf("open pipe %s: %w", path, err)
			}
			return f, nil
		}
		if (errors.Is(err, unix.ENXIO) || errors.Is(err, os.ErrNotExist)) && time.Now().Before(deadline) {
			time.Sleep(pipeOpenRetryInterval)
			continue
		}
		return nil, fmt.Errorf("open pipe %s: %w", path, err)
	}
}
