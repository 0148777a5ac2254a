// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package kvmtool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/realmhq/realmd/internal/realm/assemble"
	"github.com/realmhq/realmd/internal/realm/config"
	"github.com/realmhq/realmd/internal/realm/measure"
	"github.com/realmhq/realmd/internal/realm/runtime"
)

// Launcher boots realms with the kvmtool (lkvm) hypervisor.
type Launcher struct {
	Binary     string
	RuntimeDir string
	LogDir     string
}

// New returns a configured Launcher.
func New(binary, runtimeDir, logDir string) *Launcher {
	return &Launcher{
		Binary:     binary,
		RuntimeDir: runtimeDir,
		LogDir:     logDir,
	}
}

// Start launches an lkvm process from the finalized descriptor. The
// measurement algorithm and privacy mode travel to the hypervisor on its own
// command line, taken from the same descriptor fields the kernel command line
// was assembled from, so the two can never diverge.
func (l *Launcher) Start(ctx context.Context, desc *assemble.LaunchDescriptor, record *measure.Record) (runtime.Instance, error) {
	if l.Binary == "" {
		return nil, fmt.Errorf("kvmtool: binary path required")
	}
	if err := os.MkdirAll(l.RuntimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("kvmtool: ensure runtime dir: %w", err)
	}
	logDir := l.LogDir
	if logDir == "" {
		logDir = l.RuntimeDir
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("kvmtool: ensure log dir: %w", err)
	}

	sessionID := uuid.NewString()

	logPath := filepath.Join(logDir, fmt.Sprintf("%s.log", sessionID))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("kvmtool: open log file: %w", err)
	}

	args := []string{
		"run",
		"--name", sessionID,
		"-c", fmt.Sprintf("%d", desc.VCPUs),
		"-m", fmt.Sprintf("%d", (desc.MemoryBytes+(1<<20-1))>>20),
		"-k", desc.KernelPath,
		"-i", desc.InitrdPath,
		"--console", string(desc.Console),
		"--irqchip", string(desc.IRQChip),
	}
	if desc.Cmdline != "" {
		args = append(args, "-p", desc.Cmdline)
	}
	if desc.Realm {
		args = append(args, "--realm")
		if desc.RealmPV != "" {
			args = append(args, "--realm-pv", desc.RealmPV)
		}
	}
	if record != nil && !record.Unattested {
		args = append(args, "--measurement-algo", string(record.Algo))
	}

	cmd := exec.CommandContext(ctx, l.Binary, args...)

	var console io.ReadCloser
	var ptmx *os.File
	if desc.Console == config.ConsoleSerial {
		// A real tty on the serial console; its first output is the guest's
		// early-boot signal.
		ptmx, err = pty.Start(cmd)
		if err != nil {
			_ = logFile.Close()
			return nil, fmt.Errorf("kvmtool: start with pty: %w", err)
		}
		console = ptmx
	} else {
		stdout, pipeErr := cmd.StdoutPipe()
		if pipeErr != nil {
			_ = logFile.Close()
			return nil, fmt.Errorf("kvmtool: stdout pipe: %w", pipeErr)
		}
		cmd.Stderr = cmd.Stdout
		if err := cmd.Start(); err != nil {
			_ = logFile.Close()
			return nil, fmt.Errorf("kvmtool: start: %w", err)
		}
		console = stdout
	}

	if len(desc.Affinity) > 0 {
		if err := pinToCPUs(cmd.Process.Pid, desc.Affinity); err != nil {
			_ = cmd.Process.Kill()
			_ = logFile.Close()
			return nil, fmt.Errorf("kvmtool: pin to cpus %v: %w", desc.Affinity, err)
		}
	}

	inst := &instance{
		sessionID: sessionID,
		cmd:       cmd,
		ptmx:      ptmx,
		logFile:   logFile,
		ready:     make(chan struct{}),
		done:      make(chan error, 1),
	}

	go inst.pump(console)
	go func() {
		err := cmd.Wait()
		inst.done <- err
		close(inst.done)
	}()

	return inst, nil
}

// pinToCPUs restricts the hypervisor process to the reserved host CPU set.
func pinToCPUs(pid int, cpus []int) error {
	var set unix.CPUSet
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	return unix.SchedSetaffinity(pid, &set)
}

type instance struct {
	sessionID string
	cmd       *exec.Cmd
	ptmx      *os.File
	logFile   *os.File
	ready     chan struct{}
	done      chan error
	readyOnce sync.Once

	stopMu sync.Mutex
}

var _ runtime.Hypervisor = (*Launcher)(nil)
var _ runtime.Instance = (*instance)(nil)

func (i *instance) SessionID() string      { return i.sessionID }
func (i *instance) PID() int               { return i.cmd.Process.Pid }
func (i *instance) Ready() <-chan struct{} { return i.ready }
func (i *instance) Wait() <-chan error     { return i.done }

// pump copies console output to the log and closes the ready channel on the
// first line the guest emits.
func (i *instance) pump(console io.ReadCloser) {
	defer console.Close()

	reader := bufio.NewReader(console)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			i.readyOnce.Do(func() { close(i.ready) })
			_, _ = i.logFile.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// Terminate asks the hypervisor to shut down, escalating to SIGKILL after a
// grace period. Safe to call more than once.
func (i *instance) Terminate(ctx context.Context) error {
	i.stopMu.Lock()
	defer i.stopMu.Unlock()
	defer i.logFile.Close()

	if i.cmd.Process == nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := i.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("kvmtool: signal term: %w", err)
	}

	select {
	case <-i.done:
		return nil
	case <-stopCtx.Done():
		_ = i.cmd.Process.Signal(syscall.SIGKILL)
		<-i.done
		return nil
	}
}
