package boot

import (
	"os/exec"
	"syscall"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
)

// stop terminates the emulator: a QMP powerdown first, then SIGTERM, then
// SIGKILL. waitCh delivers the child's exit exactly once.
func (s *SmokeTest) stop(cmd *exec.Cmd, waitCh <-chan error, qmpSock string) {
	if s.qmpPowerdown(qmpSock) && exited(waitCh, 3*time.Second) {
		return
	}
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err == nil && exited(waitCh, 2*time.Second) {
		return
	}
	cmd.Process.Kill()
	exited(waitCh, 2*time.Second)
}

func (s *SmokeTest) qmpPowerdown(sock string) bool {
	mon, err := qmp.NewSocketMonitor("unix", sock, time.Second)
	if err != nil {
		return false
	}
	if err := mon.Connect(); err != nil {
		return false
	}
	defer mon.Disconnect()
	if _, err := mon.Run([]byte(`{"execute": "system_powerdown"}`)); err != nil {
		s.log.Debug("qmp powerdown refused", "error", err)
		return false
	}
	return true
}

func exited(waitCh <-chan error, grace time.Duration) bool {
	select {
	case <-waitCh:
		return true
	case <-time.After(grace):
		return false
	}
}
