package lifecycle

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/openqube/qubesd/internal/qerrors"
)

// Qrexec is the external qrexec helper adapter: StartDaemon launches the
// per-qube qrexec daemon once the domain is unpaused, and Reachable
// probes whether the guest agent has connected to it — the "fully
// usable" check that separates Running from Transient. A nil Qrexec on
// the Manager skips the helper start and makes every running domain
// read as fully usable (tests, or a host without the qrexec stack).
type Qrexec interface {
	StartDaemon(ctx context.Context, qubeName string, wait bool) error
	Reachable(ctx context.Context, qubeName string) bool
}

// ProcessQrexec shells out to the real qrexec-daemon binary, the same
// relationship policy's ProcessTransport has to qrexec-client.
type ProcessQrexec struct {
	DaemonPath string
	SocketDir  string
}

// NewProcessQrexec returns a ProcessQrexec with the stock install paths.
func NewProcessQrexec() *ProcessQrexec {
	return &ProcessQrexec{
		DaemonPath: "/usr/lib/qubes/qrexec-daemon",
		SocketDir:  "/var/run/qubes",
	}
}

// StartDaemon launches the daemon for qubeName. In non-waiting mode the
// daemon is told not to block on the guest agent connecting (the qube
// has no agent to wait for).
func (p *ProcessQrexec) StartDaemon(ctx context.Context, qubeName string, wait bool) error {
	cmd := exec.CommandContext(ctx, p.DaemonPath, qubeName)
	if !wait {
		cmd.Env = append(os.Environ(), "QREXEC_STARTUP_NOWAIT=1")
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return qerrors.Wrap(qerrors.External, err, "starting qrexec daemon for %q: %s", qubeName, out)
	}
	return nil
}

// Reachable reports whether the daemon's per-qube control socket exists,
// which it only does once the guest agent has connected.
func (p *ProcessQrexec) Reachable(ctx context.Context, qubeName string) bool {
	_, err := os.Stat(filepath.Join(p.SocketDir, "qrexec."+qubeName))
	return err == nil
}
