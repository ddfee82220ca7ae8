// Package tunnel forwards the remote kernel's ports to loopback over a
// background ssh session.
package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/myorg/kernelbox/pkg/proc"
	"github.com/myorg/kernelbox/pkg/provider"
	"github.com/myorg/kernelbox/pkg/remote"
	"github.com/myorg/kernelbox/pkg/util"
)

// KernelDescriptorPath is where the Jupyter runtime writes the kernel's
// connection file on the instance, relative to the login user's home.
const KernelDescriptorPath = ".local/share/jupyter/runtime/kernel.json"

const (
	portKeySuffix  = "_port"
	controlPortKey = "control_port"
	probeTimeout   = 200 * time.Millisecond

	defaultAttempts = 20
	defaultInterval = time.Second
)

// StartError reports that the forwarded control port never answered within
// the retry budget. The spawned ssh process has already been killed; the log
// file holds whatever it said before dying.
type StartError struct {
	Attempts int
	LogPath  string
}

func (e *StartError) Error() string {
	return fmt.Sprintf("tunnel not reachable after %d attempts; see %s", e.Attempts, e.LogPath)
}

// Descriptor is the kernel's parsed connection file. Every key ending in
// "_port" names a TCP port to forward.
type Descriptor map[string]any

func ParseDescriptor(raw []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parse kernel descriptor: %w", err)
	}
	return d, nil
}

// Ports returns the ports to forward, ascending.
func (d Descriptor) Ports() []int {
	var ports []int
	for k, v := range d {
		if !strings.HasSuffix(k, portKeySuffix) {
			continue
		}
		if n, ok := asPort(v); ok {
			ports = append(ports, n)
		}
	}
	sort.Ints(ports)
	return ports
}

// ControlPort is the liveness-probe target: the kernel's control channel when
// present, otherwise the lowest forwarded port.
func (d Descriptor) ControlPort() (int, bool) {
	if n, ok := asPort(d[controlPortKey]); ok {
		return n, true
	}
	ports := d.Ports()
	if len(ports) == 0 {
		return 0, false
	}
	return ports[0], true
}

func asPort(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		// encoding/json decodes numbers as float64
		return int(n), n > 0
	case int:
		return n, n > 0
	case string:
		p, err := strconv.Atoi(n)
		return p, err == nil && p > 0
	}
	return 0, false
}

// Fetch retrieves and parses the instance's kernel connection file.
func Fetch(ctx context.Context, r *remote.Runner, inst provider.Instance) (Descriptor, error) {
	local, err := r.FetchFile(ctx, inst, KernelDescriptorPath)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(local)
	if err != nil {
		return nil, fmt.Errorf("read fetched descriptor: %w", err)
	}
	return ParseDescriptor(raw)
}

// IsPortBound reports whether something answers on 127.0.0.1:port right now.
// It is a point-in-time liveness probe, nothing more.
func IsPortBound(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Opener establishes a multiplexed -L tunnel for every descriptor port and
// waits for the control port to answer locally.
type Opener struct {
	Runner   *remote.Runner
	LogDir   string
	Attempts int
	Interval time.Duration

	probe func(port int) bool
	start func(logPath, name string, args ...string) (*proc.Handle, error)
}

func NewOpener(r *remote.Runner) *Opener {
	return &Opener{
		Runner:   r,
		LogDir:   "logs",
		Attempts: defaultAttempts,
		Interval: defaultInterval,
		probe:    IsPortBound,
		start:    proc.Start,
	}
}

// Open spawns a background ssh session forwarding every port in the
// descriptor. If the control port already answers locally the existing tunnel
// is reused and nothing is spawned. Otherwise it probes once per interval up
// to Attempts times; on exhaustion the session is killed and a StartError
// returned. A successful handle has no owner: the session runs until it drops
// or is killed externally.
func (o *Opener) Open(ctx context.Context, inst provider.Instance, d Descriptor) (*proc.Handle, error) {
	control, ok := d.ControlPort()
	if !ok {
		return nil, fmt.Errorf("kernel descriptor lists no ports")
	}
	if o.probe(control) {
		logrus.Infof("tunnel already established on port %d", control)
		return nil, nil
	}

	args := []string{"-N"}
	for _, p := range d.Ports() {
		args = append(args, "-L", fmt.Sprintf("%d:localhost:%d", p, p))
	}
	args = append(args, o.Runner.SSHOptions()...)
	args = append(args, o.Runner.Target(inst))

	logPath := filepath.Join(o.LogDir, "tunnel-"+util.SafeLogName(instanceLabel(inst))+".log")
	h, err := o.start(logPath, "ssh", args...)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()
	for i := 0; i < o.Attempts; i++ {
		select {
		case <-ctx.Done():
			_ = h.Kill()
			return nil, ctx.Err()
		case <-ticker.C:
		}
		if o.probe(control) {
			logrus.Infof("tunnel established on port %d", control)
			return h, nil
		}
	}
	_ = h.Kill()
	return nil, &StartError{Attempts: o.Attempts, LogPath: logPath}
}

func instanceLabel(inst provider.Instance) string {
	if inst.Name != "" {
		return inst.Name
	}
	return inst.ID
}
