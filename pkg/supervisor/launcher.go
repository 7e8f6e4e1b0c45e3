package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/caravanhq/caravan/pkg/types"
)

// LaunchSpec carries everything needed to spawn one child service process.
type LaunchSpec struct {
	ServiceName string
	Port        int
	Company     types.CompanyContext
	// EngineURL is where the child fetches its effective flags and posts
	// business events.
	EngineURL string
	// ExtraEnv is the opaque observability-agent identity bundle, passed
	// through to the child environment untouched.
	ExtraEnv []string
}

// Process is a handle on a spawned child.
type Process interface {
	PID() int
	// Signal sends sig to the child.
	Signal(sig os.Signal) error
	// Kill forcefully terminates the child.
	Kill() error
	// Done is closed once the child has exited and been reaped.
	Done() <-chan struct{}
}

// Launcher spawns child service processes. The default implementation runs
// the stepsvc binary; tests substitute an in-process fake.
type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}

// ExecLauncher spawns the stepsvc binary as an OS process. One process per
// service is deliberate: the observability agent attributes traffic and
// metrics by process identity.
type ExecLauncher struct {
	// Binary is the path to the stepsvc executable. Empty means "stepsvc
	// next to the current executable, else on PATH".
	Binary string
}

// Launch starts a child process for spec. The service name is passed as an
// argument so the process is identifiable by argv.
func (l *ExecLauncher) Launch(spec LaunchSpec) (Process, error) {
	bin, err := l.resolveBinary()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(bin, "--service-name", spec.ServiceName)
	cmd.Env = append(childBaseEnv(),
		"SERVICE_NAME="+spec.ServiceName,
		"PORT="+strconv.Itoa(spec.Port),
		"COMPANY_NAME="+spec.Company.CompanyName,
		"DOMAIN="+spec.Company.Domain,
		"INDUSTRY_TYPE="+spec.Company.IndustryType,
		"JOURNEY_TYPE="+spec.Company.JourneyType,
		"ENGINE_URL="+spec.EngineURL,
	)
	cmd.Env = append(cmd.Env, spec.ExtraEnv...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn %s: %w", spec.ServiceName, err)
	}

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait() // reap
		close(p.done)
	}()
	return p, nil
}

func (l *ExecLauncher) resolveBinary() (string, error) {
	if l.Binary != "" {
		return l.Binary, nil
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "stepsvc")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	bin, err := exec.LookPath("stepsvc")
	if err != nil {
		return "", fmt.Errorf("stepsvc binary not found: %w", err)
	}
	return bin, nil
}

// childBaseEnv is the minimal inherited environment for children.
func childBaseEnv() []string {
	out := []string{}
	for _, key := range []string{"PATH", "HOME", "TMPDIR"} {
		if v := os.Getenv(key); v != "" {
			out = append(out, key+"="+v)
		}
	}
	return out
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *osProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *osProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *osProcess) Done() <-chan struct{} {
	return p.done
}
