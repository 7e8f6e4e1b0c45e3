package supervisor

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/caravanhq/caravan/pkg/log"
)

// sweepResidualServices kills any process whose argv matches the child
// service naming convention (an argument containing "Service-" under a
// stepsvc executable) and whose PORT env var, when readable, lies inside
// [portMin, portMax]. Belt and braces after the structured stop path.
func sweepResidualServices(portMin, portMax int) int {
	killed := sweepProc(portMin, portMax)
	if killed >= 0 {
		return killed
	}
	return sweepPgrep()
}

// sweepProc walks /proc directly. Returns -1 when /proc is unavailable.
func sweepProc(portMin, portMax int) int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return -1
	}

	self := os.Getpid()
	killed := 0
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}
		raw, err := os.ReadFile("/proc/" + e.Name() + "/cmdline")
		if err != nil {
			continue
		}
		argv := strings.Split(string(raw), "\x00")
		if !isResidualChild(argv) {
			continue
		}
		if port, ok := environPort("/proc/" + e.Name() + "/environ"); ok && !portInRange(port, portMin, portMax) {
			// Argv matches but the process listens outside our range, so it
			// belongs to another engine instance. Leave it alone.
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err == nil {
			logger := log.WithComponent("supervisor")
			logger.Warn().
				Int("pid", pid).
				Str("argv", strings.Join(argv, " ")).
				Msg("killed residual child service process")
			killed++
		}
	}
	return killed
}

// isResidualChild matches the stepsvc launch convention:
// stepsvc --service-name <name>Service-<company>.
func isResidualChild(argv []string) bool {
	if len(argv) == 0 || !strings.Contains(argv[0], "stepsvc") {
		return false
	}
	for _, arg := range argv[1:] {
		if strings.Contains(arg, "Service-") {
			return true
		}
	}
	return false
}

// environPort extracts the PORT variable from a NUL-separated environ file.
// Unreadable files and missing or malformed PORT entries return ok=false;
// the caller then falls back to the argv match alone.
func environPort(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	for _, kv := range strings.Split(string(raw), "\x00") {
		v, found := strings.CutPrefix(kv, "PORT=")
		if !found {
			continue
		}
		port, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return port, true
	}
	return 0, false
}

func portInRange(port, min, max int) bool {
	return port >= min && port <= max
}

// sweepPgrep is the fallback for platforms without /proc.
func sweepPgrep() int {
	out, err := exec.Command("pgrep", "-f", "stepsvc.*Service-").Output()
	if err != nil {
		// Exit status 1 means no match; anything else we cannot help.
		return 0
	}
	killed := 0
	for _, line := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(line)
		if err != nil || pid == os.Getpid() {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err == nil {
			killed++
		}
	}
	return killed
}
