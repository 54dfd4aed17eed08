//go:build e2e

package e2e

import (
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/philsphicas/beacon/internal/crypto"
)

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// beaconBinary builds the beacon binary once and returns its path.
func beaconBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		// Find the repo root (parent of e2e/).
		dir, _ := os.Getwd()
		root := filepath.Dir(dir)
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			root = dir
		}
		builtBinary = filepath.Join(root, "bin", "beacon")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/beacon")
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("build beacon: %v", buildErr)
	}
	return builtBinary
}

// identity is a seed and the public key it produces.
type identity struct {
	seed      string
	publicKey string
}

func newIdentity(t *testing.T) identity {
	t.Helper()
	kp, err := crypto.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return identity{seed: hex.EncodeToString(kp.Private.Seed()), publicKey: kp.PublicKeyHex()}
}

// beaconProcess is a running beacon process with captured output.
type beaconProcess struct {
	cmd  *exec.Cmd
	logs *logBuffer // stderr
	out  *logBuffer // stdout
	done chan struct{}
	err  error
}

// logBuffer is a thread-safe line buffer that supports waiting for a line.
type logBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial string // incomplete line from previous Write
	waiters []logWaiter
}

type logWaiter struct {
	substr string
	ch     chan string
}

func (lb *logBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	data := lb.partial + string(p)
	lb.partial = ""
	for {
		i := strings.IndexByte(data, '\n')
		if i == -1 {
			lb.partial = data
			break
		}
		line := data[:i]
		data = data[i+1:]
		lb.lines = append(lb.lines, line)
		remaining := lb.waiters[:0]
		for _, w := range lb.waiters {
			if strings.Contains(line, w.substr) {
				w.ch <- line
			} else {
				remaining = append(remaining, w)
			}
		}
		lb.waiters = remaining
	}
	return len(p), nil
}

func (lb *logBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return strings.Join(lb.lines, "\n")
}

// waitFor blocks until a line containing substr appears, or times out.
func (lb *logBuffer) waitFor(substr string, timeout time.Duration) (string, bool) {
	ch := make(chan string, 1)

	lb.mu.Lock()
	for _, line := range lb.lines {
		if strings.Contains(line, substr) {
			lb.mu.Unlock()
			return line, true
		}
	}
	lb.waiters = append(lb.waiters, logWaiter{substr: substr, ch: ch})
	lb.mu.Unlock()

	select {
	case line := <-ch:
		return line, true
	case <-time.After(timeout):
		lb.mu.Lock()
		for i, w := range lb.waiters {
			if w.ch == ch {
				lb.waiters = append(lb.waiters[:i], lb.waiters[i+1:]...)
				break
			}
		}
		lb.mu.Unlock()
		return "", false
	}
}

// startBeacon starts the beacon binary with args. The process is killed
// on test cleanup.
func startBeacon(t *testing.T, args ...string) *beaconProcess {
	t.Helper()
	cmd := exec.Command(beaconBinary(t), args...)
	cmd.Env = append(os.Environ(), "BEACON_CONFIG=", "BEACON_SEED=", "BEACON_STATE=")

	proc := &beaconProcess{cmd: cmd, logs: &logBuffer{}, out: &logBuffer{}, done: make(chan struct{})}
	cmd.Stderr = proc.logs
	cmd.Stdout = proc.out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start beacon %v: %v", args, err)
	}
	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()

	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-proc.done
		if t.Failed() {
			t.Logf("beacon %v stderr:\n%s", args, proc.logs.String())
		}
	})
	return proc
}

// wait waits for the process to exit and returns its error.
func (p *beaconProcess) wait(t *testing.T, timeout time.Duration) error {
	t.Helper()
	select {
	case <-p.done:
		return p.err
	case <-time.After(timeout):
		t.Fatalf("beacon %v did not exit within %v", p.cmd.Args[1:], timeout)
		return nil
	}
}

// waitForLog waits for a stderr line containing substr.
func waitForLog(t *testing.T, proc *beaconProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line, ok := proc.logs.waitFor(substr, timeout)
	if !ok {
		t.Fatalf("timed out waiting for log: %q", substr)
	}
	return line
}

// addrRe extracts addr=host:port from log lines.
var addrRe = regexp.MustCompile(`addr=([^\s]+)`)

// waitForLogAddr waits for a log line and extracts the addr= value.
func waitForLogAddr(t *testing.T, proc *beaconProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line := waitForLog(t, proc, substr, timeout)
	m := addrRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("no addr= in log line: %s", line)
	}
	return m[1]
}

// scrape fetches the Prometheus text exposition from addr.
func scrape(t *testing.T, addr string) string {
	t.Helper()
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}
