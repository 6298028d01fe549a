package executor

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/shirou/gopsutil/v4/process"
)

const maxLineSize = 256 * 1024

// capture copies one output stream into the device log, line by line.
// The pipe closing (process exit or kill) ends the scan; scanner errors
// past that point carry no information worth surfacing.
func (s *Supervisor) capture(serial string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		s.logs.Append(serial, sc.Text())
	}
}

// Usage is a point-in-time resource sample of a running execution's
// process.
type Usage struct {
	ExecutionID string  `json:"execution_id"`
	PID         int     `json:"pid"`
	CPUPercent  float64 `json:"cpu_percent"`
	RSSBytes    uint64  `json:"rss_bytes"`
}

// Usage samples CPU and memory for a running execution.
func (s *Supervisor) Usage(executionID string) (Usage, error) {
	s.mu.Lock()
	r, ok := s.running[executionID]
	s.mu.Unlock()
	if !ok {
		return Usage{}, fmt.Errorf("execution %s is not running", executionID)
	}

	p, err := process.NewProcess(int32(r.exec.PID))
	if err != nil {
		return Usage{}, fmt.Errorf("inspect pid %d: %w", r.exec.PID, err)
	}
	u := Usage{ExecutionID: executionID, PID: r.exec.PID}
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		u.RSSBytes = mem.RSS
	}
	return u, nil
}
