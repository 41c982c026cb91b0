package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	gopsproc "github.com/shirou/gopsutil/v3/process"
)

// ChildHealth is the payload of the binary's GET /health endpoint.
type ChildHealth struct {
	Status string   `json:"status"` // healthy, degraded, unhealthy
	Issues []string `json:"issues"`
}

// ResourceSample is one probe tick's resource reading.
type ResourceSample struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemPercent float32   `json:"mem_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Monitor probes the child every ProbeInterval until ctx is cancelled,
// emitting health transitions and resource alerts on the bus. Thresholds
// alert only; the monitor never kills the child.
func (s *Supervisor) Monitor(ctx context.Context, h *Handle) {
	ticker := time.NewTicker(s.opts.ProbeInterval)
	defer ticker.Stop()

	state := "healthy"
	var proc *gopsproc.Process
	if p, err := gopsproc.NewProcess(int32(h.pid)); err == nil {
		proc = p
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.waitDone:
			if state != "stopped" {
				s.emit(EventProcessHealth, HealthTransition{PID: h.pid, From: state, To: "stopped"})
			}
			return
		case <-ticker.C:
		}

		next := "healthy"
		health, err := s.childHealth(ctx, h.cfg.APIPort)
		if err != nil || health.Status == "unhealthy" {
			next = "unhealthy"
		}
		if err != nil {
			s.emit(EventProcessAlert, ResourceAlert{PID: h.pid, Kind: "unresponsive"})
		}

		if proc != nil {
			sample := sampleProcess(proc)
			s.recordSample(sample)
			if sample.CPUPercent > s.opts.CPUThreshold {
				s.emit(EventProcessAlert, ResourceAlert{
					PID: h.pid, Kind: "cpu", Value: sample.CPUPercent, Threshold: s.opts.CPUThreshold,
				})
			}
			if float64(sample.MemPercent) > s.opts.MemThreshold {
				s.emit(EventProcessAlert, ResourceAlert{
					PID: h.pid, Kind: "memory", Value: float64(sample.MemPercent), Threshold: s.opts.MemThreshold,
				})
			}
		}

		if next != state {
			s.log.Warn().Int("pid", h.pid).Str("from", state).Str("to", next).
				Msg("inference health transition")
			s.emit(EventProcessHealth, HealthTransition{PID: h.pid, From: state, To: next})
			state = next
		}
	}
}

func (s *Supervisor) recordSample(sample ResourceSample) {
	s.sampleMu.Lock()
	s.lastSample = sample
	s.sampleMu.Unlock()
}

// LastSample returns the most recent resource reading.
func (s *Supervisor) LastSample() ResourceSample {
	s.sampleMu.Lock()
	defer s.sampleMu.Unlock()
	return s.lastSample
}

// childHealth fetches and decodes the binary's health endpoint.
func (s *Supervisor) childHealth(ctx context.Context, port int) (*ChildHealth, error) {
	url := fmt.Sprintf("http://localhost:%d/health", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("supervisor: health status %d", resp.StatusCode)
	}
	var health ChildHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}
	return &health, nil
}

// sampleProcess reads CPU and memory from the OS process table.
func sampleProcess(p *gopsproc.Process) ResourceSample {
	sample := ResourceSample{SampledAt: time.Now().UTC()}
	if cpu, err := p.CPUPercent(); err == nil {
		sample.CPUPercent = cpu
	}
	if mem, err := p.MemoryPercent(); err == nil {
		sample.MemPercent = mem
	}
	if info, err := p.MemoryInfo(); err == nil && info != nil {
		sample.RSSBytes = info.RSS
	}
	return sample
}
