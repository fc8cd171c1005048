package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/reelforge/reelforge/internal/broker"
	"github.com/reelforge/reelforge/internal/database"
	"github.com/reelforge/reelforge/internal/ffmpeg"
	"github.com/reelforge/reelforge/internal/scheduler"
)

// HealthHandler handles the health check endpoint.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        *database.DB
	queue     broker.Broker
	tools     *ffmpeg.Toolchain
	runner    *scheduler.Runner
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the database for health checks.
func (h *HealthHandler) WithDB(db *database.DB) *HealthHandler {
	h.db = db
	return h
}

// WithQueue sets the work queue for health checks.
func (h *HealthHandler) WithQueue(queue broker.Broker) *HealthHandler {
	h.queue = queue
	return h
}

// WithToolchain sets the ffmpeg toolchain for health checks.
func (h *HealthHandler) WithToolchain(tools *ffmpeg.Toolchain) *HealthHandler {
	h.tools = tools
	return h
}

// WithRunner sets the worker pool whose status is reported.
func (h *HealthHandler) WithRunner(runner *scheduler.Runner) *HealthHandler {
	h.runner = runner
	return h
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/api/v1/healthz",
		Summary:     "Health check",
		Description: "Returns the health of the service's dependencies and process statistics",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// CPUInfo reports host load relative to core count.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo reports host and process memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessMemoryMB   float64 `json:"process_memory_mb"`
	// ChildProcessesMB accumulates the running ffmpeg children.
	ChildProcessesMB  float64 `json:"child_processes_mb"`
	ChildProcessCount int     `json:"child_process_count"`
}

// WorkersInfo reports the worker pool state.
type WorkersInfo struct {
	Running    bool  `json:"running"`
	Workers    int   `json:"workers"`
	ActiveJobs int64 `json:"active_jobs"`
	QueueDepth int64 `json:"queue_depth"`
}

// HealthResponse is the health check response body.
type HealthResponse struct {
	Status        string            `json:"status" enum:"healthy,degraded"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	CPUInfo       CPUInfo           `json:"cpu"`
	Memory        MemoryInfo        `json:"memory"`
	Workers       *WorkersInfo      `json:"workers,omitempty"`
	FFmpeg        string            `json:"ffmpeg_version,omitempty"`
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// GetHealth probes every dependency and reports process statistics. The
// endpoint itself always answers 200; consumers read Status.
func (h *HealthHandler) GetHealth(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	checks := map[string]string{}
	status := "healthy"
	record := func(name string, err error) {
		if err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}

	if h.db != nil {
		record("database", h.db.Ping(ctx))
	}
	if h.queue != nil {
		record("queue", h.queue.Ping(ctx))
	}

	var ffmpegVersion string
	if h.tools != nil {
		record("ffmpeg", h.tools.Check(ctx))
		ffmpegVersion = h.tools.Version
	}

	var workers *WorkersInfo
	if h.runner != nil {
		rs := h.runner.Status()
		workers = &WorkersInfo{
			Running:    rs.Running,
			Workers:    rs.Workers,
			ActiveJobs: rs.ActiveJobs,
		}
		if h.queue != nil {
			if depth, err := h.queue.Len(ctx); err == nil {
				workers.QueueDepth = depth
			}
		}
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			Checks:        checks,
			CPUInfo:       h.getCPUInfo(),
			Memory:        h.getMemoryInfo(),
			Workers:       workers,
			FFmpeg:        ffmpegVersion,
		},
	}, nil
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo() CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}

	return info
}

// getMemoryInfo returns memory usage for the host, this process and its
// ffmpeg children.
func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return info
	}

	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		info.ProcessMemoryMB = float64(memInfo.RSS) / 1024 / 1024
	}

	if children, err := proc.Children(); err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			if childMem, err := child.MemoryInfo(); err == nil && childMem != nil {
				info.ChildProcessesMB += float64(childMem.RSS) / 1024 / 1024
			}
		}
	}

	return info
}
