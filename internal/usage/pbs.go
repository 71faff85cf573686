package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

const bytesPerGB = 1 << 30

// NodeFacts describes the execution node.
type NodeFacts struct {
	Hostname        string
	IPAddress       string
	MemoryGB        float64
	DiskSpaceFreeGB float64
}

// NodeStats is the node record attached to each process entry.
type NodeStats struct {
	Cores           float64 `json:"cores"`
	MemoryGB        float64 `json:"memory_gb"`
	Hostname        string  `json:"hostname"`
	IPAddress       string  `json:"ip_address"`
	DiskSpaceFreeGB float64 `json:"disk_space_free_gb"`
}

// ProcessStats is the per-step entry of a PBS metrics document.
type ProcessStats struct {
	Name          string    `json:"name"`
	TimeStarted   string    `json:"time_started"`
	TimeEnd       string    `json:"time_end"`
	WorkDirSizeGB float64   `json:"work_dir_size_gb"`
	MemoryMaxGB   float64   `json:"memory_max_gb"`
	Node          NodeStats `json:"node"`
}

// WorkflowStats summarises the whole PBS job.
type WorkflowStats struct {
	ExitCode    int    `json:"exit_code"`
	TimeQueued  string `json:"time_queued"`
	TimeStarted string `json:"time_started"`
	TimeEnd     string `json:"time_end"`
}

// PBSMetrics is the document written to metrics.json by a PBS job.
type PBSMetrics struct {
	Blob      Summary        `json:"blob"`
	Processes []ProcessStats `json:"processes"`
	Workflow  WorkflowStats  `json:"workflow"`
}

// PBSOptions locates the inputs of BuildPBSMetrics.
type PBSOptions struct {
	// LogPath is the cwl-runner log.
	LogPath string
	// ExitCodePath is the exit_code.json written by the job script.
	ExitCodePath string
	// ScriptPath is pbs.bash; its modification time approximates the queue time.
	ScriptPath string
	// WorkDir is the job working directory used for disk accounting.
	WorkDir string
	// Location is the zone of the log timestamps. Defaults to time.Local.
	Location *time.Location
	// Facts samples the node. Defaults to HostFacts.
	Facts func(ctx context.Context, dir string) (NodeFacts, error)
}

// BuildPBSMetrics assembles the metrics document of a finished PBS job.
func BuildPBSMetrics(ctx context.Context, opts PBSOptions) (*PBSMetrics, error) {
	if opts.Facts == nil {
		opts.Facts = HostFacts
	}

	f, err := os.Open(opts.LogPath)
	if err != nil {
		return nil, fmt.Errorf("open runner log: %w", err)
	}
	steps, err := ParseSteps(f, opts.Location)
	f.Close()
	if err != nil {
		return nil, err
	}

	exitCode, err := ReadExitCode(opts.ExitCodePath)
	if err != nil {
		return nil, err
	}

	script, err := os.Stat(opts.ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("stat job script: %w", err)
	}

	facts, err := opts.Facts(ctx, opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("sample node: %w", err)
	}

	blob := Summarize(steps, func(step string) float64 { return StepDiskMB(opts.WorkDir, step) })

	processes := make([]ProcessStats, 0, len(blob.Children))
	for _, child := range blob.Children {
		processes = append(processes, ProcessStats{
			Name:          child.Name,
			TimeStarted:   child.StartTime,
			TimeEnd:       child.FinishTime,
			WorkDirSizeGB: child.DiskMegabytes / 1024,
			MemoryMaxGB:   Unknown,
			Node: NodeStats{
				Cores:           child.CPUs,
				MemoryGB:        facts.MemoryGB,
				Hostname:        facts.Hostname,
				IPAddress:       facts.IPAddress,
				DiskSpaceFreeGB: facts.DiskSpaceFreeGB,
			},
		})
	}

	return &PBSMetrics{
		Blob:      blob,
		Processes: processes,
		Workflow: WorkflowStats{
			ExitCode:    exitCode,
			TimeQueued:  formatTime(script.ModTime()),
			TimeStarted: blob.StartTime,
			TimeEnd:     blob.FinishTime,
		},
	}, nil
}

// ReadExitCode reads {"exit_code": N} from path.
func ReadExitCode(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read exit code: %w", err)
	}
	var doc struct {
		ExitCode *int `json:"exit_code"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("decode exit code: %w", err)
	}
	if doc.ExitCode == nil {
		return 0, fmt.Errorf("decode exit code: missing exit_code in %s", path)
	}
	return *doc.ExitCode, nil
}

// HostFacts samples the local node with gopsutil. The IP address is the
// first resolved address of the hostname, or empty when it does not resolve.
func HostFacts(ctx context.Context, dir string) (NodeFacts, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return NodeFacts{}, fmt.Errorf("host info: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return NodeFacts{}, fmt.Errorf("virtual memory: %w", err)
	}
	if dir == "" {
		dir = "."
	}
	du, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return NodeFacts{}, fmt.Errorf("disk usage: %w", err)
	}

	facts := NodeFacts{
		Hostname:        info.Hostname,
		MemoryGB:        float64(vm.Total) / bytesPerGB,
		DiskSpaceFreeGB: float64(du.Free) / bytesPerGB,
	}
	var resolver net.Resolver
	if addrs, err := resolver.LookupHost(ctx, info.Hostname); err == nil && len(addrs) > 0 {
		facts.IPAddress = addrs[0]
	}
	return facts, nil
}
