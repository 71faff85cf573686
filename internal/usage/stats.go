package usage

// StepUsage is the usage of one step.
type StepUsage struct {
	Name              string  `json:"name"`
	StartTime         string  `json:"start_time"`
	FinishTime        string  `json:"finish_time"`
	CPUs              float64 `json:"cpus"`
	RAMMegabytes      float64 `json:"ram_megabytes"`
	RAMMegabytesHours float64 `json:"ram_megabytes_hours"`
	DiskMegabytes     float64 `json:"disk_megabytes"`
	ElapsedSeconds    float64 `json:"elapsed_seconds"`
	ElapsedHours      float64 `json:"elapsed_hours"`
	CPUHours          float64 `json:"cpu_hours"`
}

// Summary aggregates the usage of a whole workflow run.
type Summary struct {
	Children                []StepUsage `json:"children"`
	CoresAllowed            float64     `json:"cores_allowed"`
	StartTime               string      `json:"start_time"`
	FinishTime              string      `json:"finish_time"`
	MaxParallelCPUs         float64     `json:"max_parallel_cpus"`
	MaxParallelRAMMegabytes float64     `json:"max_parallel_ram_megabytes"`
	MaxParallelTasks        int         `json:"max_parallel_tasks"`
	RAMMBAllowed            float64     `json:"ram_mb_allowed"`
	TotalCPUHours           float64     `json:"total_cpu_hours"`
	TotalDiskMegabytes      float64     `json:"total_disk_megabytes"`
	TotalRAMMegabyteHours   float64     `json:"total_ram_megabyte_hours"`
	TotalTasks              int         `json:"total_tasks"`
	ElapsedSeconds          float64     `json:"elapsed_seconds"`
	ElapsedHours            float64     `json:"elapsed_hours"`
}

// Summarize builds the usage summary of steps. disk reports the megabytes a
// step occupied; nil counts zero. Each step is assumed to use one core.
func Summarize(steps []Step, disk func(step string) float64) Summary {
	s := Summary{
		Children:                make([]StepUsage, 0, len(steps)),
		CoresAllowed:            1,
		MaxParallelCPUs:         1,
		MaxParallelRAMMegabytes: Unknown,
		MaxParallelTasks:        1,
		RAMMBAllowed:            Unknown,
		TotalRAMMegabyteHours:   Unknown,
	}
	if len(steps) == 0 {
		s.MaxParallelTasks = 0
		return s
	}

	start, finish := steps[0].Start, steps[0].Finish
	for _, st := range steps {
		elapsed := st.Finish.Sub(st.Start).Seconds()
		u := StepUsage{
			Name:              st.Name,
			StartTime:         formatTime(st.Start),
			FinishTime:        formatTime(st.Finish),
			CPUs:              1,
			RAMMegabytes:      Unknown,
			RAMMegabytesHours: Unknown,
			ElapsedSeconds:    elapsed,
			ElapsedHours:      elapsed / 3600,
		}
		if disk != nil {
			u.DiskMegabytes = disk(st.Name)
		}
		u.CPUHours = u.ElapsedHours * u.CPUs

		s.Children = append(s.Children, u)
		s.TotalCPUHours += u.CPUHours
		s.TotalDiskMegabytes += u.DiskMegabytes
		if st.Start.Before(start) {
			start = st.Start
		}
		if st.Finish.After(finish) {
			finish = st.Finish
		}
	}

	s.TotalTasks = len(s.Children)
	s.StartTime = formatTime(start)
	s.FinishTime = formatTime(finish)
	s.ElapsedSeconds = finish.Sub(start).Seconds()
	s.ElapsedHours = s.ElapsedSeconds / 3600
	return s
}
