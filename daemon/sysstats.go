/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package daemon

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/process"
)

var procStartTime = time.Now()

// SysStats collects process and runtime statistics
type SysStats struct {
	memstats *runtime.MemStats
}

// CollectRuntimeStats gathers cpu, mem, gc statistics
func (s *SysStats) CollectRuntimeStats(interval time.Duration) (map[string]uint64, error) {
	stats := make(map[string]uint64)
	m := &runtime.MemStats{}
	runtime.ReadMemStats(m)

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	stats["process.uptime"] = uint64(time.Now().Unix() - procStartTime.Unix())

	if val, err := proc.Percent(0); err == nil {
		stats["process.cpu_pct.avg"] = uint64(val * 100)
	}
	if val, err := proc.MemoryInfo(); err == nil {
		stats["process.rss"] = val.RSS
		stats["process.vms"] = val.VMS
	}
	if val, err := proc.NumFDs(); err == nil {
		stats["process.num_fds"] = uint64(val)
	}
	if val, err := proc.NumThreads(); err == nil {
		stats["process.num_threads"] = uint64(val)
	}

	stats["runtime.cpu.goroutines"] = uint64(runtime.NumGoroutine())
	stats["runtime.mem.alloc"] = m.Alloc
	stats["runtime.mem.sys"] = m.Sys
	stats["runtime.mem.heap.inuse"] = m.HeapInuse
	stats["runtime.mem.gc.count"] = uint64(m.NumGC)
	if last := s.memstats; last != nil && m.NumGC >= last.NumGC {
		if secs := uint64(interval.Seconds()); secs > 0 {
			stats["runtime.gc.count.rate"] = uint64(m.NumGC-last.NumGC) / secs
		}
	}
	s.memstats = m
	return stats, nil
}
