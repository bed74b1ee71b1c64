package modelruntime

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// Host memory probe backed by /proc/meminfo. Linux-only by deployment
// target; other platforms just skip the memory fields in swap logs.

type hostMemory struct {
	TotalMB     int64
	AvailableMB int64
}

func (h hostMemory) UsedPercent() float64 {
	if h.TotalMB <= 0 {
		return 0
	}
	return float64(h.TotalMB-h.AvailableMB) / float64(h.TotalMB) * 100
}

func readHostMemory() (hostMemory, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return hostMemory{}, err
	}
	defer f.Close()
	return parseMeminfo(f)
}

func parseMeminfo(f *os.File) (hostMemory, error) {
	var out hostMemory
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			out.TotalMB = meminfoKBToMB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			out.AvailableMB = meminfoKBToMB(line)
		}
	}
	return out, sc.Err()
}

func meminfoKBToMB(line string) int64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	kb, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return kb / 1024
}
