package config

import (
	"bufio"
	"os"
	"strings"
)

// CPUInfoPath is where the board serial is read from.
const CPUInfoPath = "/proc/cpuinfo"

// UnknownSerial stands in when the serial cannot be read.
const UnknownSerial = "ERROR000000001"

// DeviceID returns RPiID-<serial> from the Serial line of a cpuinfo file.
// It never fails; an unreadable file yields RPiID-ERROR000000001 so units
// are still filed under a stable name.
func DeviceID(cpuinfo string) string {
	serial := UnknownSerial
	if s, ok := readSerial(cpuinfo); ok {
		serial = s
	}
	return "RPiID-" + serial
}

func readSerial(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	var serial string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "Serial") {
			continue
		}
		if _, v, ok := strings.Cut(line, ":"); ok {
			serial = strings.TrimSpace(v)
		}
	}
	return serial, serial != ""
}
