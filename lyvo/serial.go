package lyvo

import (
	"bufio"
	"io"
	"os"
	"strings"
)

var cpuinfoPath = "/proc/cpuinfo"

// SerialNumber returns the hardware serial number of the box. It falls back to
// DevSN when the hardware does not report one.
func SerialNumber() string {
	f, err := os.Open(cpuinfoPath)
	if err != nil {
		return DevSN
	}
	defer f.Close()
	if sn := parseSerial(f); sn != "" {
		return sn
	}
	return DevSN
}

// parseSerial returns the value of the first "Serial" line of a cpuinfo listing
func parseSerial(r io.Reader) string {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found || strings.TrimSpace(key) != "Serial" {
			continue
		}
		return strings.TrimSpace(value)
	}
	return ""
}
