package transfer

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// RsyncProgress is one parsed rsync --info=progress2 line.
type RsyncProgress struct {
	BytesTransferred int64
	Percentage       int
	Speed            string // e.g. "1.23MB/s"
	TimeRemaining    string // e.g. "0:01:23"
	FileCount        int
	TotalFiles       int
}

// "         32,768 100%    1.23MB/s    0:00:01 (xfr#1, to-chk=99/100)"
// "      1,234,567  42%  500.00kB/s    0:01:23"
var progressRegex = regexp.MustCompile(
	`^\s*([\d,]+)\s+(\d+)%\s+([\d.]+[kMG]?B/s)\s+([\d:]+)(?:\s+\(xfr#(\d+),\s*(?:ir-chk|to-chk)=(\d+)/(\d+)\))?`,
)

// ParseRsyncProgress parses a line of rsync --info=progress2 output.
// Returns nil if the line is not a progress line.
func ParseRsyncProgress(line string) *RsyncProgress {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	m := progressRegex.FindStringSubmatch(line)
	if m == nil {
		return nil
	}

	p := &RsyncProgress{Speed: m[3], TimeRemaining: m[4]}
	if n, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64); err == nil {
		p.BytesTransferred = n
	}
	if pct, err := strconv.Atoi(m[2]); err == nil {
		p.Percentage = pct
	}
	if m[5] != "" {
		if xfr, err := strconv.Atoi(m[5]); err == nil {
			p.FileCount = xfr
		}
	}
	// to-chk=remaining/total
	if m[7] != "" {
		if total, err := strconv.Atoi(m[7]); err == nil {
			p.TotalFiles = total
		}
	}
	return p
}

// IsComplete returns true if the transfer is at 100%.
func (p *RsyncProgress) IsComplete() bool {
	return p != nil && p.Percentage == 100
}

// streamOutput reports each line of r, parsing rsync progress lines.
func streamOutput(r io.Reader, setup Setup) {
	scanner := bufio.NewScanner(r)
	scanner.Split(scanLinesWithCR)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if p := ParseRsyncProgress(line); p != nil {
			setup.report(Progress{Kind: ProgressRsync, Rsync: p, Line: line})
			continue
		}
		setup.report(Progress{Kind: ProgressOutput, Line: line})
	}
}

// scanLinesWithCR splits on both \n and \r; progress2 redraws with \r.
func scanLinesWithCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[0:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
