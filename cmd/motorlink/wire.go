package main

import (
	"fmt"
	"strings"
)

// encodeLine returns text followed by the line terminator the firmware reads up to.
func encodeLine(text string) []byte {
	b := make([]byte, 0, len(text)+len(lineTerminator))
	b = append(b, text...)
	return append(b, lineTerminator...)
}

// encodeBulk returns the header byte followed by the raw samples. Bulk frames are not
// newline terminated.
func encodeBulk(data [bulkSampleCount]byte) []byte {
	b := make([]byte, 0, bulkFrameLen)
	b = append(b, bulkHeader)
	return append(b, data[:]...)
}

// ============================================================================
// Controller telemetry
// ============================================================================
// The firmware prints "Pos:<n>" every ~30ms while locked and "FreePos:<n>" while
// free. Everything else (calibration progress, homing, I2C scan) is diagnostics.
// ============================================================================

type deviceLineKind int

const (
	deviceLineLog deviceLineKind = iota
	deviceLinePosition
	deviceLineFreePosition
)

type deviceLine struct {
	Kind     deviceLineKind
	Position int64
	Text     string
}

func parseDeviceLine(s string) deviceLine {
	s = strings.TrimSpace(s)
	var pos int64
	if _, err := fmt.Sscanf(s, "FreePos:%d", &pos); err == nil {
		return deviceLine{Kind: deviceLineFreePosition, Position: pos, Text: s}
	} else if _, err := fmt.Sscanf(s, "Pos:%d", &pos); err == nil {
		return deviceLine{Kind: deviceLinePosition, Position: pos, Text: s}
	}
	return deviceLine{Kind: deviceLineLog, Text: s}
}
