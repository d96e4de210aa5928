package modem

import (
	"strconv"
	"strings"
)

// CellMatrix is the row-major string matrix parsed from a vendor
// +SPENGMD reply: up to 64 rows of up to 16 comma-separated fields.
type CellMatrix [][]string

// ParseCellTable tokenises a raw +SPENGMD AT response into CellMatrix, per
// the three rules spec.md §4.2/§9 describe for the '-' character:
//
//  1. a lone '-' terminates the current row;
//  2. '--' also terminates the row, but the second '-' starts the next row's
//     first field;
//  3. ',-' is a negative-sign literal inside the current field, not a row
//     terminator.
//
// Implemented as an explicit two-state scan (current char, lookahead char)
// over the cleaned response, never holding a shared global buffer.
func ParseCellTable(atResponse string) CellMatrix {
	cleaned := cleanResponse(atResponse)

	var rows CellMatrix
	var field strings.Builder
	var row []string
	prev := byte(0)

	flushField := func() {
		row = append(row, strings.TrimSpace(field.String()))
		field.Reset()
	}
	flushRow := func() {
		if field.Len() > 0 || len(row) > 0 {
			flushField()
		}
		if len(row) > 0 {
			rows = append(rows, row)
			row = nil
		}
	}

	for i := 0; i < len(cleaned); i++ {
		c := cleaned[i]
		var next byte
		if i+1 < len(cleaned) {
			next = cleaned[i+1]
		}

		switch {
		case c == '-' && prev == ',':
			// Rule 3: negative-sign literal, stays in the current field.
			field.WriteByte(c)
		case c == '-' && next == '-':
			// Rule 2: row terminator; the second '-' opens the next row.
			flushRow()
			i++
			field.WriteByte('-')
			c = '-'
		case c == '-':
			// Rule 1: lone row terminator.
			flushRow()
		case c == ',':
			flushField()
		default:
			field.WriteByte(c)
		}

		prev = c
		if len(rows) >= 64 {
			break
		}
	}
	flushRow()

	for i, r := range rows {
		if len(r) > 16 {
			rows[i] = r[:16]
		}
	}
	if len(rows) > 64 {
		rows = rows[:64]
	}
	return rows
}

func cleanResponse(s string) string {
	if idx := strings.LastIndex(s, "OK"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// field safely reads matrix[row][col], returning "" when out of range.
func (cm CellMatrix) field(row, col int) string {
	if row < 0 || row >= len(cm) {
		return ""
	}
	if col < 0 || col >= len(cm[row]) {
		return ""
	}
	return cm[row][col]
}

func (cm CellMatrix) intField(row, col int) int {
	n, _ := strconv.Atoi(strings.TrimSpace(cm.field(row, col)))
	return n
}

func (cm CellMatrix) hundredthsField(row, col int) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(cm.field(row, col)), 64)
	return f / 100.0
}

// CellInfo is the decoded current-band snapshot (/api/current_band).
type CellInfo struct {
	NetworkType string  `json:"network_type"`
	Band        string  `json:"band"`
	ARFCN       int     `json:"arfcn"`
	PCI         int     `json:"pci"`
	RSRP        float64 `json:"rsrp"`
	RSRQ        float64 `json:"rsrq"`
	SINR        float64 `json:"sinr"`
}

// Decode5G turns a CellMatrix from `AT+SPENGMD=0,14,1` into CellInfo,
// requiring at least 16 rows (band..SINR at row 15).
func (cm CellMatrix) Decode5G() (CellInfo, bool) {
	if len(cm) <= 15 {
		return CellInfo{}, false
	}
	return CellInfo{
		NetworkType: "5G NR",
		Band:        "N" + cm.field(0, 0),
		ARFCN:       cm.intField(1, 0),
		PCI:         cm.intField(2, 0),
		RSRP:        cm.hundredthsField(3, 0),
		RSRQ:        cm.hundredthsField(4, 0),
		SINR:        cm.hundredthsField(15, 0),
	}, true
}

// Decode4G turns a CellMatrix from `AT+SPENGMD=0,6,0` into CellInfo,
// requiring at least 34 rows (band..SINR at row 33).
func (cm CellMatrix) Decode4G() (CellInfo, bool) {
	if len(cm) <= 33 {
		return CellInfo{}, false
	}
	return CellInfo{
		NetworkType: "4G LTE",
		Band:        "B" + cm.field(0, 0),
		ARFCN:       cm.intField(1, 0),
		PCI:         cm.intField(2, 0),
		RSRP:        cm.hundredthsField(3, 0),
		RSRQ:        cm.hundredthsField(4, 0),
		SINR:        cm.hundredthsField(33, 0),
	}, true
}
