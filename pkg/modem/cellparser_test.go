package modem

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCellInfoMarshalsSnakeCaseFields(t *testing.T) {
	info := CellInfo{NetworkType: "5G NR", Band: "N41", ARFCN: 1, PCI: 2, RSRP: -95.5, RSRQ: -10.2, SINR: 15.3}
	raw, err := json.Marshal(info)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, key := range []string{"network_type", "band", "arfcn", "pci", "rsrp", "rsrq", "sinr"} {
		assert.Contains(t, m, key)
	}
}

func TestParseCellTableSplitsRowsAndFields(t *testing.T) {
	m := ParseCellTable("41,100-2,200-OK")
	require.Len(t, m, 2)
	assert.Equal(t, []string{"41", "100"}, m[0])
	assert.Equal(t, []string{"2", "200"}, m[1])
}

func TestParseCellTableHandlesDoubleDashRowTerminator(t *testing.T) {
	// "--" ends the current row; the second '-' becomes a leading sign
	// character that opens the next row's first field.
	m := ParseCellTable("1,2--3,4-OK")
	require.Len(t, m, 2)
	assert.Equal(t, []string{"1", "2"}, m[0])
	assert.Equal(t, []string{"-3", "4"}, m[1])
}

func TestParseCellTableKeepsNegativeSignLiteral(t *testing.T) {
	// ",-" inside a field is a negative number, not a row terminator.
	m := ParseCellTable("1,-95-OK")
	require.Len(t, m, 1)
	assert.Equal(t, []string{"1", "-95"}, m[0])
}

func TestParseCellTableStripsCarriageReturnsAndOKSuffix(t *testing.T) {
	m := ParseCellTable("1,2\r\n-3,4\r\nOK\r\n")
	require.Len(t, m, 2)
	assert.Equal(t, []string{"1", "2"}, m[0])
	assert.Equal(t, []string{"3", "4"}, m[1])
}

func TestParseCellTableCapsRowsAt64(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 100; i++ {
		sb.WriteString("1-")
	}
	m := ParseCellTable(sb.String())
	assert.LessOrEqual(t, len(m), 64)
}

func TestParseCellTableCapsFieldsAt16(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 20; i++ {
		sb.WriteString("1,")
	}
	sb.WriteString("1-OK")
	m := ParseCellTable(sb.String())
	require.Len(t, m, 1)
	assert.LessOrEqual(t, len(m[0]), 16)
}

func TestCellMatrixFieldOutOfRangeReturnsEmpty(t *testing.T) {
	var cm CellMatrix
	assert.Equal(t, "", cm.field(0, 0))
	cm = CellMatrix{{"a"}}
	assert.Equal(t, "", cm.field(0, 5))
	assert.Equal(t, "", cm.field(5, 0))
}

func TestCellMatrixHundredthsField(t *testing.T) {
	cm := CellMatrix{{"-9500"}}
	assert.InDelta(t, -95.0, cm.hundredthsField(0, 0), 0.0001)
}

func buildRows(n int, first string) CellMatrix {
	rows := make(CellMatrix, n)
	for i := range rows {
		rows[i] = []string{"0"}
	}
	rows[0] = []string{first}
	return rows
}

func TestDecode5GRequiresAtLeast16Rows(t *testing.T) {
	cm := buildRows(15, "41")
	_, ok := cm.Decode5G()
	assert.False(t, ok)

	cm = buildRows(16, "41")
	info, ok := cm.Decode5G()
	require.True(t, ok)
	assert.Equal(t, "5G NR", info.NetworkType)
	assert.Equal(t, "N41", info.Band)
}

func TestDecode4GRequiresAtLeast34Rows(t *testing.T) {
	cm := buildRows(33, "3")
	_, ok := cm.Decode4G()
	assert.False(t, ok)

	cm = buildRows(34, "3")
	info, ok := cm.Decode4G()
	require.True(t, ok)
	assert.Equal(t, "4G LTE", info.NetworkType)
	assert.Equal(t, "B3", info.Band)
}
