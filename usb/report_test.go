package usb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildReports_SingleReport(t *testing.T) {
	body := []byte{0x11, 0x22, 0x33}

	reports := buildReports(protocolTunnel, emiIDCEMI, body)
	require.Len(t, reports, 1)

	r := reports[0]
	require.Len(t, r, reportSize)
	assert.Equal(t, byte(reportID), r[0])
	assert.Equal(t, byte(0x13), r[1]) // sequence 1, start and end
	assert.Equal(t, byte(headerSize+len(body)), r[2])

	assert.Equal(t, []byte{headerVersion, headerSize, 0x00, 0x03, protocolTunnel, emiIDCEMI, 0x00, 0x00}, r[3:11])
	assert.Equal(t, body, r[11:11+len(body)])
	assert.Equal(t, make([]byte, reportSize-11-len(body)), r[11+len(body):])
}

func TestBuildReports_MultiReport(t *testing.T) {
	body := make([]byte, 80)
	for i := range body {
		body[i] = byte(i)
	}

	reports := buildReports(protocolTunnel, emiIDCEMI, body)
	require.Len(t, reports, 2)

	first, second := reports[0], reports[1]
	assert.Equal(t, byte(0x15), first[1]) // sequence 1, start and partial
	assert.Equal(t, byte(maxReportData), first[2])
	assert.Equal(t, byte(0x26), second[1]) // sequence 2, partial and end
	assert.Equal(t, byte(headerSize+len(body)-maxReportData), second[2])

	split := maxReportData - headerSize
	assert.Equal(t, body[:split], first[3+headerSize:3+maxReportData])
	assert.Equal(t, body[split:], second[3:3+len(body)-split])
}

func TestAssembler_RoundTrip(t *testing.T) {
	long := make([]byte, 150)
	for i := range long {
		long[i] = byte(i)
	}

	bodies := map[string][]byte{
		"empty":  {},
		"single": {0x29, 0x00, 0xBC},
		"multi":  long,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			var a assembler
			var frame *transferFrame

			for _, report := range buildReports(protocolFeature, featureResponse, body) {
				f, err := a.feed(report)
				require.NoError(t, err)
				if f != nil {
					require.Nil(t, frame)
					frame = f
				}
			}

			require.NotNil(t, frame)
			assert.Equal(t, byte(protocolFeature), frame.protocol)
			assert.Equal(t, byte(featureResponse), frame.id)
			assert.Equal(t, body, frame.body)
		})
	}
}

func TestAssembler_PaddingIgnored(t *testing.T) {
	body := []byte{0xAA, 0xBB}

	report := buildReports(protocolTunnel, emiIDCEMI, body)[0]
	for i := 3 + int(report[2]); i < len(report); i++ {
		report[i] = 0xFF
	}

	var a assembler
	frame, err := a.feed(report)
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, body, frame.body)
}

func TestAssembler_StartAbortsUnfinishedFrame(t *testing.T) {
	long := make([]byte, 100)
	partial := buildReports(protocolTunnel, emiIDCEMI, long)[0]
	single := buildReports(protocolTunnel, emiIDCEMI, []byte{0x01})[0]

	var a assembler
	frame, err := a.feed(partial)
	require.NoError(t, err)
	require.Nil(t, frame)

	frame, err = a.feed(single)
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, []byte{0x01}, frame.body)
}

func TestAssembler_Errors(t *testing.T) {
	single := func() []byte {
		return buildReports(protocolTunnel, emiIDCEMI, []byte{0x01, 0x02})[0]
	}

	tests := map[string]func() [][]byte{
		"report too short": func() [][]byte {
			return [][]byte{{reportID, 0x13}}
		},
		"unknown report identifier": func() [][]byte {
			r := single()
			r[0] = 0x02
			return [][]byte{r}
		},
		"data length exceeds report": func() [][]byte {
			r := single()
			r[2] = reportSize
			return [][]byte{r}
		},
		"start packet too short for header": func() [][]byte {
			r := single()
			r[2] = headerSize - 1
			return [][]byte{r}
		},
		"unknown header version": func() [][]byte {
			r := single()
			r[3] = 0x10
			return [][]byte{r}
		},
		"continuation without start": func() [][]byte {
			r := single()
			r[1] = 0x26 // partial and end
			return [][]byte{r}
		},
		"sequence gap": func() [][]byte {
			long := make([]byte, 100)
			reports := buildReports(protocolTunnel, emiIDCEMI, long)
			reports[1][1] = 0x36 // sequence 3 instead of 2
			return reports
		},
		"body shorter than announced": func() [][]byte {
			r := single()
			r[6] = 0x20 // transfer header claims 32 body bytes
			return [][]byte{r}
		},
	}

	for name, makeReports := range tests {
		t.Run(name, func(t *testing.T) {
			var a assembler
			var lastErr error

			for _, report := range makeReports() {
				frame, err := a.feed(report)
				assert.Nil(t, frame)
				if err != nil {
					lastErr = err
				}
			}

			require.Error(t, lastErr)
			assert.ErrorIs(t, lastErr, ErrFormat)
		})
	}
}
