package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// Control bytes understood by the sensor firmware
const (
	DefaultTrigger = 'G' // any byte starts streaming; G is what the capture tools send
	GainSelect     = 'G' // followed by an ASCII level digit and a newline
	StatusQuery    = 'I'

	MaxGainLevel = 4 // levels 0..4 map to 1x, 2x, 4x, 8x, 16x

	// Response framing emitted by the firmware
	GainAckPrefix     = "GAIN"
	GainAckTerminator = "\n"
	StatusPrefix      = "STATUS"
	StatusTerminator  = "END\n"

	maxGainAckLen = 64
	maxStatusLen  = 1024
)

// ResponseSpec describes how a device response is delimited inside the stream
type ResponseSpec struct {
	Prefix     []byte // first bytes of the response
	Terminator []byte // last bytes of the response
	MaxLen     int    // give up capturing after this many bytes
}

// Command is one host-to-device control message
type Command struct {
	Name     string        // short name used in logs and metrics
	Bytes    []byte        // exact bytes written to the link
	Response *ResponseSpec // nil when the device does not answer
}

// Trigger returns the start-of-stream command.
func Trigger(b byte) Command {
	return Command{Name: "trigger", Bytes: []byte{b}}
}

// Gain returns the command selecting input gain level (0..4).
func Gain(level int) (Command, error) {
	if level < 0 || level > MaxGainLevel {
		return Command{}, fmt.Errorf("gain level must be between 0 and %d, got %d", MaxGainLevel, level)
	}

	return Command{
		Name:  "gain",
		Bytes: []byte{GainSelect, byte('0' + level), '\n'},
		Response: &ResponseSpec{
			Prefix:     []byte(GainAckPrefix),
			Terminator: []byte(GainAckTerminator),
			MaxLen:     maxGainAckLen,
		},
	}, nil
}

// Status returns the status query command.
func Status() Command {
	return Command{
		Name:  "status",
		Bytes: []byte{StatusQuery},
		Response: &ResponseSpec{
			Prefix:     []byte(StatusPrefix),
			Terminator: []byte(StatusTerminator),
			MaxLen:     maxStatusLen,
		},
	}
}

// GainMultiplier returns the amplification factor for a gain level.
func GainMultiplier(level int) int {
	if level < 0 || level > MaxGainLevel {
		return 0
	}
	return 1 << level
}

// ParseStatus turns a status block into key/value pairs.
// Lines without a colon and the framing lines are ignored.
func ParseStatus(block string) map[string]string {
	fields := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(block))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == StatusPrefix || line == strings.TrimSpace(StatusTerminator) {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	return fields
}

// trimResponse strips framing whitespace from a captured response.
func trimResponse(resp []byte) string {
	return string(bytes.TrimSpace(resp))
}
