package nmea

/* Framing, validation and decoding for NMEA 0183 XDR sentences.

The functionality of this module is as follows:

- Split a raw serial byte stream into candidate sentence lines
- Validate framing, talker field and the optional XOR checksum
- Decode the XDR payload into transducer measurement groups

No device or concurrency concerns live here; this is the pure protocol
layer fed by the reader.

*/

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
)

// sentence layout: "$ttTTT,field,field,...*HH"
const (
	startDelimiter    = '$'
	checksumDelimiter = '*'

	talkerLen = 2
	typeLen   = 3
)

const sentenceTypeXDR = "XDR"

// ErrIdle is returned by Framer.Next when the source produced no bytes
// within its read timeout. Any partially collected sentence is kept and
// completed on a later call. Expected on a low-traffic bus.
var ErrIdle = errors.New("nmea: no data within read timeout")

// Framer splits a serial byte stream into candidate sentence lines.
//
// Lines are terminated by '\n'; a trailing '\r' is stripped and empty
// lines are skipped. Bytes after the last terminator are an incomplete
// sentence and are never emitted: they either get completed by further
// reads or discarded when the source fails.
type Framer struct {
	src io.Reader

	scratch []byte
	pending []byte
}

func NewFramer(src io.Reader) *Framer {
	return &Framer{
		src:     src,
		scratch: make([]byte, 512),
	}
}

// Next returns the next non-empty line, ErrIdle on a timed-out read, or
// the source's error once the stream is broken.
func (framer *Framer) Next() (string, error) {
	for {
		if i := bytes.IndexByte(framer.pending, '\n'); i >= 0 {
			line := strings.TrimRight(string(framer.pending[:i]), "\r")
			framer.pending = framer.pending[i+1:]
			if line == "" {
				continue
			}
			return line, nil
		}

		n, err := framer.src.Read(framer.scratch)
		if n > 0 {
			framer.pending = append(framer.pending, framer.scratch[:n]...)
			continue
		}
		if err != nil {
			// A partial sentence at end-of-stream is unusable, drop it.
			framer.pending = nil
			return "", err
		}
		// Serial reads return zero bytes without error when the
		// configured read timeout elapses.
		return "", ErrIdle
	}
}

// RejectReason classifies why a candidate line was discarded before
// decoding. Rejection is routine on a live NMEA bus, not an error.
type RejectReason int

const (
	// RejectNone marks an accepted sentence.
	RejectNone RejectReason = iota

	// RejectMalformedFraming: line does not start with '$'.
	RejectMalformedFraming

	// RejectUnrecognizedTalker: the five characters after '$' do not
	// form a talker + sentence type field.
	RejectUnrecognizedTalker

	// RejectChecksumMismatch: a '*HH' suffix is present but does not
	// match the XOR of the characters between '$' and '*'.
	RejectChecksumMismatch

	// RejectNotXDR: a well-formed sentence of some other type. Other
	// types are expected on the same stream and are silently ignored.
	RejectNotXDR
)

func (reason RejectReason) String() string {
	switch reason {
	case RejectNone:
		return "accepted"
	case RejectMalformedFraming:
		return "malformed framing"
	case RejectUnrecognizedTalker:
		return "unrecognized talker"
	case RejectChecksumMismatch:
		return "checksum mismatch"
	case RejectNotXDR:
		return "not an XDR sentence"
	}
	return "unknown"
}

// Sentence is a validated XDR sentence, split into its payload fields.
type Sentence struct {
	// Talker is the 2-character source identifier, e.g. "WI".
	Talker string

	// Fields is the comma-split payload after the talker+type field,
	// excluding the checksum suffix.
	Fields []string
}

// Validate checks a candidate line and splits it into a Sentence.
//
// The checksum suffix is optional: not all transducers append one, and
// decoding is self-validating per numeric field, so its absence is
// accepted rather than rejected.
func Validate(line string) (Sentence, RejectReason) {
	if len(line) == 0 || line[0] != startDelimiter {
		return Sentence{}, RejectMalformedFraming
	}
	if len(line) < 1+talkerLen+typeLen || !isTalkerField(line[1:1+talkerLen+typeLen]) {
		return Sentence{}, RejectUnrecognizedTalker
	}

	payload := line[1:]
	if star := strings.LastIndexByte(line, checksumDelimiter); star >= 0 {
		want, err := strconv.ParseUint(line[star+1:], 16, 8)
		if err != nil {
			return Sentence{}, RejectChecksumMismatch
		}
		got := byte(0)
		for i := 1; i < star; i++ {
			got ^= line[i]
		}
		if got != byte(want) {
			return Sentence{}, RejectChecksumMismatch
		}
		payload = line[1:star]
	}

	if payload[talkerLen:talkerLen+typeLen] != sentenceTypeXDR {
		return Sentence{}, RejectNotXDR
	}

	parts := strings.Split(payload, ",")
	return Sentence{
		Talker: payload[:talkerLen],
		Fields: parts[1:],
	}, RejectNone
}

// Talker and sentence type are upper-case letters or digits (a few
// proprietary talkers use digits, e.g. "P1").
func isTalkerField(field string) bool {
	for i := 0; i < len(field); i++ {
		c := field[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// Measurement is one decoded transducer report from an XDR payload.
//
// TypeCode and UnitCode are passed through without semantic validation;
// the sensor map decides which codes are meaningful.
type Measurement struct {
	TypeCode byte
	Value    float64
	UnitCode byte
	Name     string
}

// Decode parses the repeating 4-field transducer groups of an XDR
// payload: type code, value, unit code, transducer name.
//
// A group whose value does not parse as a decimal number is dropped on
// its own; sibling groups in the same sentence are kept. A trailing
// group with fewer than four fields is discarded. Output order matches
// payload order.
func Decode(sentence Sentence) []Measurement {
	var measurements []Measurement

	fields := sentence.Fields
	for len(fields) >= 4 {
		typeField, valueField, unitField, name := fields[0], fields[1], fields[2], fields[3]
		fields = fields[4:]

		// Transducers occasionally report empty slots.
		if typeField == "" || valueField == "" || unitField == "" {
			continue
		}

		value, err := strconv.ParseFloat(strings.TrimSpace(valueField), 64)
		if err != nil {
			continue
		}

		measurements = append(measurements, Measurement{
			TypeCode: typeField[0],
			Value:    value,
			UnitCode: unitField[0],
			Name:     name,
		})
	}

	return measurements
}
