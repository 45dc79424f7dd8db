package sensor

// Maps decoded transducer reports to the observation names configured
// by the host. Only mapped measurements ever reach the queue.

import (
	"fmt"
	"strings"

	"github.com/windvane/xdr-driver/src/xdr-driver/nmea"
)

// Selector picks out transducer reports for one observation.
type Selector struct {
	// TypeCode is the XDR transducer type character, e.g. 'P' for
	// pressure or 'C' for temperature.
	TypeCode byte

	// Name optionally restricts the match to one transducer name.
	// Empty matches any name, which is sufficient for devices with a
	// single transducer per type.
	Name string
}

func (selector Selector) matches(measurement nmea.Measurement) bool {
	if selector.TypeCode != measurement.TypeCode {
		return false
	}
	return selector.Name == "" || selector.Name == measurement.Name
}

// ParseSelector reads a configured selector of the form "P" or
// "P:Barometer" (type code, optionally a transducer name to match).
func ParseSelector(spec string) (Selector, error) {
	code, name, _ := strings.Cut(spec, ":")
	if len(code) != 1 {
		return Selector{}, fmt.Errorf("transducer selector %q: type code must be a single character", spec)
	}
	return Selector{TypeCode: code[0], Name: name}, nil
}

// Map associates observation names with transducer selectors. An empty
// map means no measurements are ever surfaced.
type Map map[string]Selector

// ParseMap builds a Map from raw configuration entries.
func ParseMap(raw map[string]string) (Map, error) {
	sensors := make(Map, len(raw))
	for observation, spec := range raw {
		selector, err := ParseSelector(spec)
		if err != nil {
			return nil, fmt.Errorf("observation %q: %w", observation, err)
		}
		sensors[observation] = selector
	}
	return sensors, nil
}

// Lookup returns the observation name configured for a transducer
// report, or false when the report is not of interest.
func (sensors Map) Lookup(typeCode byte, name string) (string, bool) {
	probe := nmea.Measurement{TypeCode: typeCode, Name: name}
	for observation, selector := range sensors {
		if selector.matches(probe) {
			return observation, true
		}
	}
	return "", false
}

// Apply filters one sentence's measurements down to the configured
// observations.
//
// Devices may repeat a transducer report within one sentence; the later
// group wins. Several observations may select the same report, in which
// case each receives the value.
func (sensors Map) Apply(measurements []nmea.Measurement) map[string]float64 {
	var values map[string]float64
	for _, measurement := range measurements {
		for observation, selector := range sensors {
			if !selector.matches(measurement) {
				continue
			}
			if values == nil {
				values = make(map[string]float64)
			}
			values[observation] = measurement.Value
		}
	}
	return values
}
