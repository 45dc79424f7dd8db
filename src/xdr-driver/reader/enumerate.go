package reader

import (
	"errors"

	"github.com/sirupsen/logrus"
	serialenum "go.bug.st/serial/enumerator"
)

// probePort scans the system's serial ports for a plausible transducer
// device. Weather transducers typically show up as USB CDC devices
// (e.g. /dev/ttyACM0), so the first USB port wins.
func probePort(log *logrus.Entry) (string, error) {
	ports, err := serialenum.GetDetailedPortsList()
	if err != nil {
		return "", err
	}

	for _, port := range ports {
		log.WithField("name", port.Name).WithField("vendor", port.VID).Debug("Considering serial port.")
		if port.IsUSB {
			log.WithField("name", port.Name).Debug("Serial port looks like a transducer device.")
			return port.Name, nil
		}
	}

	return "", errors.New("no USB serial device present")
}
