package device

import (
	"fmt"

	"github.com/notargets/gocca"
	"github.com/sirupsen/logrus"
)

// DefaultBackends lists device properties in order of preference
var DefaultBackends = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

// CreateDevice returns the first device that can be created from props,
// or from DefaultBackends when props is empty
func CreateDevice(log *logrus.Entry, props ...string) (*gocca.OCCADevice, error) {
	if len(props) == 0 {
		props = DefaultBackends
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	var lastErr error
	for _, p := range props {
		device, err := gocca.NewDevice(p)
		if err == nil {
			log.WithField("mode", device.Mode()).Info("created OCCA device")
			return device, nil
		}
		log.WithError(err).WithField("props", p).Debug("OCCA backend unavailable")
		lastErr = err
	}
	return nil, fmt.Errorf("no OCCA backend available: %w", lastErr)
}
