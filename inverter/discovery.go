package inverter

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cepro/skylinecontroller/registers"
)

// ErrNoInverters is returned when discovery finds nothing on an endpoint.
var ErrNoInverters = errors.New("no inverters found")

// Discover scans nodes 1 to `maxNode` on the endpoint for inverters, reading each one's model and serial number.
// A pass stops at the first node that does not respond. Up to `attempts` passes are made until at least one
// inverter is found.
func Discover(transport Transport, host string, maxNode uint8, attempts int, options Options) ([]*Inverter, error) {
	logger := slog.Default().With("host", host)

	err := transport.Connect()
	if err != nil {
		logger.Warn("Failed to connect for discovery", "error", err)
		// reads will retry the connection
	}

	var inverters []*Inverter
	var lastErr error
	for attempt := 1; attempt <= attempts && len(inverters) == 0; attempt++ {
		for node := uint8(1); node >= 1 && node <= maxNode; node++ {
			logger.Info("Querying node", "node", node, "attempt", attempt)

			model, serial, err := readIdentity(transport, node)
			if err != nil {
				logger.Info("Stopped scanning for nodes", "node", node, "error", err)
				lastErr = err
				break
			}

			logger.Info("Found inverter", "node", node, "model", model, "serial", serial)
			inverters = append(inverters, New(serial, model, node, host, transport, options))
		}
	}

	if len(inverters) == 0 {
		if lastErr != nil {
			return nil, fmt.Errorf("discover on %s: %w: %w", host, ErrNoInverters, lastErr)
		}
		return nil, fmt.Errorf("discover on %s: %w", host, ErrNoInverters)
	}

	return inverters, nil
}

// readIdentity reads the model and serial number strings of the device at `node`.
func readIdentity(transport Transport, node uint8) (string, string, error) {
	modelRegs, err := transport.ReadHoldingRegisters(registers.ModelBlock.StartAddr, registers.ModelBlock.NumRegisters, node)
	if err != nil {
		return "", "", &ReadError{Block: registers.ModelBlock.Name, Err: err}
	}
	model, err := registers.ToASCII(modelRegs, 0, len(modelRegs))
	if err != nil {
		return "", "", &DecodeError{Block: registers.ModelBlock.Name, Err: err}
	}

	serialRegs, err := transport.ReadHoldingRegisters(registers.SerialBlock.StartAddr, registers.SerialBlock.NumRegisters, node)
	if err != nil {
		return "", "", &ReadError{Block: registers.SerialBlock.Name, Err: err}
	}
	serial, err := registers.ToASCII(serialRegs, 0, len(serialRegs))
	if err != nil {
		return "", "", &DecodeError{Block: registers.SerialBlock.Name, Err: err}
	}
	if serial == "" {
		return "", "", &DecodeError{Block: registers.SerialBlock.Name, Err: errors.New("empty serial number")}
	}

	return model, serial, nil
}

// ReadSerialNumber reads the serial number of the device at `node`, e.g. to validate an endpoint.
func ReadSerialNumber(transport Transport, node uint8) (string, error) {
	_, serial, err := readIdentity(transport, node)
	return serial, err
}
