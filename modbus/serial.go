package modbus

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	gridx "github.com/grid-x/modbus"
)

// SerialClient provides access to the holding registers of Modbus RTU devices on a local serial line.
// Like Client, it is shared by every device on the line and must not be called concurrently.
type SerialClient struct {
	device string

	handler         *gridx.RTUClientHandler
	subClient       gridx.Client
	shouldReconnect bool
	logger          *slog.Logger
}

// NewSerialClient returns a client for the serial `device` (e.g. /dev/ttyUSB0). No connection is made until the first call.
func NewSerialClient(device string, baudRate int, timeout time.Duration) *SerialClient {
	handler := gridx.NewRTUClientHandler(device)
	handler.BaudRate = baudRate
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = timeout

	return &SerialClient{
		device:          device,
		handler:         handler,
		subClient:       gridx.NewClient(handler),
		shouldReconnect: true,
		logger:          slog.Default().With("device", device),
	}
}

func (s *SerialClient) Connect() error {
	return s.reconnectIfNeccesary()
}

func (s *SerialClient) Close() error {
	s.shouldReconnect = true
	return s.handler.Close()
}

func (s *SerialClient) reconnectIfNeccesary() error {
	if !s.shouldReconnect {
		return nil
	}

	s.handler.Close()

	err := s.handler.Connect()
	if err != nil {
		return fmt.Errorf("open serial port: %w", err)
	}

	s.shouldReconnect = false

	s.logger.Info("Connected modbus serial client")

	return nil
}

// ReadHoldingRegisters reads `count` holding registers starting at `start` from the device at `node`.
func (s *SerialClient) ReadHoldingRegisters(start, count uint16, node uint8) ([]uint16, error) {

	err := s.reconnectIfNeccesary()
	if err != nil {
		return nil, fmt.Errorf("reconnect: %w", err)
	}

	s.handler.SlaveID = node

	bytes, err := s.subClient.ReadHoldingRegisters(start, count)
	if err != nil {
		s.shouldReconnect = true
		return nil, fmt.Errorf("read %d registers at %#x: %w", count, start, err)
	}

	// Each register is two bytes, big endian
	registerVals := make([]uint16, len(bytes)/2)
	for i := range registerVals {
		loc := i * 2
		registerVals[i] = binary.BigEndian.Uint16(bytes[loc : loc+2])
	}

	return registerVals, nil
}

// WriteRegister writes a single holding register on the device at `node`.
func (s *SerialClient) WriteRegister(addr, value uint16, node uint8) error {

	err := s.reconnectIfNeccesary()
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}

	s.handler.SlaveID = node

	_, err = s.subClient.WriteSingleRegister(addr, value)
	if err != nil {
		s.shouldReconnect = true
		return fmt.Errorf("write register %#x: %w", addr, err)
	}

	return nil
}
