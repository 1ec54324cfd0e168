package modbus

import (
	"fmt"

	"github.com/simonvetter/modbus"
)

// ReadHoldingRegisters reads `count` holding registers starting at `start` from the device at `node`.
func (c *Client) ReadHoldingRegisters(start, count uint16, node uint8) ([]uint16, error) {

	err := c.reconnectIfNeccesary()
	if err != nil {
		return nil, fmt.Errorf("reconnect: %w", err)
	}

	err = c.subClient.SetUnitId(node)
	if err != nil {
		return nil, fmt.Errorf("set unit id %d: %w", node, err)
	}

	registerVals, err := c.subClient.ReadRegisters(start, count, modbus.HOLDING_REGISTER)
	if err != nil {
		// a device that answers with a modbus exception is still connected
		if !isProtocolException(err) {
			c.setShouldReconnect()
		}
		return nil, fmt.Errorf("read %d registers at %#x: %w", count, start, err)
	}

	return registerVals, nil
}

// isProtocolException returns true if the error is a Modbus exception response rather than a transport failure.
func isProtocolException(err error) bool {
	switch err {
	case modbus.ErrIllegalFunction, modbus.ErrIllegalDataAddress, modbus.ErrIllegalDataValue,
		modbus.ErrServerDeviceFailure, modbus.ErrServerDeviceBusy, modbus.ErrMemoryParityError:
		return true
	}
	return false
}
