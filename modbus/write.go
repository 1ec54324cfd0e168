package modbus

import (
	"fmt"
)

// WriteRegister writes a single holding register on the device at `node`.
func (c *Client) WriteRegister(addr, value uint16, node uint8) error {

	err := c.reconnectIfNeccesary()
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}

	err = c.subClient.SetUnitId(node)
	if err != nil {
		return fmt.Errorf("set unit id %d: %w", node, err)
	}

	err = c.subClient.WriteRegister(addr, value)
	if err != nil {
		if !isProtocolException(err) {
			c.setShouldReconnect()
		}
		return fmt.Errorf("write register %#x: %w", addr, err)
	}

	return nil
}
