package modbus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/simonvetter/modbus"
)

// Client provides access to the holding registers of Modbus TCP (or RTU-over-TCP) devices.
// It hides the underlying open source modbus library. Many devices may share one Client, distinguished by their node
// (unit ID), so calls must not be made concurrently.
type Client struct {
	url     string
	timeout time.Duration

	subClient       *modbus.ModbusClient // the raw client of the underlying modbus library we are using
	shouldReconnect bool                 // when true, the subClient is 'dirty' and will be re-created next time a read or write call is made
	logger          *slog.Logger
}

// NewClient returns a client for the given endpoint. `framing` is either "tcp" or "rtuovertcp".
// No connection is made until the first call.
func NewClient(endpoint, framing string, timeout time.Duration) (*Client, error) {
	switch framing {
	case "", "tcp":
		framing = "tcp"
	case "rtuovertcp":
	default:
		return nil, fmt.Errorf("unsupported framing '%s'", framing)
	}

	client := &Client{
		url:             fmt.Sprintf("%s://%s", framing, endpoint),
		timeout:         timeout,
		shouldReconnect: true,
		logger:          slog.Default().With("host", endpoint),
	}

	return client, nil
}

// Connect (re)establishes the connection if it is not already open.
func (c *Client) Connect() error {
	return c.reconnectIfNeccesary()
}

// Close closes the underlying connection. The next read or write will reconnect.
func (c *Client) Close() error {
	c.setShouldReconnect()
	if c.subClient == nil {
		return nil
	}
	return c.subClient.Close()
}

// createSubClient creates the open-source modbus library client and connects to the host.
func (c *Client) createSubClient() error {
	subClient, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     c.url,
		Timeout: c.timeout,
	})
	if err != nil {
		return fmt.Errorf("create modbus client: %w", err)
	}

	err = subClient.Open()
	if err != nil {
		return fmt.Errorf("open modbus client: %w", err)
	}

	c.subClient = subClient

	return nil
}

// setShouldReconnect is called when there has been an error with the modbus connection that should trigger a re-connect.
func (c *Client) setShouldReconnect() {
	c.shouldReconnect = true
}

// reconnectIfNeccesary will close the old connection and reconnect if there have been problems with the connection.
func (c *Client) reconnectIfNeccesary() error {
	if !c.shouldReconnect {
		return nil
	}

	// Ignore errors from Close() as we will continue with the reconnect anyway and start a new connection.
	if c.subClient != nil {
		c.subClient.Close()
	}

	err := c.createSubClient()
	if err != nil {
		return err
	}

	c.shouldReconnect = false

	c.logger.Info("Connected modbus client")

	return nil
}
