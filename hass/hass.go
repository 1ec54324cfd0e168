package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cepro/skylinecontroller/config"
	"github.com/cepro/skylinecontroller/controller"
	"github.com/cepro/skylinecontroller/registers"
	"github.com/cepro/skylinecontroller/telemetry"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Client is the part of the MQTT client that the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Publisher makes the inverters and the excess power controller available to Home Assistant over MQTT. Entities are
// announced through MQTT discovery the first time a device is seen, states are published for every reading, and
// commands received on the `<prefix>/<serial|site>/<name>/set` topics are passed to the controller.
type Publisher struct {
	client          Client
	topicPrefix     string
	discoveryPrefix string
	inverterCount   int
	commands        chan<- controller.Command

	announced map[string]bool

	logger *slog.Logger
}

func New(client Client, topicPrefix, discoveryPrefix string, inverterCount int, commands chan<- controller.Command) *Publisher {
	return &Publisher{
		client:          client,
		topicPrefix:     topicPrefix,
		discoveryPrefix: discoveryPrefix,
		inverterCount:   inverterCount,
		commands:        commands,
		announced:       make(map[string]bool),
		logger:          slog.Default().With("component", "hass"),
	}
}

// connectTimeout is how long Connect waits for the first connection to the broker.
const connectTimeout = 30 * time.Second

// ErrTimeout is returned when the broker does not answer in time.
var ErrTimeout = errors.New("timed out waiting for the mqtt broker")

// Connect connects to the MQTT broker. The broker marks the controller as offline if the connection is lost.
func Connect(cfg config.MQTTConfig) (mqtt.Client, error) {
	statusTopic := cfg.TopicPrefix + "/status"

	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetWill(statusTopic, "offline", 1, true)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		slog.Info("MQTT connected", "broker", cfg.Broker)
		client.Publish(statusTopic, 1, true, "online")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		slog.Warn("MQTT connection lost", "broker", cfg.Broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	err := waitForToken(client.Connect(), connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to mqtt broker '%s': %w", cfg.Broker, err)
	}
	return client, nil
}

// waitForToken waits up to `timeout` for the operation behind `token` to complete.
func waitForToken(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return token.Error()
}

// Subscribe starts listening for commands.
func (p *Publisher) Subscribe() error {
	topic := p.topicPrefix + "/+/+/set"
	token := p.client.Subscribe(topic, 1, p.handleMessage)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("subscribe to '%s': %w", topic, token.Error())
	}
	p.logger.Info("Subscribed to commands", "topic", topic)
	return nil
}

// Run publishes readings until the context is cancelled, then marks the controller as offline.
func (p *Publisher) Run(ctx context.Context, inverterReadings <-chan telemetry.InverterReading, siteReadings <-chan telemetry.SiteReading) {
	for {
		select {
		case <-ctx.Done():
			err := p.publish(p.availabilityTopic(), true, "offline")
			if err != nil {
				p.logger.Warn("Failed to publish availability", "error", err)
			}
			return
		case reading := <-inverterReadings:
			err := p.PublishInverter(reading)
			if err != nil {
				p.logger.Warn("Failed to publish inverter reading", "serial", reading.DeviceID, "error", err)
			}
		case reading := <-siteReadings:
			err := p.PublishSite(reading)
			if err != nil {
				p.logger.Warn("Failed to publish site reading", "error", err)
			}
		}
	}
}

func (p *Publisher) publish(topic string, retained bool, payload string) error {
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	return token.Error()
}

func (p *Publisher) announce(entities []entity) error {
	var errs []error
	for _, e := range entities {
		payload, err := json.Marshal(e.config)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal %s config: %w", e.name, err))
			continue
		}
		err = p.publish(p.discoveryTopic(e), true, string(payload))
		if err != nil {
			errs = append(errs, fmt.Errorf("announce %s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

func onOff(value bool) string {
	if value {
		return "ON"
	}
	return "OFF"
}

// PublishInverter publishes the state of every field of the reading, announcing the inverter first if needed.
func (p *Publisher) PublishInverter(reading telemetry.InverterReading) error {
	serial := reading.DeviceID
	var errs []error

	if !p.announced[serial] {
		err := p.announce(p.inverterEntities(serial, reading.ModelNumber))
		if err != nil {
			errs = append(errs, err)
		} else {
			p.announced[serial] = true
			p.logger.Info("Announced inverter", "serial", serial)
		}
	}

	states := make(map[string]string, len(reading.Fields)+6)
	for key, field := range reading.Fields {
		name := strings.TrimPrefix(key, serial+"_")
		switch name {
		case "hybrid_work_mode":
			states[name] = registers.WorkMode(field.Value).String()
		case "eps_enabled":
			states[name] = onOff(field.Value != 0)
		case "match_feed_in_to_excess_power":
			// published with the site
		default:
			states[name] = field.String()
		}
	}
	states["grid_am_importing"] = onOff(reading.AmImporting)
	states["grid_am_exporting"] = onOff(reading.AmExporting)
	if reading.Versions != nil {
		states["master_version"] = reading.Versions.Master
		states["slave_version"] = reading.Versions.Slave
		states["ems_version"] = reading.Versions.EMS
		states["dcdc_version"] = reading.Versions.DCDC
	}

	for name, state := range states {
		// versions only change on a firmware update, so keep them for late subscribers
		retained := strings.HasSuffix(name, "_version")
		err := p.publish(p.stateTopic(serial, name), retained, state)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

// PublishSite publishes the site figures and the controller settings, announcing the site first if needed.
func (p *Publisher) PublishSite(reading telemetry.SiteReading) error {
	var errs []error

	states := make(map[string]string, len(reading.Fields)+len(reading.Settings)+1)
	fields := make([]string, 0, len(reading.Fields))
	for key, field := range reading.Fields {
		name := strings.TrimPrefix(key, reading.DeviceID+"_")
		fields = append(fields, name)
		states[name] = field.String()
	}

	if !p.announced[siteObject] {
		err := p.announce(p.siteEntities(fields))
		if err != nil {
			errs = append(errs, err)
		} else {
			p.announced[siteObject] = true
			p.logger.Info("Announced site")
		}
	}

	for name, value := range reading.Settings {
		if name == controller.SettingMatchFeedInToExcess {
			states[name] = onOff(value != 0)
		} else {
			states[name] = strconv.FormatFloat(value, 'f', -1, 64)
		}
	}
	if reading.FeedInW >= 0 {
		states["committed_feed_in"] = strconv.FormatInt(reading.FeedInW, 10)
	}

	for name, state := range states {
		// settings are retained so that Home Assistant shows them straight after a restart
		_, isSetting := reading.Settings[name]
		err := p.publish(p.stateTopic(siteObject, name), isSetting, state)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

// ParseCommand converts a message received on a command topic into a controller command.
func (p *Publisher) ParseCommand(topic string, payload []byte) (controller.Command, error) {
	rest, ok := strings.CutPrefix(topic, p.topicPrefix+"/")
	if !ok {
		return controller.Command{}, fmt.Errorf("topic '%s' is outside prefix '%s'", topic, p.topicPrefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" {
		return controller.Command{}, fmt.Errorf("topic '%s' is not a command topic", topic)
	}
	object, name := parts[0], parts[1]

	value, err := parseValue(name, strings.TrimSpace(string(payload)))
	if err != nil {
		return controller.Command{}, fmt.Errorf("command %s: %w", name, err)
	}

	cmd := controller.Command{
		Name:  name,
		Value: value,
	}
	if object != siteObject {
		cmd.Serial = object
	}
	return cmd, nil
}

func parseValue(name, payload string) (float64, error) {
	switch payload {
	case "ON":
		return 1, nil
	case "OFF":
		return 0, nil
	}

	if name == "hybrid_work_mode" {
		mode, ok := registers.WorkModeFromName(payload)
		if ok {
			return float64(mode), nil
		}
	}

	value, err := strconv.ParseFloat(payload, 64)
	if err != nil {
		return 0, fmt.Errorf("parse value '%s': %w", payload, err)
	}
	return value, nil
}

func (p *Publisher) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	cmd, err := p.ParseCommand(msg.Topic(), msg.Payload())
	if err != nil {
		p.logger.Warn("Ignoring command", "topic", msg.Topic(), "error", err)
		return
	}

	p.logger.Info("Received command", "serial", cmd.Serial, "name", cmd.Name, "value", cmd.Value)

	select {
	case p.commands <- cmd:
	default:
		p.logger.Warn("Dropped command", "name", cmd.Name)
	}
}
