package publisher

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/jgoulah/waterscraper/internal/config"
	"github.com/jgoulah/waterscraper/pkg/models"
)

// Publisher pushes the billing-cycle dashboard sensors to Home
// Assistant over MQTT discovery
type Publisher struct {
	client          mqtt.Client
	topicPrefix     string
	discoveryPrefix string
}

// New connects to the MQTT broker
func New(cfg config.MQTTConfig) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required")
	}

	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	clientID := cfg.ClientID
	if clientID == "" {
		// Random suffix so a stale session on the broker never blocks a
		// reconnect.
		clientID = "waterscraper-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker: %w", token.Error())
	}

	return &Publisher{
		client:          client,
		topicPrefix:     cfg.GetTopicPrefix(),
		discoveryPrefix: cfg.GetDiscoveryPrefix(),
	}, nil
}

// Close disconnects from the MQTT broker
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

type sensorDef struct {
	key         string
	name        string
	unit        string
	deviceClass string
	stateClass  string
	icon        string
	value       func(*models.DashboardSummary) float64
	attrs       func(*models.DashboardSummary) map[string]any
}

// dashboardSensors mirrors the portal's billing dashboard. Only the
// running cycle total is a water meter in Home Assistant's eyes; the
// rest are plain gauges.
var dashboardSensors = []sensorDef{
	{
		key:         "usage_so_far",
		name:        "Water Usage This Cycle",
		unit:        "gal",
		deviceClass: "water",
		stateClass:  "total_increasing",
		value:       func(s *models.DashboardSummary) float64 { return s.SoFarGallons },
	},
	{
		key:        "usage_projected",
		name:       "Projected Water Usage",
		unit:       "gal",
		stateClass: "measurement",
		icon:       "mdi:chart-line",
		value:      func(s *models.DashboardSummary) float64 { return s.ProjectedGallons },
	},
	{
		key:        "usage_last_cycle",
		name:       "Water Usage Last Cycle",
		unit:       "gal",
		stateClass: "measurement",
		icon:       "mdi:water",
		value:      func(s *models.DashboardSummary) float64 { return s.LastCycleGallons },
		attrs: func(s *models.DashboardSummary) map[string]any {
			return map[string]any{
				"from_date":      s.LastCycleFrom,
				"to_date":        s.LastCycleTo,
				"service_charge": s.ServiceCharge,
				"high_usage":     s.HighUsage,
			}
		},
	},
	{
		key:        "usage_average",
		name:       "Average Cycle Water Usage",
		unit:       "gal",
		stateClass: "measurement",
		icon:       "mdi:chart-bar",
		value:      func(s *models.DashboardSummary) float64 { return s.AverageGallons },
	},
	{
		key:        "usage_highest",
		name:       "Highest Cycle Water Usage",
		unit:       "gal",
		stateClass: "measurement",
		icon:       "mdi:water-alert",
		value:      func(s *models.DashboardSummary) float64 { return s.HighestGallons },
	},
}

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

type discoveryConfig struct {
	Name            string          `json:"name"`
	UniqueID        string          `json:"unique_id"`
	StateTopic      string          `json:"state_topic"`
	Unit            string          `json:"unit_of_measurement"`
	DeviceClass     string          `json:"device_class,omitempty"`
	StateClass      string          `json:"state_class,omitempty"`
	Icon            string          `json:"icon,omitempty"`
	AttributesTopic string          `json:"json_attributes_topic,omitempty"`
	Device          discoveryDevice `json:"device"`
}

func (p *Publisher) stateTopic(meter, key string) string {
	return fmt.Sprintf("%s/%s/%s", p.topicPrefix, meter, key)
}

func (p *Publisher) attributesTopic(meter, key string) string {
	return p.stateTopic(meter, key) + "/attributes"
}

func (p *Publisher) discoveryMessage(meter string, def sensorDef) (string, []byte, error) {
	cfg := discoveryConfig{
		Name:        def.name,
		UniqueID:    fmt.Sprintf("waterscraper_%s_%s", meter, def.key),
		StateTopic:  p.stateTopic(meter, def.key),
		Unit:        def.unit,
		DeviceClass: def.deviceClass,
		StateClass:  def.stateClass,
		Icon:        def.icon,
		Device: discoveryDevice{
			Identifiers:  []string{"waterscraper_" + meter},
			Name:         "Water Meter " + meter,
			Manufacturer: "ACWD",
			Model:        "AMI water meter",
		},
	}
	if def.attrs != nil {
		cfg.AttributesTopic = p.attributesTopic(meter, def.key)
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return "", nil, fmt.Errorf("encoding discovery config: %w", err)
	}
	topic := fmt.Sprintf("%s/sensor/waterscraper_%s/%s/config", p.discoveryPrefix, meter, def.key)
	return topic, payload, nil
}

// PublishDiscovery announces the dashboard sensors to Home Assistant.
// Configs are retained so entities survive broker and HA restarts.
func (p *Publisher) PublishDiscovery(meter string) error {
	for _, def := range dashboardSensors {
		topic, payload, err := p.discoveryMessage(meter, def)
		if err != nil {
			return err
		}
		if token := p.client.Publish(topic, 0, true, payload); token.Wait() && token.Error() != nil {
			return fmt.Errorf("publishing discovery for %s: %w", def.key, token.Error())
		}
	}
	return nil
}

// PublishSummary publishes the current billing-cycle values, retained so
// Home Assistant sees them right after a restart
func (p *Publisher) PublishSummary(meter string, summary *models.DashboardSummary) error {
	for _, def := range dashboardSensors {
		value := strconv.FormatFloat(def.value(summary), 'f', -1, 64)
		if token := p.client.Publish(p.stateTopic(meter, def.key), 0, true, []byte(value)); token.Wait() && token.Error() != nil {
			return fmt.Errorf("publishing %s: %w", def.key, token.Error())
		}
		if def.attrs == nil {
			continue
		}
		payload, err := json.Marshal(def.attrs(summary))
		if err != nil {
			return fmt.Errorf("encoding %s attributes: %w", def.key, err)
		}
		if token := p.client.Publish(p.attributesTopic(meter, def.key), 0, true, payload); token.Wait() && token.Error() != nil {
			return fmt.Errorf("publishing %s attributes: %w", def.key, token.Error())
		}
	}
	return nil
}
