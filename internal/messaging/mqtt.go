package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/hearth/services/arbiter/config"
	"example.com/hearth/services/arbiter/internal/models"
)

// Client wraps the MQTT connection used for LAN broadcasts: health snapshots
// from the monitor to every device, and peer wake claims during local
// fallback arbitration.
type Client struct {
	client      mqtt.Client
	healthTopic string
	peerTopic   string
}

// NewClient connects to the LAN broker
func NewClient(cfg config.MQTTConfig) (*Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "failed to connect to MQTT broker")
	}

	return &Client{
		client:      client,
		healthTopic: cfg.HealthTopic,
		peerTopic:   cfg.PeerTopic,
	}, nil
}

// PublishHealth broadcasts a health snapshot. The message is retained so a
// newly joined device immediately sees the current level.
func (c *Client) PublishHealth(snapshot models.HealthSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "failed to marshal health snapshot")
	}

	token := c.client.Publish(c.healthTopic, 1, true, payload)
	if token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "failed to publish health snapshot")
	}
	return nil
}

// SubscribeHealth delivers every broadcast health snapshot to the handler
func (c *Client) SubscribeHealth(handler func(models.HealthSnapshot)) error {
	token := c.client.Subscribe(c.healthTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var snapshot models.HealthSnapshot
		if err := json.Unmarshal(msg.Payload(), &snapshot); err != nil {
			log.Warn().Err(err).Msg("Discarding malformed health broadcast")
			return
		}
		handler(snapshot)
	})
	if token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "failed to subscribe to health topic")
	}
	return nil
}

func (c *Client) claimTopic(clusterID string) string {
	return fmt.Sprintf("%s/%s", c.peerTopic, clusterID)
}

// PublishClaim broadcasts this device's wake claim to LAN peers
func (c *Client) PublishClaim(claim models.PeerClaim) error {
	payload, err := json.Marshal(claim)
	if err != nil {
		return errors.Wrap(err, "failed to marshal peer claim")
	}

	token := c.client.Publish(c.claimTopic(claim.ClusterID), 0, false, payload)
	if token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "failed to publish peer claim")
	}
	return nil
}

// SubscribeClaims delivers peer claims for one cluster to the handler and
// returns an unsubscribe function
func (c *Client) SubscribeClaims(clusterID string, handler func(models.PeerClaim)) (func(), error) {
	topic := c.claimTopic(clusterID)
	token := c.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var claim models.PeerClaim
		if err := json.Unmarshal(msg.Payload(), &claim); err != nil {
			log.Warn().Err(err).Msg("Discarding malformed peer claim")
			return
		}
		handler(claim)
	})
	if token.Wait() && token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "failed to subscribe to peer claims")
	}

	return func() {
		if t := c.client.Unsubscribe(topic); t.Wait() && t.Error() != nil {
			log.Debug().Err(t.Error()).Str("topic", topic).Msg("Unsubscribe failed")
		}
	}, nil
}

// Close disconnects from the broker
func (c *Client) Close() {
	c.client.Disconnect(250)
}
