package mqtt

import (
	"encoding/json"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"lautenbacher.net/bwrelay/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	// milliseconds
	defaultDisconnectQuiesce = 500
	defaultKeepAlive         = 60 * time.Second
	maxReconnectInterval     = 2 * time.Minute
)

const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// Topics builds the topic names below the configured prefix.
type Topics struct {
	Prefix string
}

// State carries the retained relay state.
func (t Topics) State() string {
	return t.Prefix + "/state"
}

// Status carries online/offline, with offline as last will.
func (t Topics) Status() string {
	return t.Prefix + "/status"
}

func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	// The broker announces a crashed daemon.
	opts.SetWill(Topics{cfg.TopicPrefix}.Status(), string(statusPayload(statusOffline, cfg.ClientID)), cfg.QoS, true)
	return opts
}

type statusMessage struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Timestamp string `json:"timestamp"`
}

func statusPayload(status, clientID string) []byte {
	payload, _ := json.Marshal(statusMessage{
		Status:    status,
		ClientID:  clientID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return payload
}
