package mqtt

import (
	"errors"
	"time"

	paho_mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anicoll/homedash/internal/pkg/config"
)

type service struct {
	client paho_mqtt.Client
	prefix string
	logger *zap.Logger
}

func New(client paho_mqtt.Client, prefix string) *service {
	return &service{
		client: client,
		prefix: prefix,
		logger: zap.L(),
	}
}

// NewClient builds a paho client for the configured broker.
func NewClient(cfg config.MqttConfig) paho_mqtt.Client {
	opts := paho_mqtt.NewClientOptions().
		AddBroker(cfg.Host).
		SetClientID("homedash-" + uuid.NewString()).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectionLostHandler(func(_ paho_mqtt.Client, err error) {
			zap.L().Warn("mqtt connection lost", zap.Error(err))
		})
	return paho_mqtt.NewClient(opts)
}

func (s *service) Connect() error {
	token := s.client.Connect()
	res := token.WaitTimeout(time.Second * 5)
	if res {
		return token.Error()
	}
	if err := token.Error(); err != nil {
		return err
	}
	return errors.New("unable to connect in time")
}

func (s *service) Disconnect() {
	s.logger.Info("disconnecting from mqtt broker")
	s.client.Disconnect(250)
}
