package amqp

import (
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"gitea.xscloud.ru/xscloud/eventrelay/pkg/application/outbox"
)

const (
	defaultExchangeName   = "events"
	defaultConnectTimeout = 10 * time.Second
	exchangeKindTopic     = "topic"
	deadLetterBindingKey  = "#"
	deadLetterQueueSuffix = ".dlq"
)

type ConnectionConfig struct {
	User     string
	Password string
	// Host is host:port of the broker. Empty Host disables the gateway.
	Host           string
	VHost          string
	ConnectTimeout time.Duration
}

func (c ConnectionConfig) url() string {
	u := url.URL{
		Scheme: "amqp",
		Host:   c.Host,
		Path:   "/" + c.VHost,
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	return u.String()
}

type Config struct {
	Connection ConnectionConfig
	Identity   outbox.Identity
	Exchange   string
	// DeadLetterExchange, when set, is declared together with a catch-all queue and
	// attached to every subscription queue as x-dead-letter-exchange.
	DeadLetterExchange string
	DeadLetterQueue    string
	PrefetchCount      int
}

func (c *Config) normalize() {
	if c.Exchange == "" {
		c.Exchange = defaultExchangeName
	}
	if c.Connection.ConnectTimeout <= 0 {
		c.Connection.ConnectTimeout = defaultConnectTimeout
	}
	if c.DeadLetterExchange != "" && c.DeadLetterQueue == "" {
		c.DeadLetterQueue = c.DeadLetterExchange + deadLetterQueueSuffix
	}
}

type ExchangeConfig struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Args       amqp.Table
}

type QueueConfig struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       amqp.Table
}

type QoSConfig struct {
	PrefetchCount int
	PrefetchSize  int
	Global        bool
}

type BindConfig struct {
	QueueName    string
	ExchangeName string
	RoutingKeys  []string
	NoWait       bool
	Args         amqp.Table
}

func exchangeDeclare(config ExchangeConfig, ch channel) error {
	return ch.ExchangeDeclare(
		config.Name,
		config.Kind,
		config.Durable,
		config.AutoDelete,
		config.Internal,
		config.NoWait,
		config.Args,
	)
}

func queueDeclare(config QueueConfig, ch channel) error {
	_, err := ch.QueueDeclare(
		config.Name,
		config.Durable,
		config.AutoDelete,
		config.Exclusive,
		config.NoWait,
		config.Args,
	)
	return err
}

func bindDeclare(config BindConfig, ch channel) error {
	for _, routingKey := range config.RoutingKeys {
		err := ch.QueueBind(config.QueueName, routingKey, config.ExchangeName, config.NoWait, config.Args)
		if err != nil {
			return err
		}
	}
	return nil
}

func qosDeclare(config QoSConfig, ch channel) error {
	return ch.Qos(config.PrefetchCount, config.PrefetchSize, config.Global)
}

func declareTopology(config Config, ch channel) error {
	err := exchangeDeclare(ExchangeConfig{
		Name:    config.Exchange,
		Kind:    exchangeKindTopic,
		Durable: true,
	}, ch)
	if err != nil {
		return err
	}
	if config.DeadLetterExchange == "" {
		return nil
	}

	err = exchangeDeclare(ExchangeConfig{
		Name:    config.DeadLetterExchange,
		Kind:    exchangeKindTopic,
		Durable: true,
	}, ch)
	if err != nil {
		return err
	}
	err = queueDeclare(QueueConfig{
		Name:    config.DeadLetterQueue,
		Durable: true,
	}, ch)
	if err != nil {
		return err
	}
	return bindDeclare(BindConfig{
		QueueName:    config.DeadLetterQueue,
		ExchangeName: config.DeadLetterExchange,
		RoutingKeys:  []string{deadLetterBindingKey},
	}, ch)
}

func subscriptionQueueArgs(config Config) amqp.Table {
	if config.DeadLetterExchange == "" {
		return nil
	}
	return amqp.Table{"x-dead-letter-exchange": config.DeadLetterExchange}
}
