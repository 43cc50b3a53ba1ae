// Package config parses and validates broker role settings.
// Settings arrive as flat key/value maps, either built by the host
// application or loaded from a YAML file with environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ErrInvalidConfiguration wraps every validation failure.
var ErrInvalidConfiguration = errors.New("config: invalid configuration")

// Setting keys.
const (
	KeyEndpoint           = "endpoint"
	KeyPort               = "port"
	KeyUseSSL             = "useSSL"
	KeyUsername           = "username"
	KeyPassword           = "password"
	KeyVirtualHost        = "virtualHost"
	KeyExchange           = "exchange"
	KeyDeadLetterExchange = "deadLetterExchange"
	KeyDeliveryLimit      = "deliveryLimit"
	KeyRequeueDelay       = "requeueDelay"
	KeyApplicationID      = "applicationId"
	KeyConfirmTimeout     = "confirmTimeout"
	KeyConsumerName       = "consumerName"
	KeyHeartbeat          = "heartbeat"
)

const (
	defaultPort    = 5672
	defaultSSLPort = 5671
)

var nonNegativeInt = regexp.MustCompile(`^\d+$`)

// maxSeconds is the largest whole number of seconds a time.Duration holds.
const maxSeconds = math.MaxInt64 / int64(time.Second)

// Connection holds the settings shared by publishers and subscribers.
type Connection struct {
	Endpoint      string
	Port          int
	UseSSL        bool
	Username      string
	Password      string
	VirtualHost   string
	ApplicationID string
	Heartbeat     time.Duration
}

// PublisherConfig is a validated publisher role.
type PublisherConfig struct {
	Connection
	Exchange       string
	ConfirmTimeout time.Duration
}

// SubscriberConfig is a validated subscriber role.
type SubscriberConfig struct {
	Connection
	Exchange           string
	DeadLetterExchange string
	DeliveryLimit      int
	RequeueDelay       time.Duration
	ConsumerName       string
}

func connectionRules() []*validation.KeyRules {
	return []*validation.KeyRules{
		validation.Key(KeyEndpoint, validation.Required),
		validation.Key(KeyUsername, validation.Required),
		validation.Key(KeyPassword, validation.Required),
		validation.Key(KeyVirtualHost, validation.Required),
		validation.Key(KeyExchange, validation.Required),
		validation.Key(KeyPort, validation.By(isPort)).Optional(),
		validation.Key(KeyUseSSL, validation.By(isBool)).Optional(),
		validation.Key(KeyHeartbeat, validation.Match(nonNegativeInt), validation.By(isSeconds)).Optional(),
		validation.Key(KeyApplicationID).Optional(),
	}
}

// ParsePublisher validates settings for a publisher role.
func ParsePublisher(settings map[string]string) (*PublisherConfig, error) {
	rules := append(connectionRules(),
		validation.Key(KeyConfirmTimeout, validation.Match(nonNegativeInt), validation.By(isSeconds)).Optional(),
	)
	if err := validate(settings, rules); err != nil {
		return nil, err
	}

	return &PublisherConfig{
		Connection:     parseConnection(settings),
		Exchange:       settings[KeyExchange],
		ConfirmTimeout: seconds(settings[KeyConfirmTimeout]),
	}, nil
}

// ParseSubscriber validates settings for a subscriber role. Delivery limit
// and requeue delay are required non-negative integers; the delay is in
// seconds.
func ParseSubscriber(settings map[string]string) (*SubscriberConfig, error) {
	rules := append(connectionRules(),
		validation.Key(KeyDeadLetterExchange, validation.Required),
		validation.Key(KeyDeliveryLimit, validation.Required, validation.Match(nonNegativeInt)),
		validation.Key(KeyRequeueDelay, validation.Required, validation.Match(nonNegativeInt), validation.By(isSeconds)),
		validation.Key(KeyConsumerName).Optional(),
	)
	if err := validate(settings, rules); err != nil {
		return nil, err
	}

	limit, err := strconv.Atoi(settings[KeyDeliveryLimit])
	if err == nil && limit > math.MaxInt32 {
		err = errors.New("out of range")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfiguration, KeyDeliveryLimit, err)
	}

	return &SubscriberConfig{
		Connection:         parseConnection(settings),
		Exchange:           settings[KeyExchange],
		DeadLetterExchange: settings[KeyDeadLetterExchange],
		DeliveryLimit:      limit,
		RequeueDelay:       seconds(settings[KeyRequeueDelay]),
		ConsumerName:       settings[KeyConsumerName],
	}, nil
}

func validate(settings map[string]string, rules []*validation.KeyRules) error {
	if settings == nil {
		return fmt.Errorf("%w: no settings", ErrInvalidConfiguration)
	}
	err := validation.Validate(settings, validation.Map(rules...).AllowExtraKeys())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return nil
}

// parseConnection reads already validated connection settings.
func parseConnection(settings map[string]string) Connection {
	c := Connection{
		Endpoint:      settings[KeyEndpoint],
		Username:      settings[KeyUsername],
		Password:      settings[KeyPassword],
		VirtualHost:   settings[KeyVirtualHost],
		ApplicationID: settings[KeyApplicationID],
		Heartbeat:     seconds(settings[KeyHeartbeat]),
	}

	if v := settings[KeyUseSSL]; v != "" {
		c.UseSSL, _ = strconv.ParseBool(v)
	}

	c.Port = defaultPort
	if c.UseSSL {
		c.Port = defaultSSLPort
	}
	if v := settings[KeyPort]; v != "" {
		c.Port, _ = strconv.Atoi(v)
	}

	return c
}

// seconds converts a value already checked by isSeconds.
func seconds(v string) time.Duration {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return time.Duration(n) * time.Second
}

func isSeconds(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 || n > maxSeconds {
		return fmt.Errorf("must be a number of seconds no greater than %d", maxSeconds)
	}
	return nil
}

func isPort(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return errors.New("must be a port number")
	}
	return nil
}

func isBool(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := strconv.ParseBool(s); err != nil {
		return errors.New("must be true or false")
	}
	return nil
}
