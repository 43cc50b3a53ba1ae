package rabbitmq

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
)

const (
	// DefaultPort is the plain AMQP port
	DefaultPort = 5672
	// DefaultTLSPort is the AMQPS port
	DefaultTLSPort = 5671
)

// Identity names one broker endpoint, credential and virtual host. All
// publishers and subscribers with equal identities share one connection.
type Identity struct {
	Host        string
	Port        int
	UseTLS      bool
	Username    string
	VirtualHost string

	password     string
	passwordHash string
}

// NewIdentity builds an identity. A zero port selects the protocol default.
func NewIdentity(host string, port int, useTLS bool, username, password, vhost string) Identity {
	if port == 0 {
		port = DefaultPort
		if useTLS {
			port = DefaultTLSPort
		}
	}
	if vhost == "" {
		vhost = "/"
	}
	sum := sha256.Sum256([]byte(password))
	return Identity{
		Host:         host,
		Port:         port,
		UseTLS:       useTLS,
		Username:     username,
		VirtualHost:  vhost,
		password:     password,
		passwordHash: hex.EncodeToString(sum[:]),
	}
}

// Key returns the cache key for the identity.
func (id Identity) Key() string {
	scheme := "amqp"
	if id.UseTLS {
		scheme = "amqps"
	}
	return fmt.Sprintf("%s://%s@%s/%s#%s", scheme, id.Username,
		net.JoinHostPort(id.Host, strconv.Itoa(id.Port)), id.VirtualHost, id.passwordHash)
}

// URL returns the dial URL including the password. Never log it.
func (id Identity) URL() string {
	u := url.URL{
		Scheme:  "amqp",
		User:    url.UserPassword(id.Username, id.password),
		Host:    net.JoinHostPort(id.Host, strconv.Itoa(id.Port)),
		Path:    "/" + id.VirtualHost,
		RawPath: "/" + url.PathEscape(id.VirtualHost),
	}
	if id.UseTLS {
		u.Scheme = "amqps"
	}
	return u.String()
}

// String implements fmt.Stringer without the password.
func (id Identity) String() string {
	return fmt.Sprintf("%s@%s vhost=%s", id.Username,
		net.JoinHostPort(id.Host, strconv.Itoa(id.Port)), id.VirtualHost)
}

// LogValue implements slog.LogValuer without the password.
func (id Identity) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("host", id.Host),
		slog.Int("port", id.Port),
		slog.Bool("tls", id.UseTLS),
		slog.String("user", id.Username),
		slog.String("vhost", id.VirtualHost),
	)
}
