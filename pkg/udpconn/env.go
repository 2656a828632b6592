package udpconn

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/hashicorp/go-envparse"
)

// EnvTunables holds the scalar settings from ConnectionConfig/
// ClientConnectConfig that can meaningfully come from the environment (the
// serializer/deserializer functions cannot, so they're left to the caller).
// Field names follow the teacher's `env:"NAME=default"` convention from
// pkg/atlas/config.go, documented on each field rather than reflected over,
// since this config is a handful of scalars rather than a large struct.
type EnvTunables struct {
	// ProtocolID: UDPCONN_PROTOCOL_ID (no default; left 0 when unset, and
	// its absence is not reported as an error).
	ProtocolID uint32

	// TimeoutPeriod: UDPCONN_TIMEOUT=10s.
	TimeoutPeriod time.Duration

	// MaxConnectRetries: UDPCONN_MAX_CONNECT_RETRIES=5.
	MaxConnectRetries int

	// ConnectAttemptTimeout: UDPCONN_CONNECT_ATTEMPT_TIMEOUT=1s.
	ConnectAttemptTimeout time.Duration

	// Addr: UDPCONN_ADDR=:0 (bind address for a client or server).
	Addr string
}

// EnvTunablesFromEnv parses r (in the same KEY=VALUE format accepted by
// os.Environ, e.g. an env file) via go-envparse and fills an EnvTunables
// with defaults for anything left unset. This is a library helper, not a
// CLI: no flags are parsed and nothing here reads os.Environ on its own,
// consistent with spec.md's Non-goal excluding CLI wrappers.
func EnvTunablesFromEnv(r io.Reader) (EnvTunables, error) {
	m, err := envparse.Parse(r)
	if err != nil {
		return EnvTunables{}, fmt.Errorf("parse env: %w", err)
	}

	t := EnvTunables{
		TimeoutPeriod:         10 * time.Second,
		MaxConnectRetries:     5,
		ConnectAttemptTimeout: time.Second,
		Addr:                  ":0",
	}

	if v, ok := m["UDPCONN_PROTOCOL_ID"]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return EnvTunables{}, fmt.Errorf("UDPCONN_PROTOCOL_ID: %w", err)
		}
		t.ProtocolID = uint32(n)
	}
	if v, ok := m["UDPCONN_TIMEOUT"]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return EnvTunables{}, fmt.Errorf("UDPCONN_TIMEOUT: %w", err)
		}
		t.TimeoutPeriod = d
	}
	if v, ok := m["UDPCONN_MAX_CONNECT_RETRIES"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return EnvTunables{}, fmt.Errorf("UDPCONN_MAX_CONNECT_RETRIES: %w", err)
		}
		t.MaxConnectRetries = n
	}
	if v, ok := m["UDPCONN_CONNECT_ATTEMPT_TIMEOUT"]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return EnvTunables{}, fmt.Errorf("UDPCONN_CONNECT_ATTEMPT_TIMEOUT: %w", err)
		}
		t.ConnectAttemptTimeout = d
	}
	if v, ok := m["UDPCONN_ADDR"]; ok {
		t.Addr = v
	}

	return t, nil
}

// ClientConnectConfig builds a ClientConnectConfig from the tunables.
func (t EnvTunables) ClientConnectConfig() ClientConnectConfig {
	return ClientConnectConfig{
		MaxConnectRetries:     t.MaxConnectRetries,
		ConnectAttemptTimeout: t.ConnectAttemptTimeout,
	}
}
