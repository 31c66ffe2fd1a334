// Package exchange provides the exchange dialects plugged into session.Session.
//
// This file contains shared utilities, configuration structures, and validation functions
// used across all dialect implementations. Each dialect translates one exchange's wire
// protocol into the canonical events of the model package.
package exchange

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"tradecore/internal/model"
	"tradecore/internal/session"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidConfig indicates that the provided Config contains invalid values.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrMissingCredentials indicates that authentication was requested without API credentials.
	ErrMissingCredentials = errors.New("missing API credentials")

	// ErrUnknownMarket indicates a message for an instrument missing from the registry.
	ErrUnknownMarket = errors.New("unknown market")
)

// Config provides common configuration parameters for all exchange dialects.
type Config struct {
	// Name overrides the session name used as event publisher.
	Name string

	// Endpoint is the WebSocket endpoint URL for the exchange API.
	Endpoint string `validate:"omitempty,url"`

	// ReconnectInterval is the first wait before reconnecting.
	ReconnectInterval time.Duration `validate:"gte=0"`

	// KeepaliveInterval is the period of the application-level heartbeat.
	KeepaliveInterval time.Duration `validate:"gte=0"`

	APIKey     string
	APISecret  string
	Subaccount string

	// Token is a pre-issued websockets token (Kraken spot private feeds).
	Token string
}

// validateConfig ensures all required configuration fields are present and valid,
// applying sensible defaults for optional fields when possible.
func validateConfig(cfg *Config, defaultCfg *Config) error {
	// Apply defaults for optional fields
	if cfg.Name == "" {
		cfg.Name = defaultCfg.Name
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultCfg.Endpoint
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultCfg.ReconnectInterval
	}
	if cfg.KeepaliveInterval == 0 {
		cfg.KeepaliveInterval = defaultCfg.KeepaliveInterval
	}

	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// floatOrNA dereferences an optional wire number, mapping absence to NA.
func floatOrNA(v *float64) float64 {
	if v == nil {
		return model.NA()
	}
	return *v
}

// parseFloatOrNA parses an optional numeric string, mapping absence to NA.
func parseFloatOrNA(s string) (float64, error) {
	if s == "" {
		return model.NA(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// parseFloats parses every numeric string or fails on the first bad one.
func parseFloats(values ...string) ([]float64, error) {
	out := make([]float64, len(values))
	for i, v := range values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

// parseFloatsOrNA is parseFloats with empty strings mapped to NA.
func parseFloatsOrNA(values ...string) ([]float64, error) {
	out := make([]float64, len(values))
	for i, v := range values {
		f, err := parseFloatOrNA(v)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseSide maps exchange side strings ("buy", "sell", "b", "s") to model.Side.
func parseSide(s string) (model.Side, error) {
	switch strings.ToLower(s) {
	case "buy", "b":
		return model.Buy, nil
	case "sell", "s":
		return model.Sell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// parseOrderType maps exchange order type strings to model.OrderType.
func parseOrderType(s string) model.OrderType {
	if strings.EqualFold(s, "market") || strings.EqualFold(s, "mkt") {
		return model.Market
	}
	return model.Limit
}

func routed(key string, event model.Event) session.Routed {
	return session.Routed{Key: key, Event: event}
}

// instrumentByID resolves an exchange-native id against the exchange registry.
func instrumentByID(ex model.Exchange, id string) (model.Instrument, error) {
	inst, ok := model.InstrumentByID(ex, id)
	if !ok {
		return model.Instrument{}, fmt.Errorf("%w: %s", ErrUnknownMarket, id)
	}
	return inst, nil
}

// wireID decodes exchange ids sent either as JSON numbers or strings.
type wireID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *wireID) UnmarshalJSON(b []byte) error {
	s := string(b)
	switch {
	case s == "null":
		*id = ""
	case len(s) >= 2 && s[0] == '"':
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("invalid id %s: %w", s, err)
		}
		*id = wireID(unquoted)
	default:
		*id = wireID(s)
	}
	return nil
}
