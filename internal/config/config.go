// Package config holds the JSON configuration shared by the relay
// server and the client.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

type Config struct {
	Server Server `json:"server"`
	ICE    ICE    `json:"ice"`
	Call   Call   `json:"call"`
}

type Server struct {
	Listen string `json:"listen"`
}

type ICE struct {
	// Servers in URL form, e.g. "stun:stun.l.google.com:19302" or
	// "turn:turn.example.org:3478".
	Servers []string `json:"servers"`
}

type Call struct {
	// RingTimeoutSec bounds how long an outgoing invite rings before it
	// is abandoned. 0 keeps the default; -1 disables the timeout.
	RingTimeoutSec int `json:"ring_timeout_sec"`

	// ReofferDelayMs is the grace before an active screen sharer offers
	// to a newly joined user, letting their signaling channel settle.
	ReofferDelayMs int `json:"reoffer_delay_ms"`
}

func Default() Config {
	return Config{
		Server: Server{
			Listen: ":8080",
		},
		ICE: ICE{
			Servers: []string{"stun:stun.l.google.com:19302"},
		},
		Call: Call{
			RingTimeoutSec: 45,
			ReofferDelayMs: 500,
		},
	}
}

func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return errors.New("server.listen is required")
	}
	if c.Call.RingTimeoutSec < -1 {
		return fmt.Errorf("call.ring_timeout_sec must be >= -1, got %d", c.Call.RingTimeoutSec)
	}
	if c.Call.ReofferDelayMs < 0 {
		return fmt.Errorf("call.reoffer_delay_ms must be >= 0, got %d", c.Call.ReofferDelayMs)
	}
	return nil
}

// Load reads path on top of defaults, so missing fields keep their
// default values. An empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	b = stripBOM(b)

	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Call) RingTimeout() time.Duration {
	if c.RingTimeoutSec < 0 {
		return -1
	}
	return time.Duration(c.RingTimeoutSec) * time.Second
}

func (c Call) ReofferDelay() time.Duration {
	return time.Duration(c.ReofferDelayMs) * time.Millisecond
}

// stripBOM removes a UTF-8 byte order mark, common when the file was
// edited on Windows.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}
