package proxy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every proxy setting. Field tags are read by autoflags:
// flag:"flagName,usage string"
type Config struct {
	Addr                   string        `flag:"addr, proxy serving addr"`
	DebugAddr              string        `flag:"debug-addr, debug listen address for pprof, metrics and set log level, default not enabled"`
	Backends               string        `flag:"backends, comma separated backend servers, slots are split evenly between them"`
	Slots                  string        `flag:"slots, explicit slot ranges eg. 0-8191=127.0.0.1:7001,8192-16383=127.0.0.1:7002, overrides backends"`
	ConnectTimeout         time.Duration `flag:"connect-timeout, connect to backend timeout"`
	WriteTimeout           time.Duration `flag:"write-timeout, write to backend timeout"`
	RequestTimeout         time.Duration `flag:"request-timeout, deadline for all backends of a request to reply, 0 disables it"`
	BackendIdleConnections int           `flag:"backend-idle-connections, max number of idle connections for each backend server"`
	ReadBufferSize         int           `flag:"read-buffer-size, size of the chunks read from backend connections"`
	PartialError           string        `flag:"partial-error, reply policy when some backends of a multi key command fail: best-effort or strict"`
	SlowLogThreshold       time.Duration `flag:"slowlog-threshold, log requests slower than this, 0 disables it"`
	ClockResolution        time.Duration `flag:"clock-resolution, refresh interval of the coarse request clock"`
	LogLevel               string        `flag:"log-level, log level eg. debug, info, warn, error, fatal and panic"`
	LogFile                string        `flag:"log-file, log file path, stdout if empty"`
}

func DefaultConfig() Config {
	return Config{
		Addr:                   "0.0.0.0:8088",
		DebugAddr:              "",
		Backends:               "127.0.0.1:7001",
		ConnectTimeout:         250 * time.Millisecond,
		WriteTimeout:           time.Second,
		RequestTimeout:         3 * time.Second,
		BackendIdleConnections: 5,
		ReadBufferSize:         DEFAULT_READ_BUFFER_SIZE,
		PartialError:           PartialErrorBestEffort.String(),
		SlowLogThreshold:       2 * time.Second,
		ClockResolution:        time.Millisecond,
		LogLevel:               "info",
	}
}

// SlotInfos returns the slot assignment described by Slots, or by Backends when Slots is empty
func (c *Config) SlotInfos() ([]*SlotInfo, error) {
	if c.Slots != "" {
		return ParseSlotInfos(c.Slots)
	}
	var servers []string
	for _, s := range strings.Split(c.Backends, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	if len(servers) == 0 {
		return nil, errors.New("no backend configured")
	}
	return EvenSlotInfos(servers), nil
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.BackendIdleConnections <= 0 {
		return fmt.Errorf("backend-idle-connections must be positive, got %d", c.BackendIdleConnections)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request-timeout must not be negative, got %s", c.RequestTimeout)
	}
	if _, err := ParsePartialErrorPolicy(c.PartialError); err != nil {
		return err
	}
	infos, err := c.SlotInfos()
	if err != nil {
		return err
	}
	covered := make([]bool, NumSlots)
	for _, si := range infos {
		for i := si.start; i <= si.end; i++ {
			covered[i] = true
		}
	}
	for i, ok := range covered {
		if !ok {
			return fmt.Errorf("slot %d is not served by any backend", i)
		}
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-24s: %s\n", name, value))
	}

	addSection("Proxy")
	addField("Addr", c.Addr)
	addField("Debug Addr", c.DebugAddr)
	addField("Request Timeout", c.RequestTimeout.String())
	addField("Partial Error Policy", c.PartialError)

	addSection("Backends")
	addField("Connect Timeout", c.ConnectTimeout.String())
	addField("Write Timeout", c.WriteTimeout.String())
	addField("Idle Connections", fmt.Sprintf("%d", c.BackendIdleConnections))
	addField("Read Buffer Size", fmt.Sprintf("%d bytes", c.ReadBufferSize))
	if infos, err := c.SlotInfos(); err == nil {
		for _, si := range infos {
			addField(fmt.Sprintf("Slots %d-%d", si.start, si.end), si.server)
		}
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)
	addField("Log File", c.LogFile)
	addField("Slowlog Threshold", c.SlowLogThreshold.String())
	addField("Clock Resolution", c.ClockResolution.String())

	return sb.String()
}
