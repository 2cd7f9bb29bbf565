package repository

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/septivank/iot-telemetry-bridge/internal/db"
)

// DefaultMQTTPort is applied to catalog entries that omit a port
const DefaultMQTTPort = 1883

type catalogFile struct {
	Devices []db.DeviceConnectionConfig `yaml:"devices"`
}

// StaticCatalog is an immutable DeviceCatalog backed by a map
type StaticCatalog struct {
	devices map[string]db.DeviceConnectionConfig
}

// NewStaticCatalog indexes devices by id. Later duplicates replace earlier ones.
func NewStaticCatalog(devices ...db.DeviceConnectionConfig) *StaticCatalog {
	c := &StaticCatalog{devices: make(map[string]db.DeviceConnectionConfig, len(devices))}
	for _, d := range devices {
		if d.Port == 0 {
			d.Port = DefaultMQTTPort
		}
		c.devices[d.DeviceID] = d
	}
	return c
}

// FileCatalog is a StaticCatalog loaded from a YAML file at startup
type FileCatalog struct {
	*StaticCatalog
	Path string
}

// LoadFileCatalog reads a YAML device catalog of the form
//
//	devices:
//	  - id: boiler-1
//	    broker: mqtt://broker.local
//	    port: 1883
//	    topic: plant/boiler-1/#
func LoadFileCatalog(path string) (*FileCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device catalog %q: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse device catalog %q: %w", path, err)
	}

	for i, d := range file.Devices {
		if d.DeviceID == "" {
			return nil, fmt.Errorf("device catalog %q: entry %d has no id", path, i)
		}
	}

	return &FileCatalog{StaticCatalog: NewStaticCatalog(file.Devices...), Path: path}, nil
}

func (c *StaticCatalog) GetDeviceConnectionConfig(_ context.Context, deviceID string) (db.DeviceConnectionConfig, error) {
	d, ok := c.devices[deviceID]
	if !ok {
		return db.DeviceConnectionConfig{}, ErrNotFound
	}
	return d, nil
}

func (c *StaticCatalog) ListDevices(context.Context) ([]db.DeviceConnectionConfig, error) {
	out := make([]db.DeviceConnectionConfig, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}
