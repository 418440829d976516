package config

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/spf13/viper"
)

// ErrUnknownDevice is returned for ids missing from the directory
var ErrUnknownDevice = errors.New("device not found")

// Directory is an immutable view of the configured devices and settings.
type Directory struct {
	values  *viper.Viper
	devices []Device
	byID    map[string]Device
}

// NewDirectory builds a directory from a device list and a settings tree.
func NewDirectory(devices []Device, settings map[string]interface{}) (*Directory, error) {
	values := viper.New()
	if settings != nil {
		if err := values.MergeConfigMap(settings); err != nil {
			return nil, fmt.Errorf("load settings: %w", err)
		}
	}

	d := &Directory{
		values:  values,
		devices: append([]Device(nil), devices...),
		byID:    make(map[string]Device, len(devices)),
	}
	for _, dev := range d.devices {
		d.byID[dev.ID] = dev
	}
	return d, nil
}

// StringValue returns the string at a dotted path such as "cloud.url"
func (d *Directory) StringValue(path string) (string, error) {
	if !d.values.IsSet(path) {
		return "", fmt.Errorf("configuration value %s not set", path)
	}
	return d.values.GetString(path), nil
}

// IntValue returns the integer at a dotted path such as "database.port"
func (d *Directory) IntValue(path string) (int, error) {
	if !d.values.IsSet(path) {
		return 0, fmt.Errorf("configuration value %s not set", path)
	}
	return d.values.GetInt(path), nil
}

// Has reports whether a dotted path is present
func (d *Directory) Has(path string) bool {
	return d.values.IsSet(path)
}

// DeviceByID looks up one device
func (d *Directory) DeviceByID(id string) (Device, error) {
	dev, ok := d.byID[id]
	if !ok {
		return Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return dev, nil
}

// IDList returns the device ids in configuration order
func (d *Directory) IDList() []string {
	ids := make([]string, 0, len(d.devices))
	for _, dev := range d.devices {
		ids = append(ids, dev.ID)
	}
	return ids
}

// Live holds the current directory and lets a config reload replace it
// between calls.
type Live struct {
	current atomic.Pointer[Directory]
}

// NewLive wraps an initial directory
func NewLive(d *Directory) *Live {
	l := &Live{}
	l.current.Store(d)
	return l
}

// Current returns the directory in effect
func (l *Live) Current() *Directory {
	return l.current.Load()
}

// Replace installs a new directory
func (l *Live) Replace(d *Directory) {
	l.current.Store(d)
}

func (l *Live) StringValue(path string) (string, error) { return l.Current().StringValue(path) }

func (l *Live) IntValue(path string) (int, error) { return l.Current().IntValue(path) }

func (l *Live) DeviceByID(id string) (Device, error) { return l.Current().DeviceByID(id) }

func (l *Live) IDList() []string { return l.Current().IDList() }
