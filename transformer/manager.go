package transformer

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/go-logr/logr"

	"github.com/eddielth/shellyd/config"
)

// Manager holds the calibration scripts, one per device id
type Manager struct {
	transformers map[string]*Transformer
	mutex        sync.RWMutex
	log          logr.Logger
}

// Transformer is one compiled calibration script. A goja runtime is not
// safe for concurrent use, so calls are serialized.
type Transformer struct {
	mu         sync.Mutex
	vm         *goja.Runtime
	transform  goja.Callable
	scriptPath string
}

// NewManager compiles the configured scripts
func NewManager(log logr.Logger, configs []config.TransformerConfig) (*Manager, error) {
	manager := &Manager{log: log.WithName("transformer")}

	transformers, err := manager.compile(configs)
	if err != nil {
		return nil, err
	}
	manager.transformers = transformers
	return manager, nil
}

func (m *Manager) compile(configs []config.TransformerConfig) (map[string]*Transformer, error) {
	transformers := make(map[string]*Transformer, len(configs))
	for _, cfg := range configs {
		if cfg.Device == "" {
			return nil, fmt.Errorf("transformer without device id")
		}

		scriptCode, err := loadScript(cfg)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", cfg.Device, err)
		}

		transformer, err := m.newTransformer(cfg.Device, scriptCode, cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create transformer for device %s: %w", cfg.Device, err)
		}

		transformers[cfg.Device] = transformer
		m.log.Info("transformer loaded", "device", cfg.Device, "script", cfg.ScriptPath)
	}
	return transformers, nil
}

// loadScript prefers inline code over a script file
func loadScript(cfg config.TransformerConfig) (string, error) {
	if cfg.ScriptCode != "" {
		return cfg.ScriptCode, nil
	}
	if cfg.ScriptPath != "" {
		scriptBytes, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return "", fmt.Errorf("cannot load script file %s: %w", cfg.ScriptPath, err)
		}
		return string(scriptBytes), nil
	}
	return "", fmt.Errorf("neither script_code nor script_path given")
}

func (m *Manager) newTransformer(device, scriptCode, scriptPath string) (*Transformer, error) {
	vm := goja.New()

	log := m.log.WithValues("device", device)
	_ = vm.Set("log", func(msg string) {
		log.Info("[JS] " + msg)
	})

	_ = vm.Set("convertTemperature", func(value float64, fromUnit string, toUnit string) float64 {
		fromUnit = strings.ToUpper(fromUnit)
		toUnit = strings.ToUpper(toUnit)

		var celsius float64
		switch fromUnit {
		case "C":
			celsius = value
		case "F":
			celsius = (value - 32) * 5 / 9
		case "K":
			celsius = value - 273.15
		default:
			return value
		}

		switch toUnit {
		case "F":
			return celsius*9/5 + 32
		case "K":
			return celsius + 273.15
		default:
			return celsius
		}
	})

	_ = vm.Set("clamp", func(value, min, max float64) float64 {
		if value < min {
			return min
		}
		if value > max {
			return max
		}
		return value
	})

	if _, err := vm.RunString(scriptCode); err != nil {
		return nil, fmt.Errorf("script failed: %w", err)
	}

	transform, ok := goja.AssertFunction(vm.Get("transform"))
	if !ok {
		return nil, fmt.Errorf("script does not define a 'transform' function")
	}

	return &Transformer{
		vm:         vm,
		transform:  transform,
		scriptPath: scriptPath,
	}, nil
}

// Transform applies the device's script to r. Devices without a script
// get r back unchanged.
func (m *Manager) Transform(deviceID string, r Reading) (Reading, error) {
	m.mutex.RLock()
	transformer, exists := m.transformers[deviceID]
	m.mutex.RUnlock()

	if !exists {
		return r, nil
	}
	return transformer.apply(r)
}

func (t *Transformer) apply(r Reading) (Reading, error) {
	in := map[string]interface{}{
		"id":          r.DeviceID,
		"ts":          r.Timestamp,
		"temperature": r.TemperatureC,
		"humidity":    r.HumidityPct,
		"voltage":     r.BatteryV,
		"capacity":    r.BatteryPct,
	}

	t.mu.Lock()
	result, err := t.transform(goja.Undefined(), t.vm.ToValue(in))
	var exported interface{}
	if err == nil && result != nil {
		exported = result.Export()
	}
	t.mu.Unlock()

	if err != nil {
		return r, fmt.Errorf("transform failed: %w", err)
	}
	if exported == nil {
		return r, fmt.Errorf("transform returned no reading")
	}

	jsonData, err := json.Marshal(exported)
	if err != nil {
		return r, fmt.Errorf("cannot serialize transform result: %w", err)
	}

	out := r
	if err := json.Unmarshal(jsonData, &out); err != nil {
		return r, fmt.Errorf("transform result is not a reading: %w", err)
	}
	// identity is not the script's to change
	out.DeviceID = r.DeviceID
	out.HasTimestamp = r.HasTimestamp
	return out, nil
}

// Reload replaces all scripts. On error the previous scripts stay active.
func (m *Manager) Reload(configs []config.TransformerConfig) error {
	transformers, err := m.compile(configs)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	m.transformers = transformers
	m.mutex.Unlock()

	m.log.Info("transformers reloaded", "count", len(transformers))
	return nil
}

// Len returns the number of loaded scripts
func (m *Manager) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.transformers)
}
