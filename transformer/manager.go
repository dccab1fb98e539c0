package transformer

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/goccy/go-json"

	"github.com/eddielth/relay-sync/config"
	"github.com/eddielth/relay-sync/logger"
	"github.com/eddielth/relay-sync/model"
	"github.com/eddielth/relay-sync/tags"
)

// AnyDevice is the script key applied to devices without their own script
const AnyDevice = "*"

// Manager holds the value scripts, keyed by lower-cased device name.
// Config map keys arrive lower-cased from viper, so lookups fold case too.
type Manager struct {
	transformers map[string]*Transformer
	mutex        sync.RWMutex
}

// Transformer is one compiled script. A goja runtime is not safe for
// concurrent use, so calls are serialized.
type Transformer struct {
	vm         *goja.Runtime
	transform  goja.Callable
	scriptPath string
	mutex      sync.Mutex
}

// NewManager compiles every configured script
func NewManager(configs map[string]config.Transformer) (*Manager, error) {
	manager := &Manager{
		transformers: make(map[string]*Transformer),
	}

	for device, cfg := range configs {
		transformer, err := load(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create transformer for device %s: %w", device, err)
		}

		manager.transformers[deviceKey(device)] = transformer
		logger.Info("loaded value script for device %s", device)
	}

	return manager, nil
}

func load(cfg config.Transformer) (*Transformer, error) {
	var scriptCode string

	// inline code wins over a script file
	if cfg.ScriptCode != "" {
		scriptCode = cfg.ScriptCode
	} else if cfg.ScriptPath != "" {
		scriptBytes, err := os.ReadFile(cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("unable to load script file %s: %w", cfg.ScriptPath, err)
		}
		scriptCode = string(scriptBytes)
	} else {
		return nil, fmt.Errorf("no script code or script path provided")
	}

	return newTransformer(scriptCode, cfg.ScriptPath)
}

func newTransformer(scriptCode, scriptPath string) (*Transformer, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS] %s", msg)
	})

	_ = vm.Set("parseJSON", func(jsonStr string) interface{} {
		var data interface{}
		if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
			logger.Warn("failed to parse JSON: %v", err)
			return nil
		}
		return data
	})

	_ = vm.Set("formatDate", func(timestamp int64, format string) string {
		if format == "" {
			format = "2006-01-02 15:04:05"
		}
		return time.Unix(timestamp, 0).Format(format)
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
		case "C":
			return celsius
		case "F":
			return celsius*9/5 + 32
		case "K":
			return celsius + 273.15
		default:
			return celsius
		}
	})

	_ = vm.Set("clamp", func(value float64, min float64, max float64) float64 {
		if value < min {
			return min
		}
		if value > max {
			return max
		}
		return value
	})

	if _, err := vm.RunString(scriptCode); err != nil {
		return nil, fmt.Errorf("failed to run script: %w", err)
	}

	transformValue := vm.Get("transform")
	if transformValue == nil {
		return nil, fmt.Errorf("script does not define a 'transform' function")
	}

	transform, ok := goja.AssertFunction(transformValue)
	if !ok {
		return nil, fmt.Errorf("'transform' is not a function")
	}

	return &Transformer{
		vm:         vm,
		transform:  transform,
		scriptPath: scriptPath,
	}, nil
}

func deviceKey(device string) string {
	return strings.ToLower(strings.TrimSpace(device))
}

func (m *Manager) lookup(device string) (*Transformer, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if t, ok := m.transformers[deviceKey(device)]; ok {
		return t, true
	}
	t, ok := m.transformers[AnyDevice]
	return t, ok
}

// TransformValue runs transform(value, tag, device) for the device's
// script. The result keeps the data type of the input; devices without a
// script get the value back unchanged.
func (m *Manager) TransformValue(device, tag string, value model.Value) (model.Value, error) {
	transformer, ok := m.lookup(device)
	if !ok {
		return value, nil
	}

	transformer.mutex.Lock()
	result, err := transformer.transform(goja.Undefined(),
		transformer.vm.ToValue(value.Interface()),
		transformer.vm.ToValue(tag),
		transformer.vm.ToValue(device),
	)
	var exported interface{}
	if err == nil {
		exported = result.Export()
	}
	transformer.mutex.Unlock()

	if err != nil {
		return value, fmt.Errorf("failed to run transform: %w", err)
	}
	if exported == nil {
		return value, nil
	}

	out, err := tags.MapValue(exported, value.Type())
	if err != nil {
		return value, fmt.Errorf("transform returned %v for %s tag: %w", exported, value.Type(), err)
	}
	return out, nil
}

// ReloadTransformer replaces the script of one device
func (m *Manager) ReloadTransformer(device string, cfg config.Transformer) error {
	transformer, err := load(cfg)
	if err != nil {
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	m.mutex.Lock()
	m.transformers[deviceKey(device)] = transformer
	m.mutex.Unlock()

	logger.Info("reloaded value script for device %s", device)
	return nil
}

// Devices lists the lower-cased device names that have a script
func (m *Manager) Devices() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.transformers))
	for name := range m.transformers {
		names = append(names, name)
	}
	return names
}
