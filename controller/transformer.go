package controller

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/eddielth/scada-core/config"
	"github.com/eddielth/scada-core/logger"
	"github.com/eddielth/scada-core/point"
)

// Transformer runs a JavaScript `transform(payload, topic)` function that
// turns a raw gateway payload into points. The function returns an array of
// points or an object with a points array.
type Transformer struct {
	mu         sync.Mutex
	vm         *goja.Runtime
	transform  goja.Callable
	scriptPath string
}

// NewTransformer compiles the configured script. Inline code wins over the path.
func NewTransformer(cfg config.Transformer) (*Transformer, error) {
	var scriptCode string

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

	t, err := newTransformer(scriptCode, cfg.ScriptPath)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded controller payload transformer %s", cfg.ScriptPath)
	return t, nil
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
			format = point.TimeLayout
		}
		return time.UnixMilli(timestamp).Format(format)
	})

	// linear scaling of raw counts into engineering units
	_ = vm.Set("scale", func(value, rawMin, rawMax, engMin, engMax float64) float64 {
		if rawMax == rawMin {
			return engMin
		}
		return engMin + (value-rawMin)*(engMax-engMin)/(rawMax-rawMin)
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

	_ = vm.Set("validateRange", func(value float64, min float64, max float64) bool {
		return value >= min && value <= max
	})

	if _, err := vm.RunString(scriptCode); err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
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

// Transform converts a payload received on topic into points
func (t *Transformer) Transform(topic string, payload []byte) (*point.Document, error) {
	t.mu.Lock()
	result, err := t.transform(goja.Undefined(), t.vm.ToValue(string(payload)), t.vm.ToValue(topic))
	var exported interface{}
	if err == nil {
		exported = result.Export()
	}
	t.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("transform failed: %w", err)
	}

	jsonData, err := json.Marshal(exported)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize script result: %w", err)
	}

	doc, err := point.Decode(jsonData, false)
	if err != nil {
		return nil, fmt.Errorf("script result is not a point table: %w", err)
	}
	return doc, nil
}
