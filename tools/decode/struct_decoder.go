package decode

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Options 用于定制 Decode 行为。
type Options struct {
	// Lenient decoding, e.g. "123" -> int or 1.0 -> int64. Default true.
	WeaklyTypedInput bool
	// TagName selects the struct tag read for field names. Default "json".
	TagName string
}

// DefaultOptions 返回默认选项。
func DefaultOptions() Options {
	return Options{
		WeaklyTypedInput: true,
		TagName:          "json",
	}
}

// DecodeMap decodes a loosely typed map (jwt claims, json objects) into T.
func DecodeMap[T any](m map[string]any, opts ...Options) (*T, error) {
	if m == nil {
		return nil, fmt.Errorf("map is nil")
	}
	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
		if cfg.TagName == "" {
			cfg.TagName = "json"
		}
	}

	var out T
	decCfg := &mapstructure.DecoderConfig{
		TagName:          cfg.TagName,
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			floatToIntHook(),
			trimStringHook(),
		),
	}

	dec, err := mapstructure.NewDecoder(decCfg)
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("decode map: %w", err)
	}
	return &out, nil
}

// float64 (json numbers) -> integer kinds
func floatToIntHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.Float64 {
			return data, nil
		}
		f := data.(float64)
		switch to.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return int64(f), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			if f < 0 {
				return nil, fmt.Errorf("negative value %v for unsigned field", f)
			}
			return uint64(f), nil
		}
		return data, nil
	}
}

func trimStringHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() == reflect.String && to.Kind() == reflect.String {
			return strings.TrimSpace(data.(string)), nil
		}
		return data, nil
	}
}
