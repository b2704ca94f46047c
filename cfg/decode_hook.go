package cfg

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
)

func hookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		s, _ := data.(string)
		switch t {
		case reflect.TypeOf(LogSeverity("")):
			level := strings.ToUpper(s)
			if _, ok := severityRanking[LogSeverity(level)]; !ok {
				return nil, fmt.Errorf("invalid log severity: %s", s)
			}
			return level, nil
		case reflect.TypeOf(LogFormat("")):
			format := strings.ToLower(s)
			if format != string(LogFormatText) && format != string(LogFormatJSON) {
				return nil, fmt.Errorf("invalid log format: %s", s)
			}
			return format, nil
		default:
			return data, nil
		}
	}
}

// DecodeHook composes the decode hooks viper should use when unmarshalling
// into Config: this package's enum validators plus the stdlib-adjacent
// duration/slice hooks every corpus config consumer relies on.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		hookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}
