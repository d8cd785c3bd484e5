/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// ViperAdapter is DataProvider implementation that uses viper library under the hood.
type ViperAdapter struct {
	viper *viper.Viper
}

var _ DataProvider = (*ViperAdapter)(nil)

// NewViperAdapter creates a new ViperAdapter.
func NewViperAdapter() *ViperAdapter {
	return &ViperAdapter{viper.New()}
}

// UseEnvVars makes every key overridable by an environment variable named
// <PREFIX>_<KEY> with dots replaced by underscores (e.g. ADMITD_ADMISSION_MAXCONCURRENT).
func (va *ViperAdapter) UseEnvVars(prefix string) {
	va.viper.AutomaticEnv()
	va.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	va.viper.SetEnvPrefix(prefix)
}

// Set overrides the value of the key.
func (va *ViperAdapter) Set(key string, value interface{}) {
	va.viper.Set(key, value)
}

// SetDefault sets the value used when neither the config source nor the environment provides one.
func (va *ViperAdapter) SetDefault(key string, value interface{}) {
	va.viper.SetDefault(key, value)
}

// IsSet reports whether the key (case-insensitive) has a value in any source.
func (va *ViperAdapter) IsSet(key string) bool {
	return va.viper.IsSet(key)
}

// Get retrieves any value given the key to use.
func (va *ViperAdapter) Get(key string) interface{} {
	return va.viper.Get(key)
}

// SetFromFile specifies that discovering and loading configuration data will be performed from file.
func (va *ViperAdapter) SetFromFile(path string, dataType DataType) error {
	va.viper.SetConfigType(string(dataType))
	va.viper.SetConfigFile(path)
	return va.viper.ReadInConfig()
}

// SetFromReader specifies that discovering and loading configuration data will be performed from reader.
func (va *ViperAdapter) SetFromReader(reader io.Reader, dataType DataType) error {
	va.viper.SetConfigType(string(dataType))
	return va.viper.ReadConfig(reader)
}

// castValue converts the raw value of the key with the given cast function.
// A missing key yields the zero value when allowNil is set.
func castValue[T any](va *ViperAdapter, key string, allowNil bool, castFn func(interface{}) (T, error)) (T, error) {
	val := va.Get(key)
	if val == nil && allowNil {
		var zero T
		return zero, nil
	}
	res, err := castFn(val)
	return res, WrapKeyErrIfNeeded(key, err)
}

// GetInt returns the value of the key as int.
func (va *ViperAdapter) GetInt(key string) (int, error) {
	return castValue(va, key, false, cast.ToIntE)
}

// GetFloat64 returns the value of the key as float64.
func (va *ViperAdapter) GetFloat64(key string) (float64, error) {
	return castValue(va, key, false, cast.ToFloat64E)
}

// GetString returns the value of the key as string.
func (va *ViperAdapter) GetString(key string) (string, error) {
	return castValue(va, key, false, cast.ToStringE)
}

// GetBool returns the value of the key as bool.
func (va *ViperAdapter) GetBool(key string) (bool, error) {
	return castValue(va, key, false, cast.ToBoolE)
}

// GetStringSlice returns the value of the key as a slice of strings. A missing key yields nil.
func (va *ViperAdapter) GetStringSlice(key string) ([]string, error) {
	return castValue(va, key, true, cast.ToStringSliceE)
}

// GetDuration returns the value of the key as time.Duration ("30s", "1m"). A missing key yields zero.
func (va *ViperAdapter) GetDuration(key string) (time.Duration, error) {
	return castValue(va, key, true, cast.ToDurationE)
}

// GetSizeInBytes tries to retrieve the value associated with the key as a size in bytes.
// Both plain integers and human-readable strings ("512K", "16Mi") are accepted.
func (va *ViperAdapter) GetSizeInBytes(key string) (uint64, error) {
	switch v := va.Get(key).(type) {
	case nil:
		return 0, nil
	case string:
		if v == "" {
			return 0, nil
		}
		size, err := parseByteSize(v)
		return uint64(size), WrapKeyErrIfNeeded(key, err)
	default:
		res, err := cast.ToUint64E(v)
		return res, WrapKeyErrIfNeeded(key, err)
	}
}

// GetStringFromSet returns the value of the key if it is one of set (store.backend, log.format and so on).
func (va *ViperAdapter) GetStringFromSet(key string, set []string, ignoreCase bool) (string, error) {
	str, err := va.GetString(key)
	if err != nil {
		return "", WrapKeyErrIfNeeded(key, err)
	}
	for _, s := range set {
		if (ignoreCase && strings.EqualFold(str, s)) || str == s {
			return str, nil
		}
	}
	return "", WrapKeyErrIfNeeded(key, fmt.Errorf("unknown value %q, should be one of %v", str, set))
}

// UnmarshalKey takes a single key and unmarshals it into a Struct.
func (va *ViperAdapter) UnmarshalKey(key string, rawVal interface{}, opts ...DecoderConfigOption) (err error) {
	options := make([]viper.DecoderConfigOption, len(opts))
	for i, opt := range opts {
		options[i] = viper.DecoderConfigOption(opt)
	}
	err = va.viper.UnmarshalKey(key, rawVal, options...)
	err = WrapKeyErrIfNeeded(key, err)
	return
}

// WrapKeyErr wraps error adding information about a key where this error occurs.
func (va *ViperAdapter) WrapKeyErr(key string, err error) error {
	return WrapKeyErr(key, err)
}

