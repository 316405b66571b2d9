// Package config loads governance settings from struct tag defaults, an
// optional YAML or JSON file, and environment variables, in that order of
// increasing precedence.
//
// Three struct tags drive loading:
//
//   - `env:"NAME"` maps a field to an environment variable. On a nested
//     struct field the tag becomes a prefix for the child fields.
//   - `envDefault:"value"` is applied when the field is still zero.
//   - `required:"true"` fails loading if the field is zero afterwards.
//
// File values are decoded through the `yaml` or `json` tags.
//
//	cfg := config.MustLoad[governor.Config](
//	    config.New().WithEnvPrefix("GOVERNANCE").WithFile("governance.yaml"),
//	)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/stricklysoft-governance/pkg/errors"
)

var durationType = reflect.TypeOf(time.Duration(0))

// LookupFunc resolves an environment variable. It has the signature of
// os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Loader resolves configuration in layers. It is not safe for concurrent
// use; build one per Load call.
type Loader struct {
	envPrefix string
	filePath  string
	lookup    LookupFunc
}

// New returns a Loader that reads environment variables through
// os.LookupEnv, with no prefix and no file.
func New() *Loader {
	return &Loader{lookup: os.LookupEnv}
}

// WithEnvPrefix prepends prefix (uppercased, joined with "_") to every
// environment variable name.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets an optional .yaml, .yml, or .json file. A missing file is
// ignored; a path containing ".." is rejected at Load time.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// WithLookup replaces the environment source, typically with a map-backed
// function in tests.
func (l *Loader) WithLookup(fn LookupFunc) *Loader {
	if fn != nil {
		l.lookup = fn
	}
	return l
}

// Load populates cfg, which must be a non-nil pointer to a struct. Loading
// failures carry [sserr.CodeInternalConfiguration]; a missing required field
// carries [sserr.CodeValidationRequired]. If cfg implements [Validator] it is
// validated last.
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()

	if err := applyDefaults(rv); err != nil {
		return err
	}
	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}
	if err := l.applyEnv(rv, l.envPrefix); err != nil {
		return err
	}
	return validate(cfg, rv)
}

// MustLoad loads a T or panics. Use it in main, where a bad configuration
// should stop the process.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

// LoadFile decodes a YAML or JSON file into out, choosing the format from
// the extension. Unlike Load, a missing file is an error.
func LoadFile(path string, out any) error {
	if strings.Contains(path, "..") {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: file path must not contain directory traversal (..) sequences")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration, "config: failed to read file %q", path)
	}
	return decode(path, data, out)
}

func (l *Loader) loadFile(cfg any) error {
	err := LoadFile(l.filePath, cfg)
	if err != nil && os.IsNotExist(errorsCause(err)) {
		return nil
	}
	return err
}

func decode(path string, data []byte, out any) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, out); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration, "config: failed to parse YAML file %q", path)
		}
	case ".json":
		if err := json.Unmarshal(data, out); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration, "config: failed to parse JSON file %q", path)
		}
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, or .json)", ext)
	}
	return nil
}

func errorsCause(err error) error {
	if e, ok := sserr.AsError(err); ok && e.Cause != nil {
		return e.Cause
	}
	return err
}

// isNested reports whether a struct field should be walked rather than set.
// time.Duration is an int64 and never matches.
func isNested(field reflect.Value) bool {
	return field.Kind() == reflect.Struct
}

func applyDefaults(rv reflect.Value) error {
	rt := rv.Type()
	for i := range rt.NumField() {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		if isNested(field) {
			if err := applyDefaults(field); err != nil {
				return err
			}
			continue
		}
		tag := sf.Tag.Get("envDefault")
		if tag == "" || !field.IsZero() {
			continue
		}
		if err := setField(field, tag); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to apply default for field %q", sf.Name)
		}
	}
	return nil
}

func joinKey(prefix, name string) string {
	switch {
	case prefix == "":
		return name
	case name == "":
		return prefix
	default:
		return prefix + "_" + name
	}
}

func (l *Loader) applyEnv(rv reflect.Value, prefix string) error {
	rt := rv.Type()
	for i := range rt.NumField() {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		envTag := sf.Tag.Get("env")
		if isNested(field) {
			if err := l.applyEnv(field, joinKey(prefix, envTag)); err != nil {
				return err
			}
			continue
		}
		if envTag == "" {
			continue
		}
		key := joinKey(prefix, envTag)
		val, ok := l.lookup(key)
		if !ok {
			continue
		}
		if err := setField(field, val); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to set field %q from env var %q", sf.Name, key)
		}
	}
	return nil
}

// setField parses value into field. Supported kinds: string (including
// named string types such as Secret), bool, signed and unsigned integers,
// floats, time.Duration, and slices of strings (comma-separated).
func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", value, err)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", value, err)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse unsigned integer %q: %w", value, err)
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse float %q: %w", value, err)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		// MakeSlice keeps named element types such as []alert.Channel.
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(strings.TrimSpace(p))
		}
		field.Set(slice)
	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
