package udbg

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Field is a structured logging key/value pair, mirroring logrus.Fields
// entries without forcing callers to import logrus directly.
type Field struct {
	Key   string
	Value any
}

// HostServices is the engine's sole door to the outside world for logging
// and configuration. It replaces reaching a process-wide global: the Engine
// is constructed with one and every component that used to log or read
// config reaches it through this interface instead.
type HostServices interface {
	LogError(event string, err error, fields ...Field)
	LogInfo(event string, fields ...Field)
	ConfigBool(key string, def bool) bool
}

// logrusHost is the default HostServices, backed by a logrus.FieldLogger for
// output and a viper.Viper for configuration.
type logrusHost struct {
	log *logrus.Logger
	cfg *viper.Viper
}

// NewHostServices builds the default HostServices. cfg may be nil, in which
// case a fresh viper instance with environment-variable binding is used.
func NewHostServices(log *logrus.Logger, cfg *viper.Viper) HostServices {
	if log == nil {
		log = logrus.New()
	}
	if cfg == nil {
		cfg = viper.New()
		cfg.AutomaticEnv()
	}
	return &logrusHost{log: log, cfg: cfg}
}

func toLogrusFields(fields []Field) logrus.Fields {
	if len(fields) == 0 {
		return nil
	}
	f := make(logrus.Fields, len(fields))
	for _, kv := range fields {
		f[kv.Key] = kv.Value
	}
	return f
}

func (h *logrusHost) LogError(event string, err error, fields ...Field) {
	entry := h.log.WithFields(toLogrusFields(fields))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(event)
}

func (h *logrusHost) LogInfo(event string, fields ...Field) {
	h.log.WithFields(toLogrusFields(fields)).Info(event)
}

func (h *logrusHost) ConfigBool(key string, def bool) bool {
	if !h.cfg.IsSet(key) {
		return def
	}
	return h.cfg.GetBool(key)
}
