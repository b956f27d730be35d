// Package envutil reads typed values out of the process environment,
// logging whichever of "found" or "using default" happened so a
// misconfigured deployment is diagnosable from its startup log alone.
package envutil

import (
	"os"
	"strconv"
	"time"

	"github.com/yungbote/jobworker/internal/platform/logger"
)

func GetEnv(key, defaultVal string, log *logger.Logger) string {
	if log != nil {
		log = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	if log != nil {
		log.Debug("environment variable found, using environment", "environment", val)
	}
	return val
}

func GetEnvAsInt(key string, defaultVal int, log *logger.Logger) int {
	if log != nil {
		log = log.With("env_var", key)
	}
	valStr, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	i, err := strconv.Atoi(valStr)
	if err != nil {
		if log != nil {
			log.Debug("environment variable could not be parsed as int, using default", "providedVal", valStr, "defaultVal", defaultVal, "error", err)
		}
		return defaultVal
	}
	if log != nil {
		log.Debug("environment variable found, using it", "value", i)
	}
	return i
}

func GetEnvAsBool(key string, defaultVal bool, log *logger.Logger) bool {
	if log != nil {
		log = log.With("env_var", key)
	}
	valStr, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	b, err := strconv.ParseBool(valStr)
	if err != nil {
		if log != nil {
			log.Debug("environment variable could not be parsed as bool, using default", "providedVal", valStr, "defaultVal", defaultVal, "error", err)
		}
		return defaultVal
	}
	if log != nil {
		log.Debug("environment variable found, using it", "value", b)
	}
	return b
}

// GetEnvAsMillisDuration reads an integer-millisecond environment
// variable and converts it to a time.Duration. Timeout knobs such as
// SHUTDOWN_GRACE_MILLIS are given in milliseconds in the environment
// but held as time.Duration in WorkerConfig, so this folds the
// GetEnvAsInt lookup and the millisecond conversion into one call
// instead of leaving every caller to repeat
// `time.Duration(x) * time.Millisecond`.
func GetEnvAsMillisDuration(key string, defaultMillis int, log *logger.Logger) time.Duration {
	return time.Duration(GetEnvAsInt(key, defaultMillis, log)) * time.Millisecond
}

// MaxAttemptsFromEnv reads MAX_ATTEMPTS for the env-driven
// WorkerConfig. A MultiWorkerConfig takes max_attempts per type from
// its YAML file instead and does not read this variable.
func MaxAttemptsFromEnv(defaultVal int, log *logger.Logger) int {
	return GetEnvAsInt("MAX_ATTEMPTS", defaultVal, log)
}

// ShutdownGraceFromEnv reads SHUTDOWN_GRACE_MILLIS as a time.Duration,
// the form Worker.Shutdown's timeoutMillis parameter is ultimately
// derived from.
func ShutdownGraceFromEnv(defaultMillis int, log *logger.Logger) time.Duration {
	return GetEnvAsMillisDuration("SHUTDOWN_GRACE_MILLIS", defaultMillis, log)
}
