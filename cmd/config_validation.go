package cmd

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"strings"

	errors "github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
)

const maxScanChunkBytes = 16 << 20

// configGetter retrieves raw configuration values by dotted key path.
type configGetter func(key string) any

// validateStartupConfig validates startup configuration from the shared config source.
// It returns an error when any configured value is malformed or violates constraints.
func validateStartupConfig() error {
	return validateStartupConfigWithGetter(func(key string) any {
		return gconfig.S.Get(key)
	})
}

// validateStartupConfigWithGetter validates startup configuration via a key-value getter.
// It accepts a value getter and returns nil when all configured values are valid.
func validateStartupConfigWithGetter(get configGetter) error {
	if get == nil {
		return errors.New("config getter is nil")
	}

	validationErrs := make([]string, 0)

	validateStorageConfig(get, &validationErrs)
	validateScanConfig(get, &validationErrs)
	validateUploadConfig(get, &validationErrs)
	validateRedisConfig(get, &validationErrs)

	if len(validationErrs) == 0 {
		return nil
	}

	return errors.Errorf("invalid configuration:\n - %s", strings.Join(validationErrs, "\n - "))
}

// validateStorageConfig validates blob store settings and the backend-specific keys.
func validateStorageConfig(get configGetter, errs *[]string) {
	validateOptionalEnum(get, "settings.storage.type", []string{"s3", "local"}, errs)
	validateOptionalStringNonEmpty(get, "settings.storage.container", errs)
	validateOptionalURL(get, "settings.storage.base_url", errs)
	validateOptionalBool(get, "settings.storage.create_container", errs)
	validateOptionalIntMin(get, "settings.storage.upload_timeout_minutes", 1, errs)
	validateOptionalBool(get, "settings.storage.s3.use_ssl", errs)
	validateOptionalURL(get, "settings.storage.local.public_url", errs)

	storageType := "s3"
	if raw := get("settings.storage.type"); raw != nil {
		if value, err := parseStrictString(raw); err == nil {
			storageType = strings.ToLower(strings.TrimSpace(value))
		}
	}

	switch storageType {
	case "s3":
		validateRequiredString(get, "settings.storage.s3.endpoint", errs)
		if raw := get("settings.storage.s3.endpoint"); raw != nil {
			if endpoint, err := parseStrictString(raw); err == nil && strings.Contains(endpoint, "://") {
				appendValidationError(errs, "settings.storage.s3.endpoint must be host[:port] without scheme")
			}
		}
	case "local":
		validateOptionalStringNonEmpty(get, "settings.storage.local.dir", errs)
	}
}

// validateScanConfig validates antivirus daemon settings.
func validateScanConfig(get configGetter, errs *[]string) {
	validateOptionalBool(get, "settings.scan.enabled", errs)
	validateOptionalBool(get, "settings.scan.allow_on_error", errs)
	validateOptionalStringNonEmpty(get, "settings.scan.host", errs)
	validateOptionalIntRange(get, "settings.scan.port", 1, 65535, errs)
	validateOptionalIntMin(get, "settings.scan.timeout_seconds", 1, errs)
	validateOptionalIntMin(get, "settings.scan.io_timeout_seconds", 1, errs)
	validateOptionalIntRange(get, "settings.scan.chunk_bytes", 1, maxScanChunkBytes, errs)

	if raw := get("settings.scan.host"); raw != nil {
		if host, err := parseStrictString(raw); err == nil && strings.TrimSpace(host) != "" {
			if _, _, splitErr := net.SplitHostPort(host); splitErr == nil {
				appendValidationError(errs, "settings.scan.host must not contain a port, use settings.scan.port")
			}
		}
	}
}

// validateUploadConfig validates request limits.
func validateUploadConfig(get configGetter, errs *[]string) {
	validateOptionalInt64Min(get, "settings.upload.max_size_bytes", 0, errs)
	validateOptionalBool(get, "settings.upload.validate_mime", errs)
	validateOptionalStringNonEmpty(get, "settings.upload.spool_dir", errs)
	for _, key := range []string{
		"settings.web.throttle.total_per_sec",
		"settings.web.throttle.total_burst",
		"settings.web.throttle.each_client_per_sec",
		"settings.web.throttle.each_client_burst",
	} {
		validateOptionalIntMin(get, key, 0, errs)
	}
}

// validateRedisConfig validates redis-related startup configuration values.
// It accepts a getter and an error collector pointer and appends validation errors.
func validateRedisConfig(get configGetter, errs *[]string) {
	validateOptionalIntMin(get, "settings.db.redis.db", 0, errs)
	validateOptionalStringNonEmpty(get, "settings.registry.prefix", errs)
}

// validateRequiredString validates that key is set to a non-empty string.
func validateRequiredString(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		appendValidationError(errs, "%s is required", key)
		return
	}

	value, parseErr := parseStrictString(raw)
	if parseErr != nil || strings.TrimSpace(value) == "" {
		appendValidationError(errs, "%s must be a non-empty string", key)
	}
}

// validateOptionalEnum validates an optionally configured string key against allowed values.
func validateOptionalEnum(get configGetter, key string, allowed []string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictString(raw)
	if parseErr == nil {
		normalized := strings.ToLower(strings.TrimSpace(value))
		for _, a := range allowed {
			if normalized == a {
				return
			}
		}
	}
	appendValidationError(errs, "%s must be one of [%s]", key, strings.Join(allowed, ", "))
}

// validateOptionalIntRange validates an optionally configured integer key within [min, max].
func validateOptionalIntRange(get configGetter, key string, min, max int, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictInt(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be an integer", key)
		return
	}

	if value < min || value > max {
		appendValidationError(errs, "%s must be within [%d, %d]", key, min, max)
	}
}

// validateOptionalBool validates an optionally configured boolean key.
// It accepts a getter, the key, and an error collector pointer and appends validation errors.
func validateOptionalBool(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	if _, ok := parseStrictBool(raw); !ok {
		appendValidationError(errs, "%s must be a boolean", key)
	}
}

// validateOptionalIntMin validates an optionally configured integer key with a minimum constraint.
// It accepts a getter, the key, a minimum value, and an error collector pointer and appends validation errors.
func validateOptionalIntMin(get configGetter, key string, min int, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictInt(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be an integer", key)
		return
	}

	if value < min {
		appendValidationError(errs, "%s must be >= %d", key, min)
	}
}

// validateOptionalInt64Min validates an optionally configured int64 key with a minimum constraint.
// It accepts a getter, the key, a minimum value, and an error collector pointer and appends validation errors.
func validateOptionalInt64Min(get configGetter, key string, min int64, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictInt64(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be an integer", key)
		return
	}

	if value < min {
		appendValidationError(errs, "%s must be >= %d", key, min)
	}
}

// validateOptionalURL validates an optionally configured absolute URL key.
// It accepts a getter, the key, and an error collector pointer and appends validation errors.
func validateOptionalURL(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictString(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be a string URL", key)
		return
	}

	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		appendValidationError(errs, "%s must not be empty", key)
		return
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		appendValidationError(errs, "%s must be a valid absolute URL", key)
	}
}

// validateOptionalStringNonEmpty validates an optionally configured non-empty string key.
// It accepts a getter, the key, and an error collector pointer and appends validation errors.
func validateOptionalStringNonEmpty(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictString(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be a string", key)
		return
	}

	if strings.TrimSpace(value) == "" {
		appendValidationError(errs, "%s must not be empty", key)
	}
}

// parseStrictBool parses a value as boolean using strict conversion rules.
// It accepts a raw value and returns the parsed boolean and whether parsing succeeded.
func parseStrictBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case int:
		return v != 0, true
	case int64:
		return v != 0, true
	case float64:
		if math.Trunc(v) != v {
			return false, false
		}
		return int64(v) != 0, true
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return false, false
		}
		switch strings.ToLower(trimmed) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		default:
			return false, false
		}
	default:
		return false, false
	}
}

// parseStrictInt parses a value as a strict integer.
// It accepts a raw value and returns the parsed int and an error when parsing fails.
func parseStrictInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if math.Trunc(v) != v {
			return 0, errors.Errorf("%v is not an integer", v)
		}
		return int(v), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, errors.New("empty integer string")
		}
		parsed, err := strconv.Atoi(trimmed)
		if err != nil {
			return 0, errors.Wrap(err, "atoi")
		}
		return parsed, nil
	default:
		return 0, errors.Errorf("unsupported int type %T", value)
	}
}

// parseStrictInt64 parses a value as a strict int64.
// It accepts a raw value and returns the parsed int64 and an error when parsing fails.
func parseStrictInt64(value any) (int64, error) {
	if v, ok := value.(string); ok {
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, errors.Wrap(err, "parse int64")
		}
		return parsed, nil
	}

	parsed, err := parseStrictInt(value)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int64(parsed), nil
}

// parseStrictString parses a value as a strict string.
// It accepts a raw value and returns the parsed string and an error when parsing fails.
func parseStrictString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", errors.Errorf("unsupported string type %T", value)
	}
}

// appendValidationError appends a formatted validation error to the collector.
// It accepts an error slice pointer, a format string, and format arguments, and has no return value.
func appendValidationError(errs *[]string, format string, args ...any) {
	if errs == nil {
		return
	}
	*errs = append(*errs, fmt.Sprintf(format, args...))
}
