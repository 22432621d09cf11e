package pipeline

import (
	"fmt"
	"strings"
	"time"

	gconfig "github.com/Laisky/go-config/v2"

	rdb "github.com/Laisky/file-ingest/library/db/redis"
)

// Storage backend types.
const (
	StorageTypeS3    = "s3"
	StorageTypeLocal = "local"
)

const (
	defaultContainer        = "videos"
	defaultUploadTimeout    = 60 * time.Minute
	defaultScanHost         = "localhost"
	defaultScanPort         = 3310
	defaultScanTimeout      = 300 * time.Second
	defaultScanChunkBytes   = 64 * 1024
	defaultScanAllowOnError = true
	defaultLocalDir         = "/var/lib/file-ingest"
	defaultRegistryPrefix   = rdb.KeyPrefixFiles
)

// Settings captures runtime configuration for the ingest pipeline and its collaborators.
type Settings struct {
	Storage  StorageSettings
	Scan     ScanSettings
	Upload   UploadSettings
	Redis    RedisSettings
	Registry RegistrySettings
}

// StorageSettings configures the blob store.
type StorageSettings struct {
	Type            string
	Container       string
	BaseURL         string
	CreateContainer bool
	UploadTimeout   time.Duration
	S3              S3Settings
	Local           LocalSettings
}

// S3Settings configures the S3-compatible backend.
type S3Settings struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// LocalSettings configures the filesystem backend.
type LocalSettings struct {
	Dir       string
	PublicURL string
}

// ScanSettings configures the antivirus gate.
type ScanSettings struct {
	Enabled        bool
	Host           string
	Port           int
	AllowOnError   bool
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	ChunkBytes     int
}

// UploadSettings configures request limits and spooling.
type UploadSettings struct {
	MaxSizeBytes int64
	SpoolDir     string
	ValidateMIME bool
}

// RedisSettings configures the registry backend. An empty Addr disables the registry.
type RedisSettings struct {
	Addr     string
	DB       int
	Password string
}

// RegistrySettings configures metadata recording.
type RegistrySettings struct {
	Prefix string
}

// LoadSettingsFromConfig reads configuration and applies safe defaults.
func LoadSettingsFromConfig() Settings {
	settings := Settings{
		Storage: StorageSettings{
			Type:            strings.ToLower(strings.TrimSpace(gconfig.S.GetString("settings.storage.type"))),
			Container:       strings.TrimSpace(gconfig.S.GetString("settings.storage.container")),
			BaseURL:         strings.TrimSpace(gconfig.S.GetString("settings.storage.base_url")),
			CreateContainer: boolFromConfig("settings.storage.create_container", true),
			UploadTimeout:   time.Duration(intFromConfig("settings.storage.upload_timeout_minutes", 60)) * time.Minute,
			S3: S3Settings{
				Endpoint:  strings.TrimSpace(gconfig.S.GetString("settings.storage.s3.endpoint")),
				AccessKey: strings.TrimSpace(gconfig.S.GetString("settings.storage.s3.access_key")),
				SecretKey: strings.TrimSpace(gconfig.S.GetString("settings.storage.s3.secret_key")),
				Region:    strings.TrimSpace(gconfig.S.GetString("settings.storage.s3.region")),
				UseSSL:    boolFromConfig("settings.storage.s3.use_ssl", false),
			},
			Local: LocalSettings{
				Dir:       strings.TrimSpace(gconfig.S.GetString("settings.storage.local.dir")),
				PublicURL: strings.TrimSpace(gconfig.S.GetString("settings.storage.local.public_url")),
			},
		},
		Scan: ScanSettings{
			Enabled:        boolFromConfig("settings.scan.enabled", false),
			Host:           strings.TrimSpace(gconfig.S.GetString("settings.scan.host")),
			Port:           intFromConfig("settings.scan.port", defaultScanPort),
			AllowOnError:   boolFromConfig("settings.scan.allow_on_error", defaultScanAllowOnError),
			ConnectTimeout: time.Duration(intFromConfig("settings.scan.timeout_seconds", 300)) * time.Second,
			IOTimeout:      time.Duration(intFromConfig("settings.scan.io_timeout_seconds", 300)) * time.Second,
			ChunkBytes:     intFromConfig("settings.scan.chunk_bytes", defaultScanChunkBytes),
		},
		Upload: UploadSettings{
			MaxSizeBytes: int64FromConfig("settings.upload.max_size_bytes", 0),
			SpoolDir:     strings.TrimSpace(gconfig.S.GetString("settings.upload.spool_dir")),
			ValidateMIME: boolFromConfig("settings.upload.validate_mime", false),
		},
		Redis: RedisSettings{
			Addr:     strings.TrimSpace(gconfig.S.GetString("settings.db.redis.addr")),
			DB:       intFromConfig("settings.db.redis.db", 0),
			Password: gconfig.S.GetString("settings.db.redis.password"),
		},
		Registry: RegistrySettings{
			Prefix: strings.TrimSpace(gconfig.S.GetString("settings.registry.prefix")),
		},
	}

	settings.applyDefaults()
	return settings
}

// applyDefaults replaces unset or invalid values with defaults.
func (s *Settings) applyDefaults() {
	if s.Storage.Type == "" {
		s.Storage.Type = StorageTypeS3
	}
	if s.Storage.Container == "" {
		s.Storage.Container = defaultContainer
	}
	if s.Storage.UploadTimeout <= 0 {
		s.Storage.UploadTimeout = defaultUploadTimeout
	}
	if s.Storage.Local.Dir == "" {
		s.Storage.Local.Dir = defaultLocalDir
	}
	if s.Scan.Host == "" {
		s.Scan.Host = defaultScanHost
	}
	if s.Scan.Port <= 0 || s.Scan.Port > 65535 {
		s.Scan.Port = defaultScanPort
	}
	if s.Scan.ConnectTimeout <= 0 {
		s.Scan.ConnectTimeout = defaultScanTimeout
	}
	if s.Scan.IOTimeout <= 0 {
		s.Scan.IOTimeout = defaultScanTimeout
	}
	if s.Scan.ChunkBytes <= 0 {
		s.Scan.ChunkBytes = defaultScanChunkBytes
	}
	if s.Upload.MaxSizeBytes < 0 {
		s.Upload.MaxSizeBytes = 0
	}
	if s.Registry.Prefix == "" {
		s.Registry.Prefix = defaultRegistryPrefix
	}
}

// intFromConfig reads an int configuration value with a default fallback.
func intFromConfig(key string, def int) int {
	return int(int64FromConfig(key, int64(def)))
}

// int64FromConfig reads an int64 configuration value with a default fallback.
func int64FromConfig(key string, def int64) int64 {
	value := gconfig.S.Get(key)
	switch v := value.(type) {
	case nil:
		return def
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return def
		}
		var parsed int64
		if _, err := fmt.Sscanf(trimmed, "%d", &parsed); err != nil {
			return def
		}
		return parsed
	default:
		return def
	}
}

// boolFromConfig reads a boolean configuration value with a default fallback.
func boolFromConfig(key string, def bool) bool {
	value := gconfig.S.Get(key)
	switch v := value.(type) {
	case nil:
		return def
	case bool:
		return v
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		default:
			return def
		}
	default:
		return def
	}
}
