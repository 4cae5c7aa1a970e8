package config

import "time"

// Config is the root configuration schema.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Remote        RemoteConfig        `mapstructure:"remote"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	Transfer      TransferConfig      `mapstructure:"transfer"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Schedule      ScheduleConfig      `mapstructure:"schedule"`
}

type GlobalConfig struct {
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"` // json or console
	LockFile         string        `mapstructure:"lock_file"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	ConfigPassphrase string        `mapstructure:"config_passphrase"` // optional; may come from env
}

type AuthConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
	TokenFile       string `mapstructure:"token_file"`
	TokenJSON       string `mapstructure:"token_json"`
}

type RemoteConfig struct {
	Backend string      `mapstructure:"backend"` // drive, s3, local
	Drive   DriveRemote `mapstructure:"drive"`
	S3      S3Remote    `mapstructure:"s3"`
	Local   LocalRemote `mapstructure:"local"`
}

type DriveRemote struct {
	Endpoint       string `mapstructure:"endpoint"`        // API base override, used in tests
	UploadEndpoint string `mapstructure:"upload_endpoint"` // upload base override
}

type S3Remote struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	SessionToken    string `mapstructure:"session_token"`
	TLSInsecureSkip bool   `mapstructure:"tls_insecure_skip"`
}

type LocalRemote struct {
	Path string `mapstructure:"path"`
}

type ArchiveConfig struct {
	FolderID     string `mapstructure:"folder_id"`
	Name         string `mapstructure:"name"`        // default: folder name + container extension
	Compression  string `mapstructure:"compression"` // xz, gzip, zstd
	DeleteSource bool   `mapstructure:"delete_source"`
	EncryptKey   string `mapstructure:"encrypt_key"` // optional; encrypts the archive stream at rest
}

type TransferConfig struct {
	ChunkSize    int64         `mapstructure:"chunk_size"` // resumable upload chunk, bytes
	BufferSize   int           `mapstructure:"buffer_size"`
	Parallelism  int           `mapstructure:"parallelism"` // bounded prefetch workers
	RetryCount   int           `mapstructure:"retry_count"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	RetryMax     time.Duration `mapstructure:"retry_backoff_max"`
	SpoolDir     string        `mapstructure:"spool_dir"` // default: os.TempDir
}

type NotificationsConfig struct {
	Webhooks   []WebhookConfig  `mapstructure:"webhooks"`
	Mattermost []MattermostHook `mapstructure:"mattermost"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type MattermostHook struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

type ScheduleConfig struct {
	WindowStart string `mapstructure:"window_start"` // HH:MM local time
	WindowEnd   string `mapstructure:"window_end"`
	Timezone    string `mapstructure:"timezone"`
}
