package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/driveops/garch/internal/app"
	"github.com/driveops/garch/internal/config"
	"github.com/driveops/garch/internal/logging"
	"github.com/driveops/garch/internal/notify"
	"github.com/driveops/garch/internal/remote"
	"github.com/driveops/garch/internal/util"
	"github.com/driveops/garch/internal/version"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

type overrideFlags struct {
	Backend     string
	LocalPath   string
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    string
	S3PathStyle string

	FolderID     string
	Credentials  string
	TokenFile    string
	TokenJSON    string
	ArchiveName  string
	DeleteFolder bool
	Compression  string
	EncryptKey   string
	Parallelism  int
	ChunkSize    int64
	Retry        int
	RetryBackoff time.Duration
}

func main() {
	root := &rootFlags{}
	overrides := &overrideFlags{}

	rootCmd := &cobra.Command{
		Use:           "garch",
		Short:         "Archive a remote folder tree into a compressed archive and replace it",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")

	rootCmd.PersistentFlags().StringVar(&overrides.Backend, "remote", "", "Remote backend (drive, s3, local)")
	rootCmd.PersistentFlags().StringVar(&overrides.LocalPath, "local-path", "", "Base path for the local backend")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Endpoint, "s3-endpoint", "", "S3 endpoint (MinIO/OSS)")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Bucket, "s3-bucket", "", "S3 bucket")
	rootCmd.PersistentFlags().StringVar(&overrides.S3AccessKey, "s3-access-key", "", "S3 access key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3SecretKey, "s3-secret-key", "", "S3 secret key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Region, "s3-region", "", "S3 region")
	rootCmd.PersistentFlags().StringVar(&overrides.S3UseSSL, "s3-ssl", "", "Use SSL for S3 endpoint (true/false)")
	rootCmd.PersistentFlags().StringVar(&overrides.S3PathStyle, "s3-path-style", "", "Force path-style S3 (true/false)")

	rootCmd.AddCommand(newArchiveCmd(root, overrides))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func newArchiveCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive a remote folder into its parent and optionally delete the source",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, overrides)
			if err != nil {
				return err
			}
			if cfg.Archive.FolderID == "" {
				return fmt.Errorf("--folder-id is required")
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.OperationTimeout)
			defer cancel()

			client, err := remote.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			appSvc := app.New(cfg, client, logger, notify.FromConfig(cfg.Notifications))

			res, err := appSvc.Archive(ctx)
			if err != nil {
				return err
			}
			logger.Info().
				Str("archive", res.ArchiveName).
				Str("archive_id", res.ArchiveID).
				Int("files", res.Files).
				Int("dirs", res.Dirs).
				Int("skipped", res.Skipped).
				Int64("raw_bytes", res.RawBytes).
				Int64("archive_bytes", res.ArchiveBytes).
				Bool("source_deleted", res.Deleted).
				Msg("archive completed")
			return nil
		},
	}

	cmd.Flags().StringVar(&overrides.FolderID, "folder-id", "", "ID of the remote folder to archive")
	cmd.Flags().StringVar(&overrides.Credentials, "credentials", "", "OAuth2 client credentials file (e.g. credentials.json)")
	cmd.Flags().StringVar(&overrides.TokenFile, "token-file", "", "Stored OAuth2 token file (e.g. token.json)")
	cmd.Flags().StringVar(&overrides.TokenJSON, "token", "", "OAuth2 token JSON string (alternative to a token file)")
	cmd.Flags().StringVar(&overrides.ArchiveName, "archive-name", "", "Name for the uploaded archive (default: folder name + extension)")
	cmd.Flags().BoolVar(&overrides.DeleteFolder, "delete-folder", false, "Delete the source folder after the archive is verified")
	cmd.Flags().StringVar(&overrides.Compression, "compression", "", "Compression (xz, gzip, zstd)")
	cmd.Flags().StringVar(&overrides.EncryptKey, "encrypt-key", "", "32-byte key (base64 or hex) to encrypt the archive at rest")
	cmd.Flags().IntVar(&overrides.Parallelism, "parallelism", 0, "Bounded prefetch workers")
	cmd.Flags().Int64Var(&overrides.ChunkSize, "chunk-size", 0, "Upload chunk size in bytes")
	cmd.Flags().IntVar(&overrides.Retry, "retry", 0, "Retry attempts for transient remote failures")
	cmd.Flags().DurationVar(&overrides.RetryBackoff, "retry-backoff", 0, "Initial retry backoff")

	return cmd
}

func newConfigCmd() *cobra.Command {
	var input string
	var output string
	var key string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" || output == "" || key == "" {
				return fmt.Errorf("--input, --output, and --key are required")
			}
			return config.EncryptConfigFile(input, output, key)
		},
	}
	encrypt.Flags().StringVar(&input, "input", "", "Input config file")
	encrypt.Flags().StringVar(&output, "output", "", "Output encrypted config file")
	encrypt.Flags().StringVar(&key, "key", "", "Encryption key (base64 or hex)")

	cmd.AddCommand(encrypt)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("garch %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func loadConfig(root *rootFlags, overrides *overrideFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, root, overrides)
	return cfg, nil
}

func applyOverrides(cfg *config.Config, root *rootFlags, overrides *overrideFlags) {
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}

	if overrides.Backend != "" {
		cfg.Remote.Backend = overrides.Backend
	}
	if overrides.LocalPath != "" {
		cfg.Remote.Local.Path = overrides.LocalPath
	}
	if overrides.S3Endpoint != "" {
		cfg.Remote.S3.Endpoint = overrides.S3Endpoint
	}
	if overrides.S3Bucket != "" {
		cfg.Remote.S3.Bucket = overrides.S3Bucket
	}
	if overrides.S3AccessKey != "" {
		cfg.Remote.S3.AccessKey = overrides.S3AccessKey
	}
	if overrides.S3SecretKey != "" {
		cfg.Remote.S3.SecretKey = overrides.S3SecretKey
	}
	if overrides.S3Region != "" {
		cfg.Remote.S3.Region = overrides.S3Region
	}
	if overrides.S3UseSSL != "" {
		cfg.Remote.S3.UseSSL = strings.EqualFold(overrides.S3UseSSL, "true") || overrides.S3UseSSL == "1"
	}
	if overrides.S3PathStyle != "" {
		cfg.Remote.S3.ForcePathStyle = strings.EqualFold(overrides.S3PathStyle, "true") || overrides.S3PathStyle == "1"
	}

	if overrides.FolderID != "" {
		cfg.Archive.FolderID = overrides.FolderID
	}
	if overrides.Credentials != "" {
		cfg.Auth.CredentialsFile = overrides.Credentials
	}
	if overrides.TokenFile != "" {
		cfg.Auth.TokenFile = overrides.TokenFile
	}
	if overrides.TokenJSON != "" {
		cfg.Auth.TokenJSON = overrides.TokenJSON
	}
	if overrides.ArchiveName != "" {
		cfg.Archive.Name = util.SanitizeName(overrides.ArchiveName)
	}
	if overrides.DeleteFolder {
		cfg.Archive.DeleteSource = true
	}
	if overrides.Compression != "" {
		cfg.Archive.Compression = strings.ToLower(overrides.Compression)
	}
	if overrides.EncryptKey != "" {
		cfg.Archive.EncryptKey = overrides.EncryptKey
	}
	if overrides.Parallelism > 0 {
		cfg.Transfer.Parallelism = overrides.Parallelism
	}
	if overrides.ChunkSize > 0 {
		cfg.Transfer.ChunkSize = overrides.ChunkSize
	}
	if overrides.Retry > 0 {
		cfg.Transfer.RetryCount = overrides.Retry
	}
	if overrides.RetryBackoff > 0 {
		cfg.Transfer.RetryBackoff = overrides.RetryBackoff
	}

	cfg.Remote.Backend = strings.ToLower(cfg.Remote.Backend)
	cfg.Archive.Compression = strings.ToLower(cfg.Archive.Compression)
}

// exitCode maps the failed pipeline stage to a distinct exit code so
// wrappers can tell listing, read, upload, verification, and delete
// failures apart.
func exitCode(err error) int {
	switch remote.StageOf(err) {
	case remote.StageList:
		return 2
	case remote.StageRead:
		return 3
	case remote.StageUpload:
		return 4
	case remote.StageVerify:
		return 5
	case remote.StageDelete:
		return 6
	default:
		return 1
	}
}
