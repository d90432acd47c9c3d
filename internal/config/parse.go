package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

// fileConfig mirrors Config for the JSON overlay. Pointer fields distinguish
// "absent" from zero values so partial files only touch what they set.
type fileConfig struct {
	ListenAddr  *string `json:"listen_addr"`
	DatabaseDSN *string `json:"database_dsn"`

	AuthSecret   *string `json:"auth_secret"`
	AuthIssuer   *string `json:"auth_issuer"`
	APIKeyHeader *string `json:"api_key_header"`

	AuditOrigin      *string `json:"audit_origin"`
	AuditSinkURL     *string `json:"audit_sink_url"`
	AuditSinkIndex   *string `json:"audit_sink_index"`
	AuditSinkAPIKey  *string `json:"audit_sink_api_key"`
	EnableAuditSend  *bool   `json:"enable_audit_send"`
	EnableAuditClear *bool   `json:"enable_audit_clear"`
	AuditRetention   *string `json:"audit_retention"`

	APIKeyCacheTTL *string `json:"api_key_cache_ttl"`

	MediaRoot   *string `json:"media_root"`
	S3Bucket    *string `json:"s3_bucket"`
	S3Region    *string `json:"s3_region"`
	S3Endpoint  *string `json:"s3_endpoint"`
	S3AccessKey *string `json:"s3_access_key"`
	S3SecretKey *string `json:"s3_secret_key"`

	FieldEncryptionKey *string `json:"field_encryption_key"`

	MaxFileSize          *int64 `json:"max_file_size"`
	MaxFileUploadAllowed *int   `json:"max_file_upload_allowed"`

	TrustForwardedFor  *bool   `json:"trust_forwarded_for"`
	EnableFileDeletion *bool   `json:"enable_file_deletion"`
	ScannerURL         *string `json:"scanner_url"`
}

func parseJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setDuration := func(dst *time.Duration, src *string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", *src, err)
		}
		*dst = d
		return nil
	}

	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.DatabaseDSN, fc.DatabaseDSN)
	setString(&cfg.AuthSecret, fc.AuthSecret)
	setString(&cfg.AuthIssuer, fc.AuthIssuer)
	setString(&cfg.APIKeyHeader, fc.APIKeyHeader)
	setString(&cfg.AuditOrigin, fc.AuditOrigin)
	setString(&cfg.AuditSinkURL, fc.AuditSinkURL)
	setString(&cfg.AuditSinkIndex, fc.AuditSinkIndex)
	setString(&cfg.AuditSinkAPIKey, fc.AuditSinkAPIKey)
	setBool(&cfg.EnableAuditSend, fc.EnableAuditSend)
	setBool(&cfg.EnableAuditClear, fc.EnableAuditClear)
	if err := setDuration(&cfg.AuditRetention, fc.AuditRetention); err != nil {
		return err
	}
	if err := setDuration(&cfg.APIKeyCacheTTL, fc.APIKeyCacheTTL); err != nil {
		return err
	}
	setString(&cfg.MediaRoot, fc.MediaRoot)
	setString(&cfg.S3Bucket, fc.S3Bucket)
	setString(&cfg.S3Region, fc.S3Region)
	setString(&cfg.S3Endpoint, fc.S3Endpoint)
	setString(&cfg.S3AccessKey, fc.S3AccessKey)
	setString(&cfg.S3SecretKey, fc.S3SecretKey)
	setString(&cfg.FieldEncryptionKey, fc.FieldEncryptionKey)
	if fc.MaxFileSize != nil {
		cfg.MaxFileSize = *fc.MaxFileSize
	}
	if fc.MaxFileUploadAllowed != nil {
		cfg.MaxFileUploadAllowed = *fc.MaxFileUploadAllowed
	}
	setBool(&cfg.TrustForwardedFor, fc.TrustForwardedFor)
	setBool(&cfg.EnableFileDeletion, fc.EnableFileDeletion)
	setString(&cfg.ScannerURL, fc.ScannerURL)
	return nil
}

func parseFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("atv", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	fs.StringVar(&cfg.DatabaseDSN, "dsn", cfg.DatabaseDSN, "PostgreSQL DSN")
	fs.StringVar(&cfg.MediaRoot, "media-root", cfg.MediaRoot, "directory for attachment files")
	fs.StringVar(&cfg.AuditSinkURL, "audit-sink-url", cfg.AuditSinkURL, "audit log sink base URL")
	fs.BoolVar(&cfg.EnableAuditSend, "enable-audit-send", cfg.EnableAuditSend, "enable sending audit entries to the sink")
	fs.BoolVar(&cfg.EnableAuditClear, "enable-audit-clear", cfg.EnableAuditClear, "enable purging sent audit entries")
	fs.BoolVar(&cfg.TrustForwardedFor, "trust-forwarded-for", cfg.TrustForwardedFor, "resolve client IPs from X-Forwarded-For")
	return fs.Parse(args)
}
