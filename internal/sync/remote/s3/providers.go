package s3

import (
	"fmt"
	"strings"

	"github.com/kimhsiao/stocksync/backend/internal/config"
)

// Provider names accepted in configuration.
const (
	ProviderAWS    = "aws"
	ProviderMinIO  = "minio"
	ProviderR2     = "r2"
	ProviderCustom = "custom"
)

// AWSEndpointForRegion returns the regional S3 endpoint. us-east-1 uses the
// global endpoint.
func AWSEndpointForRegion(region string) string {
	if region == "" || region == "us-east-1" {
		return "https://s3.amazonaws.com"
	}
	return fmt.Sprintf("https://s3.%s.amazonaws.com", region)
}

// R2EndpointForAccount returns the R2 S3 API endpoint for an account.
func R2EndpointForAccount(accountID string) string {
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
}

// IsValidR2AccountID reports whether accountID looks like a Cloudflare account
// ID (32 hex characters).
func IsValidR2AccountID(accountID string) bool {
	if len(accountID) != 32 {
		return false
	}
	for _, c := range accountID {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// normalizeEndpoint adds a scheme to a bare host:port endpoint.
func normalizeEndpoint(endpoint string, useSSL bool) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// ClientConfigFor resolves provider presets into a ClientConfig.
//   - aws: virtual-host style on the regional endpoint
//   - minio: path style on the configured endpoint
//   - r2: path style on the account endpoint, region "auto"
//   - custom: the configured endpoint and addressing style as-is
func ClientConfigFor(cfg config.S3Config) (ClientConfig, error) {
	out := ClientConfig{
		Bucket:    cfg.Bucket,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Region:    cfg.Region,
		PathStyle: cfg.PathStyle,
	}

	switch strings.ToLower(cfg.Provider) {
	case ProviderAWS, "":
		out.Endpoint = AWSEndpointForRegion(cfg.Region)
		if cfg.Endpoint != "" {
			out.Endpoint = normalizeEndpoint(cfg.Endpoint, true)
		}
	case ProviderMinIO:
		if cfg.Endpoint == "" {
			return ClientConfig{}, fmt.Errorf("minio endpoint is required")
		}
		out.Endpoint = normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
		out.PathStyle = true
	case ProviderR2:
		if !IsValidR2AccountID(cfg.AccountID) {
			return ClientConfig{}, fmt.Errorf("invalid R2 account id %q", cfg.AccountID)
		}
		out.Endpoint = R2EndpointForAccount(cfg.AccountID)
		out.Region = "auto"
		out.PathStyle = true
	case ProviderCustom:
		if cfg.Endpoint == "" {
			return ClientConfig{}, fmt.Errorf("custom endpoint is required")
		}
		out.Endpoint = normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	default:
		return ClientConfig{}, fmt.Errorf("unknown S3 provider %q", cfg.Provider)
	}
	return out, nil
}

// NewClientFromConfig builds a Client from application configuration.
func NewClientFromConfig(cfg config.S3Config) (*Client, error) {
	cc, err := ClientConfigFor(cfg)
	if err != nil {
		return nil, err
	}
	return NewClient(cc)
}
