// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

package bedrock

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/flowgate/gateway/llm"
	"github.com/flowgate/gateway/llm/providers"
)

// credentialResolver resolves AWS credentials in order: per-request
// override, static config, environment variables, STS AssumeRole (when
// AWS_ASSUME_ROLE_ARN or the config names a role), shared credentials
// file. Assumed-role credentials are cached until shortly before expiry.
type credentialResolver struct {
	cfg    providers.BedrockConfig
	client *http.Client

	mu      sync.Mutex
	assumed credentials
	expiry  time.Time
}

func newCredentialResolver(cfg providers.BedrockConfig, client *http.Client) *credentialResolver {
	return &credentialResolver{cfg: cfg, client: client}
}

func (r *credentialResolver) resolve(ctx context.Context) (credentials, error) {
	// Per-request override wins outright.
	if c, ok := llm.CredentialOverrideFromContext(ctx); ok && c.APIKey != "" && c.SecretKey != "" {
		return credentials{AccessKeyID: c.APIKey, SecretAccessKey: c.SecretKey}, nil
	}

	if r.cfg.AccessKeyID != "" && r.cfg.SecretAccessKey != "" {
		return credentials{
			AccessKeyID:     r.cfg.AccessKeyID,
			SecretAccessKey: r.cfg.SecretAccessKey,
			SessionToken:    r.cfg.SessionToken,
		}, nil
	}

	env := envCredentials()

	roleARN := r.cfg.AssumeRoleARN
	if roleARN == "" {
		roleARN = os.Getenv("AWS_ASSUME_ROLE_ARN")
	}
	if roleARN != "" {
		base := env
		if !base.valid() {
			base = fileCredentials()
		}
		if !base.valid() {
			return credentials{}, fmt.Errorf("assume role %s: no base credentials available", roleARN)
		}
		return r.assumeRole(ctx, roleARN, base)
	}

	if env.valid() {
		return env, nil
	}
	if file := fileCredentials(); file.valid() {
		return file, nil
	}
	return credentials{}, fmt.Errorf("no AWS credentials resolved")
}

func envCredentials() credentials {
	return credentials{
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
	}
}

// fileCredentials reads the default profile from ~/.aws/credentials.
func fileCredentials() credentials {
	home, err := os.UserHomeDir()
	if err != nil {
		return credentials{}
	}
	data, err := os.ReadFile(filepath.Join(home, ".aws", "credentials"))
	if err != nil {
		return credentials{}
	}

	var creds credentials
	inDefault := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			inDefault = line == "[default]"
			continue
		}
		if !inDefault {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "aws_access_key_id":
			creds.AccessKeyID = value
		case "aws_secret_access_key":
			creds.SecretAccessKey = value
		case "aws_session_token":
			creds.SessionToken = value
		}
	}
	return creds
}

type assumeRoleResponse struct {
	XMLName xml.Name `xml:"AssumeRoleResponse"`
	Result  struct {
		Credentials struct {
			AccessKeyID     string    `xml:"AccessKeyId"`
			SecretAccessKey string    `xml:"SecretAccessKey"`
			SessionToken    string    `xml:"SessionToken"`
			Expiration      time.Time `xml:"Expiration"`
		} `xml:"Credentials"`
	} `xml:"AssumeRoleResult"`
}

// assumeRole exchanges base credentials for temporary role credentials via
// STS, caching the result until two minutes before expiry.
func (r *credentialResolver) assumeRole(ctx context.Context, roleARN string, base credentials) (credentials, error) {
	r.mu.Lock()
	if r.assumed.valid() && time.Until(r.expiry) > 2*time.Minute {
		creds := r.assumed
		r.mu.Unlock()
		return creds, nil
	}
	r.mu.Unlock()

	form := url.Values{
		"Action":          {"AssumeRole"},
		"Version":         {"2011-06-15"},
		"RoleArn":         {roleARN},
		"RoleSessionName": {"gateway"},
	}
	body := form.Encode()

	endpoint := fmt.Sprintf("https://sts.%s.amazonaws.com/", r.cfg.Region)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return credentials{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	signV4(req, base, "sts", r.cfg.Region, hexSHA256([]byte(body)), time.Now())

	resp, err := r.client.Do(req)
	if err != nil {
		return credentials{}, fmt.Errorf("sts assume role: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return credentials{}, fmt.Errorf("sts assume role: status=%d body=%s", resp.StatusCode, msg)
	}

	var parsed assumeRoleResponse
	if err := xml.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return credentials{}, fmt.Errorf("sts assume role: decode response: %w", err)
	}

	creds := credentials{
		AccessKeyID:     parsed.Result.Credentials.AccessKeyID,
		SecretAccessKey: parsed.Result.Credentials.SecretAccessKey,
		SessionToken:    parsed.Result.Credentials.SessionToken,
	}
	if !creds.valid() {
		return credentials{}, fmt.Errorf("sts assume role: empty credentials in response")
	}

	r.mu.Lock()
	r.assumed = creds
	r.expiry = parsed.Result.Credentials.Expiration
	r.mu.Unlock()

	return creds, nil
}
