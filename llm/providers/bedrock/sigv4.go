// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

package bedrock

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// credentials is a resolved AWS credential triple. SessionToken is empty
// for long-lived keys.
type credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

func (c credentials) valid() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// signV4 signs an HTTP request with AWS Signature Version 4 for the given
// service and region. payloadHash is the hex SHA-256 of the request body.
// The request's Host, X-Amz-Date, X-Amz-Security-Token (when a session
// token is present), and Authorization headers are set in place.
func signV4(req *http.Request, creds credentials, service, region string, payloadHash string, now time.Time) {
	now = now.UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("X-Amz-Date", amzDate)
	if creds.SessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", creds.SessionToken)
	}

	// Canonical request.
	signedHeaderNames := canonicalHeaderNames(req.Header)
	canonHeaders := canonicalHeaders(req.Header, signedHeaderNames)
	signedHeaders := strings.Join(signedHeaderNames, ";")

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQuery(req.URL),
		canonHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	// String to sign.
	scope := strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hexSHA256([]byte(canonicalRequest)),
	}, "\n")

	// Signing key derivation.
	kDate := hmacSHA256([]byte("AWS4"+creds.SecretAccessKey), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		creds.AccessKeyID, scope, signedHeaders, signature))
}

func canonicalURI(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	// The path must be double-escaped for non-S3 services.
	segments := strings.Split(u.Path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func canonicalQuery(u *url.URL) string {
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func canonicalHeaderNames(h http.Header) []string {
	names := make([]string, 0, len(h))
	for k := range h {
		lower := strings.ToLower(k)
		switch lower {
		case "authorization", "user-agent":
			continue
		}
		names = append(names, lower)
	}
	sort.Strings(names)
	return names
}

func canonicalHeaders(h http.Header, names []string) string {
	var b strings.Builder
	for _, name := range names {
		vals := h.Values(http.CanonicalHeaderKey(name))
		trimmed := make([]string, len(vals))
		for i, v := range vals {
			trimmed[i] = strings.Join(strings.Fields(v), " ")
		}
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.Join(trimmed, ","))
		b.WriteString("\n")
	}
	return b.String()
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
