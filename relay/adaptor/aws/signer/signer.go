// Package signer produces SigV4 signed request descriptions for the Bedrock
// runtime API.
//
// Empty access keys are not rejected here. Signing still produces a
// well-formed but unauthenticated request, and the upstream 401/403 is the
// enforcement point.
package signer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/nextrelay/bedrock-proxy/common/logger"
)

const (
	// ServiceName is the SigV4 signing name of the Bedrock runtime.
	ServiceName = "bedrock"
	// ContentTypeJSON is the fixed content type covered by every signature.
	ContentTypeJSON = "application/json"

	headerAuthorization = "Authorization"
	headerAmzDate       = "X-Amz-Date"
	headerSecurityToken = "X-Amz-Security-Token"
	amzDateFormat       = "20060102T150405Z"
)

// Credentials is the process-wide signing identity. Its String form never
// includes secrets.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{access_key_id=%s region=%s session_token_set=%t}",
		logger.MaskSecret(c.AccessKeyID), c.Region, c.SessionToken != "")
}

func (c Credentials) awsCredentials() aws.Credentials {
	return aws.Credentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
	}
}

// UnsignedRequest describes an outbound call before authentication headers
// are added. It is consumed once by Sign.
type UnsignedRequest struct {
	Host    string
	Path    string
	Method  string
	Service string
	Region  string
	Body    []byte
	Headers map[string]string
}

// SignedRequest is an UnsignedRequest plus the headers to send. The
// signature only holds for the exact method, path, signed headers and body,
// so it has to be produced right before dispatch.
type SignedRequest struct {
	UnsignedRequest
	SignedHeaders http.Header
	SigningTime   time.Time
}

// Apply copies the signed headers onto an outbound request.
func (r *SignedRequest) Apply(req *http.Request) {
	for key, values := range r.SignedHeaders {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
}

// Signer wraps the SDK SigV4 signer. It is safe for concurrent use.
type Signer struct {
	v4 *v4.Signer
}

// New returns a Signer.
func New() *Signer {
	return &Signer{v4: v4.NewSigner()}
}

// Sign signs unsigned with creds at signingTime. The same inputs always
// produce the same headers. unsigned.Body is never modified.
func (s *Signer) Sign(ctx context.Context, unsigned UnsignedRequest, creds Credentials, signingTime time.Time) (*SignedRequest, error) {
	if unsigned.Host == "" {
		return nil, errors.New("signing requires a host")
	}
	if unsigned.Method == "" {
		unsigned.Method = http.MethodPost
	}
	if unsigned.Service == "" {
		unsigned.Service = ServiceName
	}
	if unsigned.Region == "" {
		unsigned.Region = creds.Region
	}
	if !strings.HasPrefix(unsigned.Path, "/") {
		unsigned.Path = "/" + unsigned.Path
	}
	unsigned.Body = bytes.Clone(unsigned.Body)

	req, err := http.NewRequestWithContext(ctx, unsigned.Method,
		"https://"+unsigned.Host+unsigned.Path, bytes.NewReader(unsigned.Body))
	if err != nil {
		return nil, errors.Wrap(err, "build request for signing")
	}
	for key, value := range unsigned.Headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", ContentTypeJSON)

	signingTime = signingTime.UTC()
	if err = s.v4.SignHTTP(ctx, creds.awsCredentials(), req, hashPayload(unsigned.Body),
		unsigned.Service, unsigned.Region, signingTime); err != nil {
		return nil, errors.Wrap(err, "sigv4 sign")
	}

	return &SignedRequest{
		UnsignedRequest: unsigned,
		SignedHeaders:   req.Header.Clone(),
		SigningTime:     signingTime,
	}, nil
}

// Verify recomputes the signature over the current contents of signed and
// reports whether it still matches. A mutation after signing makes it fail.
func (s *Signer) Verify(ctx context.Context, signed *SignedRequest, creds Credentials) (bool, error) {
	signingTime, err := time.Parse(amzDateFormat, signed.SignedHeaders.Get(headerAmzDate))
	if err != nil {
		return false, errors.Wrap(err, "parse signing time")
	}

	unsigned := signed.UnsignedRequest
	unsigned.Headers = map[string]string{}
	for key := range signed.SignedHeaders {
		switch http.CanonicalHeaderKey(key) {
		case headerAuthorization, headerAmzDate, headerSecurityToken:
			continue
		}
		unsigned.Headers[key] = signed.SignedHeaders.Get(key)
	}

	resigned, err := s.Sign(ctx, unsigned, creds, signingTime)
	if err != nil {
		return false, errors.Wrap(err, "re-sign")
	}

	return subtle.ConstantTimeCompare(
		[]byte(resigned.SignedHeaders.Get(headerAuthorization)),
		[]byte(signed.SignedHeaders.Get(headerAuthorization)),
	) == 1, nil
}

func hashPayload(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ResolveCredentials freezes the signing identity at start-up. Static keys
// go through the SDK static provider. When they are missing and
// useDefaultChain is set, the AWS default chain is consulted once. Missing
// keys without the chain are returned unchanged.
func ResolveCredentials(ctx context.Context, creds Credentials, useDefaultChain bool) (Credentials, error) {
	var provider aws.CredentialsProvider
	switch {
	case creds.AccessKeyID != "" && creds.SecretAccessKey != "":
		provider = credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
	case useDefaultChain:
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(creds.Region))
		if err != nil {
			return creds, errors.Wrap(err, "load default aws config")
		}
		provider = cfg.Credentials
	default:
		return creds, nil
	}

	if provider == nil {
		return creds, errors.New("no aws credentials provider available")
	}

	v, err := provider.Retrieve(ctx)
	if err != nil {
		return creds, errors.Wrap(err, "retrieve aws credentials")
	}

	return Credentials{
		AccessKeyID:     v.AccessKeyID,
		SecretAccessKey: v.SecretAccessKey,
		SessionToken:    v.SessionToken,
		Region:          creds.Region,
	}, nil
}
