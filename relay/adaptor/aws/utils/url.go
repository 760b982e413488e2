package utils

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// NormalizeBaseURL makes sure base has exactly one scheme (https by default)
// and no trailing slash, so that path suffixes can be appended directly.
func NormalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	if !hasHTTPScheme(base) {
		base = "https://" + base
	}
	return strings.TrimSuffix(base, "/")
}

func hasHTTPScheme(base string) bool {
	lower := strings.ToLower(base)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// DefaultBaseURL resolves the Bedrock runtime endpoint for region through
// the SDK endpoint rules. fallback is returned when the region is empty or
// cannot be resolved.
func DefaultBaseURL(ctx context.Context, region, fallback string) string {
	if region == "" {
		return NormalizeBaseURL(fallback)
	}

	endpoint, err := bedrockruntime.NewDefaultEndpointResolverV2().ResolveEndpoint(ctx,
		bedrockruntime.EndpointParameters{Region: aws.String(region)})
	if err != nil || endpoint.URI.Host == "" {
		return NormalizeBaseURL(fallback)
	}
	return NormalizeBaseURL(endpoint.URI.String())
}

// ResolveBaseURL prefers the configured URL and falls back to the regional default.
func ResolveBaseURL(ctx context.Context, configured, region, fallback string) string {
	if strings.TrimSpace(configured) != "" {
		return NormalizeBaseURL(configured)
	}
	return DefaultBaseURL(ctx, region, fallback)
}
