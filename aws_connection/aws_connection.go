package aws_connection

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/rs/dnscache"
	"github.com/turbot/tailpipe-s3-sqs-ingest/constants"
	"golang.org/x/sync/semaphore"
)

// AwsConnection holds the process-wide AWS settings, shared by the queue client and all storage clients
type AwsConnection struct {
	Region                *string `hcl:"region"`
	Profile               *string `hcl:"profile"`
	AccessKey             *string `hcl:"access_key"`
	SecretKey             *string `hcl:"secret_key"`
	SessionToken          *string `hcl:"session_token"`
	MaxErrorRetryAttempts *int    `hcl:"max_error_retry_attempts"`
	MinErrorRetryDelay    *int    `hcl:"min_error_retry_delay"`
	EndpointUrl           *string `hcl:"endpoint_url"`
	S3ForcePathStyle      *bool   `hcl:"s3_force_path_style"`
	RoleSessionName       *string `hcl:"role_session_name"`
}

func (c *AwsConnection) Validate() error {
	if c.AccessKey != nil && c.SecretKey == nil {
		return fmt.Errorf("access_key set without secret_key")
	}

	if c.AccessKey == nil && c.SecretKey != nil {
		return fmt.Errorf("secret_key set without access_key")
	}

	if c.MinErrorRetryDelay != nil && *c.MinErrorRetryDelay < 1 {
		return fmt.Errorf("min_error_retry_delay must be greater than or equal to 1")
	}

	if c.MaxErrorRetryAttempts != nil && *c.MaxErrorRetryAttempts < 1 {
		return fmt.Errorf("max_error_retry_attempts must be greater than or equal to 1")
	}

	return nil
}

func (c *AwsConnection) Identifier() string {
	return "aws"
}

// GetRoleSessionName returns the session name used when assuming per-bucket roles
func (c *AwsConnection) GetRoleSessionName() string {
	if c.RoleSessionName != nil {
		return *c.RoleSessionName
	}
	return constants.DefaultRoleSessionName
}

func (c *AwsConnection) UsePathStyle() bool {
	return c.S3ForcePathStyle != nil && *c.S3ForcePathStyle
}

// GetClientConfiguration loads the base AWS config: the default credential chain (or the configured
// profile/static keys), a shared DNS caching HTTP client, the retryer and any custom endpoint
func (c *AwsConnection) GetClientConfiguration(ctx context.Context, overrideRegion *string) (*aws.Config, error) {
	var configOptions []func(*config.LoadOptions) error

	// profile
	if c.Profile != nil {
		profile := aws.ToString(c.Profile)
		configOptions = append(configOptions, config.WithSharedConfigProfile(profile))
	}

	// access keys
	if c.AccessKey != nil && c.SecretKey != nil {
		provider := credentials.NewStaticCredentialsProvider(aws.ToString(c.AccessKey), aws.ToString(c.SecretKey), aws.ToString(c.SessionToken))
		configOptions = append(configOptions, config.WithCredentialsProvider(provider))
	}

	// shared http client
	configOptions = append(configOptions, config.WithHTTPClient(sharedHTTPClient()))

	// explicit region wins over the environment, which wins over the default
	switch {
	case overrideRegion != nil:
		configOptions = append(configOptions, config.WithRegion(*overrideRegion))
	case c.Region != nil:
		configOptions = append(configOptions, config.WithRegion(*c.Region))
	}

	// load base config
	cfg, err := config.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}
	if cfg.Region == "" {
		slog.Info("No region set, using default", "region", constants.DefaultRegion)
		cfg.Region = constants.DefaultRegion
	}

	// retry handling
	maxRetries := getConfigOrEnvInt(c.MaxErrorRetryAttempts, "AWS_MAX_ATTEMPTS", 9)
	var minRetryDelay = 25 * time.Millisecond
	if c.MinErrorRetryDelay != nil {
		minRetryDelay = time.Duration(*c.MinErrorRetryDelay) * time.Millisecond
	}

	retryer := retry.NewStandard(func(o *retry.StandardOptions) {
		o.MaxAttempts = maxRetries
		o.MaxBackoff = 5 * time.Minute
		o.RateLimiter = NoOpRateLimit{} // With no rate limiter
		o.Backoff = NewExponentialJitterBackoff(minRetryDelay, maxRetries)
	})
	cfg.Retryer = func() aws.Retryer {
		// UnknownError is the code returned for a 408 from the aws go sdk
		return retry.AddWithErrorCodes(retryer, "UnknownError")
	}

	// custom endpoint (e.g. localstack or an S3 compatible store)
	if endpointUrl := getConfigOrEnv(c.EndpointUrl, "AWS_ENDPOINT_URL"); endpointUrl != "" {
		cfg.BaseEndpoint = aws.String(endpointUrl)
	}

	return &cfg, nil
}

// Helper function to get value from Config or environment variable
func getConfigOrEnv(configValue *string, env string) string {
	if configValue != nil {
		return *configValue
	}

	return os.Getenv(env)
}

func getConfigOrEnvInt(configValue *int, env string, defaultValue int) int {
	if configValue != nil {
		return *configValue
	}

	return readEnvVarToInt(env, defaultValue)
}

// A single HTTP client is shared by the queue client and every per-bucket storage client.
// With many tenants and workers this gives:
// 1. a DNS cache - Golang does not cache DNS lookups, and each bucket has its own virtual host
// 2. a bound on parallel DNS lookups, to avoid "no such host" errors under load
// 3. a bound on connections per host
var sharedHTTPClient = sync.OnceValue(initializeHTTPClient)

func initializeHTTPClient() aws.HTTPClient {
	// max parallel DNS lookups
	dnsLookupMaxParallel := readEnvVarToInt("TAILPIPE_AWS_DNS_LOOKUP_MAX_PARALLEL", 25)

	// The DNS cache will be refreshed at this interval.
	// Set to 0 to disable the refresh completely, -1 to disable the DNS cache (the AWS default).
	dnsCacheRefreshIntervalSecs := readEnvVarToInt("TAILPIPE_AWS_DNS_CACHE_REFRESH_INTERVAL_SECS", 300)

	// max HTTPS connections per host, 0 means no limit (the AWS SDK default)
	httpTransportMaxConnsPerHost := readEnvVarToInt("TAILPIPE_AWS_HTTP_TRANSPORT_MAX_CONNS_PER_HOST", 5000)

	var resolver = &dnscache.Resolver{}
	if dnsCacheRefreshIntervalSecs > 0 {
		go func() {
			t := time.NewTicker(time.Duration(dnsCacheRefreshIntervalSecs) * time.Second)
			defer t.Stop()
			for range t.C {
				resolver.Refresh(true)
			}
		}()
	}

	client := awshttp.NewBuildableClient()

	if httpTransportMaxConnsPerHost > 0 {
		client = client.WithTransportOptions(func(tr *http.Transport) {
			tr.MaxConnsPerHost = httpTransportMaxConnsPerHost
		})
	}

	if dnsCacheRefreshIntervalSecs >= 0 {
		// A semaphore is used to control the number of parallel DNS lookups.
		sem := semaphore.NewWeighted(int64(dnsLookupMaxParallel))

		dialer := client.GetDialer()

		client = client.WithTransportOptions(func(tr *http.Transport) {
			tr.DialContext = func(ctx context.Context, network string, addr string) (conn net.Conn, err error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}

				if err := sem.Acquire(ctx, 1); err != nil {
					return nil, err
				}
				// resolve the host, using a cached result if possible
				ips, err := resolver.LookupHost(ctx, host)
				sem.Release(1)
				if err != nil {
					return nil, err
				}

				// try each address until we manage to create a connection
				for _, ip := range ips {
					conn, err = dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
					if err == nil {
						break
					}
				}
				return
			}
		})
	}

	return client
}

// Helper function for integer based environment variables.
func readEnvVarToInt(name string, defaultVal int) int {
	val := defaultVal
	envValue := os.Getenv(name)
	if envValue != "" {
		i, err := strconv.Atoi(envValue)
		if err == nil {
			val = i
		}
	}
	return val
}

// NoOpRateLimit https://github.com/aws/aws-sdk-go-v2/issues/543
type NoOpRateLimit struct{}

func (NoOpRateLimit) AddTokens(uint) error { return nil }
func (NoOpRateLimit) GetToken(context.Context, uint) (func() error, error) {
	return noOpToken, nil
}
func noOpToken() error { return nil }

// ExponentialJitterBackoff provides backoff delays with jitter based on the
// number of attempts.
type ExponentialJitterBackoff struct {
	minDelay           time.Duration
	maxBackoffAttempts int
}

// NewExponentialJitterBackoff returns an ExponentialJitterBackoff configured
// for the max backoff.
func NewExponentialJitterBackoff(minDelay time.Duration, maxAttempts int) *ExponentialJitterBackoff {
	return &ExponentialJitterBackoff{minDelay, maxAttempts}
}

// BackoffDelay returns the duration to wait before the next attempt should be
// made. Returns an error if unable get a duration.
func (j *ExponentialJitterBackoff) BackoffDelay(attempt int, err error) (time.Duration, error) {
	minDelay := j.minDelay

	// The calculated jitter will be between [0.8, 1.2)
	var jitter = float64(rand.Intn(120-80)+80) / 100

	retryTime := time.Duration(int(float64(int(minDelay.Nanoseconds())*int(math.Pow(3, float64(attempt)))) * jitter))

	// Cap retry time at 5 minutes to avoid too long a wait
	if retryTime > (5 * time.Minute) {
		retryTime = 5 * time.Minute
	}

	slog.Debug("BackoffDelay:", "attempt", attempt, "retry_time", retryTime.String(), "error", err)

	return retryTime, nil
}
