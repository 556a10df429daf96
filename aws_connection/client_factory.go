package aws_connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// S3API is the subset of the S3 client used to fetch and remove objects
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// ClientFactory lazily creates and caches one storage client per bucket
//
// Creation is serialized per bucket only, so a slow credential resolution (e.g. an STS call)
// for one tenant does not block clients for other buckets. Failed creations are not cached.
type ClientFactory struct {
	baseConfig aws.Config
	connection *AwsConnection
	buckets    map[string]*BucketConfig

	newClient          func(cfg aws.Config, optFns ...func(*s3.Options)) S3API
	assumeRoleProvider func(cfg aws.Config, bucket *BucketConfig, sessionName string) aws.CredentialsProvider

	clients    map[string]S3API
	clientLock sync.RWMutex

	creationLocks    map[string]*sync.Mutex
	creationLockLock sync.Mutex
}

type ClientFactoryOption func(*ClientFactory)

// WithS3ClientFunc overrides the construction of the storage client
func WithS3ClientFunc(f func(cfg aws.Config, optFns ...func(*s3.Options)) S3API) ClientFactoryOption {
	return func(c *ClientFactory) {
		c.newClient = f
	}
}

// WithAssumeRoleProviderFunc overrides the construction of role assumption credentials
func WithAssumeRoleProviderFunc(f func(cfg aws.Config, bucket *BucketConfig, sessionName string) aws.CredentialsProvider) ClientFactoryOption {
	return func(c *ClientFactory) {
		c.assumeRoleProvider = f
	}
}

func NewClientFactory(baseConfig aws.Config, connection *AwsConnection, buckets []*BucketConfig, opts ...ClientFactoryOption) *ClientFactory {
	if connection == nil {
		connection = &AwsConnection{}
	}
	res := &ClientFactory{
		baseConfig:         baseConfig,
		connection:         connection,
		buckets:            make(map[string]*BucketConfig, len(buckets)),
		newClient:          newS3Client,
		assumeRoleProvider: newAssumeRoleProvider,
		clients:            make(map[string]S3API),
		creationLocks:      make(map[string]*sync.Mutex),
	}
	for _, b := range buckets {
		res.buckets[b.Name] = b
	}
	for _, opt := range opts {
		opt(res)
	}
	return res
}

// GetClient returns the client for the bucket, creating it on first use
func (f *ClientFactory) GetClient(ctx context.Context, bucket string) (S3API, error) {
	if c, ok := f.cachedClient(bucket); ok {
		return c, nil
	}

	lock := f.creationLock(bucket)
	lock.Lock()
	defer lock.Unlock()

	// check again - another worker may have created it while we waited
	if c, ok := f.cachedClient(bucket); ok {
		return c, nil
	}

	client, err := f.createClient(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client for bucket %s: %w", bucket, err)
	}

	f.clientLock.Lock()
	f.clients[bucket] = client
	f.clientLock.Unlock()

	slog.Debug("Created a new S3 client", "bucket", bucket)
	return client, nil
}

// WithClient invokes fn with the client for the bucket
// the client must not be retained beyond the call
func (f *ClientFactory) WithClient(ctx context.Context, bucket string, fn func(S3API) error) error {
	client, err := f.GetClient(ctx, bucket)
	if err != nil {
		return err
	}
	return fn(client)
}

func (f *ClientFactory) cachedClient(bucket string) (S3API, bool) {
	f.clientLock.RLock()
	defer f.clientLock.RUnlock()
	c, ok := f.clients[bucket]
	return c, ok
}

func (f *ClientFactory) creationLock(bucket string) *sync.Mutex {
	f.creationLockLock.Lock()
	defer f.creationLockLock.Unlock()
	l, ok := f.creationLocks[bucket]
	if !ok {
		l = &sync.Mutex{}
		f.creationLocks[bucket] = l
	}
	return l
}

func (f *ClientFactory) createClient(ctx context.Context, bucket string) (S3API, error) {
	cfg := f.baseConfig.Copy()
	usePathStyle := f.connection.UsePathStyle()

	bucketConfig, ok := f.buckets[bucket]
	if ok {
		if bucketConfig.Region != nil {
			cfg.Region = *bucketConfig.Region
		}
		if bucketConfig.EndpointUrl != nil {
			cfg.BaseEndpoint = bucketConfig.EndpointUrl
		}
		if bucketConfig.S3ForcePathStyle != nil {
			usePathStyle = *bucketConfig.S3ForcePathStyle
		}

		switch {
		case bucketConfig.hasRole():
			sessionName := f.connection.GetRoleSessionName()
			if bucketConfig.RoleSessionName != nil {
				sessionName = *bucketConfig.RoleSessionName
			}
			slog.Debug("Assume role", "bucket", bucket, "role", *bucketConfig.Role)
			// role credentials refresh themselves - the cache wraps the provider so they are only fetched when expiring
			cfg.Credentials = aws.NewCredentialsCache(f.assumeRoleProvider(f.baseConfig, bucketConfig, sessionName))
			// resolve once now so a bad role fails the client creation rather than the first download
			if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
				return nil, fmt.Errorf("failed to assume role %s: %w", *bucketConfig.Role, err)
			}
		case bucketConfig.hasStaticKeys():
			slog.Debug("Using static credentials", "bucket", bucket, "access_key", *bucketConfig.AccessKey)
			cfg.Credentials = aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(*bucketConfig.AccessKey, *bucketConfig.SecretKey, aws.ToString(bucketConfig.SessionToken)))
		}
	}

	return f.newClient(cfg, func(o *s3.Options) {
		o.UsePathStyle = usePathStyle
	}), nil
}

func newS3Client(cfg aws.Config, optFns ...func(*s3.Options)) S3API {
	return s3.NewFromConfig(cfg, optFns...)
}

func newAssumeRoleProvider(cfg aws.Config, bucket *BucketConfig, sessionName string) aws.CredentialsProvider {
	// the STS client uses the process-wide credentials to assume the bucket role
	stsClient := sts.NewFromConfig(cfg)
	return stscreds.NewAssumeRoleProvider(stsClient, *bucket.Role, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = sessionName
		o.ExternalID = bucket.ExternalId
	})
}
