// Package paramstore reads secrets such as the OpenAI key from AWS SSM Parameter Store.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter returns the decrypted value of a named parameter.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client wraps an AWS SSM API and caches values for ttl.
type Client struct {
	api ssmAPI
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	value   string
	fetched time.Time
}

// DefaultCacheTTL is how long fetched parameters are reused.
const DefaultCacheTTL = 5 * time.Minute

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api, ttl: DefaultCacheTTL, now: time.Now, cache: make(map[string]cached)}, nil
}

// NewFromConfig creates a Client using the default AWS configuration chain.
func NewFromConfig(ctx context.Context) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("paramstore: load AWS config: %w", err)
	}
	return New(ssm.NewFromConfig(cfg))
}

// GetParameter returns the decrypted parameter value.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c == nil || c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	c.mu.Lock()
	if hit, ok := c.cache[name]; ok && c.now().Sub(hit.fetched) < c.ttl {
		c.mu.Unlock()
		return hit.value, nil
	}
	c.mu.Unlock()

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	value := *out.Parameter.Value

	c.mu.Lock()
	c.cache[name] = cached{value: value, fetched: c.now()}
	c.mu.Unlock()
	return value, nil
}

// Resolve returns value when it is set, otherwise the parameter named param.
// Both empty yields "" without consulting the getter.
func Resolve(ctx context.Context, g Getter, value, param string) (string, error) {
	if strings.TrimSpace(value) != "" {
		return value, nil
	}
	if strings.TrimSpace(param) == "" {
		return "", nil
	}
	if g == nil {
		return "", fmt.Errorf("paramstore: parameter %q requested but no parameter store configured", param)
	}
	return g.GetParameter(ctx, param)
}
