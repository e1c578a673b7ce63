package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/rescale/rescale-bulk/internal/config"
	"github.com/rescale/rescale-bulk/internal/http"
	"github.com/rescale/rescale-bulk/internal/logging"
	"github.com/rescale/rescale-bulk/internal/remote"
)

// NewFactory builds one container client from the SAS URL and returns a
// factory whose connections share it.
//
// With an empty bucket the SAS URL must point at the container itself;
// otherwise it is an account URL and bucket names the container.
func NewFactory(ctx context.Context, cfg *config.Config, logger *logging.Logger) (remote.Factory, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	httpClient, err := http.NewStandardClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	opts := azcore.ClientOptions{
		Transport: httpClient, // shares the tuned connection pool
		// Retries happen in the HTTP layer.
		Retry: policy.RetryOptions{MaxRetries: -1},
	}

	var cc *container.Client
	if cfg.Bucket == "" {
		cc, err = container.NewClientWithNoCredential(cfg.SASURL, &container.ClientOptions{ClientOptions: opts})
	} else {
		var client *azblob.Client
		client, err = azblob.NewClientWithNoCredential(cfg.SASURL, &azblob.ClientOptions{ClientOptions: opts})
		if err == nil {
			cc = client.ServiceClient().NewContainerClient(cfg.Bucket)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	store := NewContainerStore(cc)
	log := logger.Component("azure")
	return func(ctx context.Context) (remote.Connection, error) {
		return New(store, cfg.Prefix, log), nil
	}, nil
}
