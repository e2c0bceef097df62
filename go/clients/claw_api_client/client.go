package claw_api_client

import (
	"github.com/mcdev12/clawplay/go/clients"
)

// ClawApiClient wraps the arcade backend's queue and game endpoints.
// It holds no state of its own beyond transport configuration.
type ClawApiClient struct {
	*clients.BaseClient
}

func NewClawApiClient(baseURL, authToken string) *ClawApiClient {
	client := &ClawApiClient{
		BaseClient: clients.NewBaseClient(baseURL),
	}

	if authToken != "" {
		client.SetHeader(AuthorizationHeader, "Bearer "+authToken)
	}

	return client
}
