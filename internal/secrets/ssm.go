package secrets

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ParameterStore fetches the destination credential blob from an SSM
// SecureString parameter (spec §6 "secret-store parameter"): a JSON
// document with the same shape as Endpoint, so a deployment can rotate
// destination credentials without touching worker environment variables.
type ParameterStore struct {
	api *ssm.Client
}

func NewParameterStore(api *ssm.Client) *ParameterStore {
	return &ParameterStore{api: api}
}

// LoadEndpoint fetches and decrypts name, then unmarshals it into an
// Endpoint.
func (p *ParameterStore) LoadEndpoint(ctx context.Context, name string) (Endpoint, error) {
	resp, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return Endpoint{}, fmt.Errorf("get ssm parameter %s: %w", name, err)
	}

	var ep Endpoint
	if err := json.Unmarshal([]byte(aws.ToString(resp.Parameter.Value)), &ep); err != nil {
		return Endpoint{}, fmt.Errorf("unmarshal ssm parameter %s: %w", name, err)
	}
	return ep, nil
}
