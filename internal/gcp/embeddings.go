package gcp

import (
	"context"
	"fmt"

	aiplatform "cloud.google.com/go/aiplatform/apiv1"
	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultEmbeddingModel is used when no model name is configured.
const DefaultEmbeddingModel = "text-embedding-004"

// maxEmbeddingRunes bounds the text sent for embedding; the model truncates
// beyond its token limit anyway.
const maxEmbeddingRunes = 8000

// EmbeddingClient calls a Vertex AI text embedding model.
type EmbeddingClient struct {
	client   *aiplatform.PredictionClient
	endpoint string
}

// NewEmbeddingClient creates a prediction client against the regional endpoint.
func NewEmbeddingClient(ctx context.Context, projectID, region, modelName string) (*EmbeddingClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewEmbeddingClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = DefaultEmbeddingModel
	}

	client, err := aiplatform.NewPredictionClient(ctx, option.WithEndpoint(fmt.Sprintf("%s-aiplatform.googleapis.com:443", region)))
	if err != nil {
		return nil, fmt.Errorf("aiplatform.NewPredictionClient: %w", err)
	}
	return &EmbeddingClient{
		client:   client,
		endpoint: fmt.Sprintf("projects/%s/locations/%s/publishers/google/models/%s", projectID, region, modelName),
	}, nil
}

// Embed returns the embedding vector of text.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if r := []rune(text); len(r) > maxEmbeddingRunes {
		text = string(r[:maxEmbeddingRunes])
	}

	instance, err := structpb.NewValue(map[string]any{
		"content":   text,
		"task_type": "RETRIEVAL_DOCUMENT",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding instance: %w", err)
	}

	resp, err := c.client.Predict(ctx, &aiplatformpb.PredictRequest{
		Endpoint:  c.endpoint,
		Instances: []*structpb.Value{instance},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding prediction failed: %w", err)
	}
	if len(resp.GetPredictions()) == 0 {
		return nil, fmt.Errorf("embedding prediction returned no results")
	}
	return embeddingValues(resp.GetPredictions()[0])
}

// embeddingValues reads {"embeddings": {"values": [...]}} from a prediction.
func embeddingValues(prediction *structpb.Value) ([]float32, error) {
	values := prediction.GetStructValue().GetFields()["embeddings"].GetStructValue().GetFields()["values"].GetListValue().GetValues()
	if len(values) == 0 {
		return nil, fmt.Errorf("embedding prediction has no values")
	}
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = float32(v.GetNumberValue())
	}
	return out, nil
}

func (c *EmbeddingClient) Close() error {
	return c.client.Close()
}
