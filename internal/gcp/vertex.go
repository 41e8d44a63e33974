package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/Lllllllleong/transcriptflow/internal/models"
)

// --- Summarizer Model Prompts ---
const SummarizerSystemPrompt = "You are an assistant that reads meeting and interview transcripts and extracts structured facts about them. You must output your response as a single valid JSON object."
const SummarizerUserPrompt = `Read the transcript below. The source file is named %q.

Return a JSON object with exactly these keys:
- "candidate_name": the full name of the person being interviewed, or "" if this is not an interview.
- "interviewer": the name of the main interviewer or host, or "".
- "meeting_title": a short descriptive title for the meeting (at most 10 words).
- "meeting_type": one of "technical interview", "behavioral interview", "screening", "debrief", "meeting".
- "meeting_date": the date of the meeting as YYYY-MM-DD if it is stated or implied, otherwise "".
- "summary": a concise summary of the conversation in 3 to 6 sentences.

Only use information present in the transcript. Do not include any text before or after the JSON object.`

// DefaultSummaryModel is used when no model name is configured.
const DefaultSummaryModel = "gemini-1.5-pro"

// maxPromptRunes bounds the transcript text sent to the model.
const maxPromptRunes = 500_000

// VertexClient holds the pre-configured generative model used to summarize transcripts.
type VertexClient struct {
	SummaryModel *genai.GenerativeModel
	baseClient   *genai.Client
}

// NewVertexClient creates a new client holding the summarization model.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = DefaultSummaryModel
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	summaryModel := baseClient.GenerativeModel(modelName)
	summaryModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(SummarizerSystemPrompt)},
	}
	summaryModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &VertexClient{
		SummaryModel: summaryModel,
		baseClient:   baseClient,
	}, nil
}

// Summarize asks the model for the structured analysis of a transcript.
func (c *VertexClient) Summarize(ctx context.Context, transcript, fileName string) (models.TranscriptAnalysis, error) {
	if r := []rune(transcript); len(r) > maxPromptRunes {
		transcript = string(r[:maxPromptRunes])
	}

	resp, err := c.SummaryModel.GenerateContent(ctx,
		genai.Text(fmt.Sprintf(SummarizerUserPrompt, fileName)),
		genai.Text(transcript),
	)
	if err != nil {
		return models.TranscriptAnalysis{}, fmt.Errorf("failed to generate summary from gemini: %w", err)
	}

	jsonString := ExtractJSONContent(resp)
	if jsonString == "" {
		return models.TranscriptAnalysis{}, fmt.Errorf("gemini returned an empty response for %q", fileName)
	}

	var analysis models.TranscriptAnalysis
	if err := json.Unmarshal([]byte(jsonString), &analysis); err != nil {
		return models.TranscriptAnalysis{}, fmt.Errorf("failed to parse JSON from model for %q: %w", fileName, err)
	}
	return analysis, nil
}

// ExtractJSONContent gets the raw text of the first candidate, without any
// markdown code fence around it.
func ExtractJSONContent(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	txt, ok := resp.Candidates[0].Content.Parts[0].(genai.Text)
	if !ok {
		return ""
	}
	cleanJSON := strings.TrimSpace(string(txt))
	cleanJSON = strings.TrimPrefix(cleanJSON, "```json")
	cleanJSON = strings.TrimPrefix(cleanJSON, "```")
	cleanJSON = strings.TrimSuffix(cleanJSON, "```")
	return strings.TrimSpace(cleanJSON)
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
