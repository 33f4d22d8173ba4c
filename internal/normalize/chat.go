package normalize

import (
	"strings"

	"github.com/allaspectsdev/switchyard/internal/registry"
)

// FinishUnknown is recorded when the upstream omits a finish reason.
const FinishUnknown = "unknown"

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     *int `json:"prompt_tokens"`
		CompletionTokens *int `json:"completion_tokens"`
	} `json:"usage"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      *struct {
		InputTokens  *int `json:"input_tokens"`
		OutputTokens *int `json:"output_tokens"`
	} `json:"usage"`
}

type geminiResponse struct {
	ModelVersion string `json:"modelVersion"`
	Candidates   []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     *int `json:"promptTokenCount"`
		CandidatesTokenCount *int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (n *Normalizer) chat(kind registry.Kind, body []byte) (*Chat, error) {
	var c Chat

	switch kind {
	case registry.KindOpenAI:
		var r openAIResponse
		if err := decode(body, &r); err != nil {
			return nil, err
		}
		if len(r.Choices) == 0 || r.Choices[0].Message.Content == nil {
			return nil, missing("choices[0].message.content")
		}
		c.Text = *r.Choices[0].Message.Content
		c.ModelUsed = r.Model
		c.FinishReason = r.Choices[0].FinishReason
		if r.Usage != nil {
			c.TokensIn, c.TokensOut = r.Usage.PromptTokens, r.Usage.CompletionTokens
		}

	case registry.KindAnthropic:
		var r anthropicResponse
		if err := decode(body, &r); err != nil {
			return nil, err
		}
		var sb strings.Builder
		found := false
		for _, block := range r.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
				found = true
			}
		}
		if !found {
			return nil, missing("content[].text")
		}
		c.Text = sb.String()
		c.ModelUsed = r.Model
		c.FinishReason = r.StopReason
		if r.Usage != nil {
			c.TokensIn, c.TokensOut = r.Usage.InputTokens, r.Usage.OutputTokens
		}

	case registry.KindGemini:
		var r geminiResponse
		if err := decode(body, &r); err != nil {
			return nil, err
		}
		if len(r.Candidates) == 0 || len(r.Candidates[0].Content.Parts) == 0 {
			return nil, missing("candidates[0].content.parts")
		}
		var sb strings.Builder
		for _, p := range r.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
		c.Text = sb.String()
		c.ModelUsed = r.ModelVersion
		c.FinishReason = strings.ToLower(r.Candidates[0].FinishReason)
		if r.UsageMetadata != nil {
			c.TokensIn, c.TokensOut = r.UsageMetadata.PromptTokenCount, r.UsageMetadata.CandidatesTokenCount
		}

	default:
		return nil, unknownKind(kind, registry.OpCompletion)
	}

	if c.FinishReason == "" {
		c.FinishReason = FinishUnknown
	}
	return &c, nil
}
