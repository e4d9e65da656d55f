package gemini

import "github.com/kinetia/kinagate/internal/upstream"

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
	SafetySettings   []safetySetting  `json:"safetySettings"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// buildRequest prepends the preamble as a user/model exchange, since the
// conversation format has no system role.
func (c *Client) buildRequest(turns []upstream.Turn) *generateRequest {
	contents := make([]content, 0, len(turns)+2)
	if c.SystemPrompt != "" {
		welcome := c.Welcome
		if welcome == "" {
			// the API rejects empty parts
			welcome = "OK."
		}
		contents = append(contents,
			content{Role: "user", Parts: []part{{Text: c.SystemPrompt}}},
			content{Role: "model", Parts: []part{{Text: welcome}}},
		)
	}
	for _, t := range turns {
		role := "model"
		if t.Role == upstream.RoleUser {
			role = "user"
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: t.Content}}})
	}

	safety := make([]safetySetting, 0, len(safetyCategories))
	for _, cat := range safetyCategories {
		safety = append(safety, safetySetting{Category: cat, Threshold: "BLOCK_MEDIUM_AND_ABOVE"})
	}

	return &generateRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			Temperature:     c.Temperature,
			TopK:            c.TopK,
			TopP:            c.TopP,
			MaxOutputTokens: c.MaxOutputTokens,
		},
		SafetySettings: safety,
	}
}

func replyText(resp *generateResponse) (string, error) {
	if resp == nil || resp.Error != nil || len(resp.Candidates) == 0 {
		return "", upstream.ErrEmptyCompletion
	}
	parts := resp.Candidates[0].Content.Parts
	if len(parts) == 0 || parts[0].Text == "" {
		return "", upstream.ErrEmptyCompletion
	}
	return parts[0].Text, nil
}
