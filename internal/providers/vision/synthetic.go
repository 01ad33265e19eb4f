package vision

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"visionpipe/internal/domain"
)

var syntheticKeywords = []string{
	"storefront", "signage", "person", "vehicle", "shelf", "product",
	"window", "counter", "packaging", "lighting", "crowd", "display",
}

// syntheticAnalysis produces a deterministic answer derived from the image
// reference and prompt. It stands in for the Gemini API when no key is
// configured, keeping result persistence, filtering and metrics exercised
// end to end.
func (c *Client) syntheticAnalysis(image domain.ImageRef, prompt string, kind domain.PromptKind) domain.Analysis {
	seed := deterministicSeed(image.ID, prompt, string(kind), c.model)

	var response string
	switch kind {
	case domain.PromptKindBoolean:
		if seed[0]%2 == 0 {
			response = "true"
		} else {
			response = "false"
		}
	case domain.PromptKindKeyword:
		words := make([]string, 0, 3)
		for i := 0; i < 3; i++ {
			words = append(words, syntheticKeywords[int(seed[i+1])%len(syntheticKeywords)])
		}
		response = strings.Join(words, ", ")
	default:
		response = fmt.Sprintf("Synthetic description of image %s for prompt %q.", image.ID, strings.TrimSpace(prompt))
	}

	c.logger.Debug().
		Str("image_id", image.ID).
		Str("model", c.model).
		Msg("vision: produced synthetic analysis")

	return domain.Analysis{
		Success:  true,
		Response: response,
		Metadata: map[string]string{
			"model":     c.model,
			"synthetic": "true",
			"seed":      hex.EncodeToString(seed[:8]),
		},
	}
}

func deterministicSeed(parts ...string) []byte {
	hasher := sha256.New()
	for _, part := range parts {
		hasher.Write([]byte(part))
		hasher.Write([]byte{'|'})
	}
	return hasher.Sum(nil)
}
