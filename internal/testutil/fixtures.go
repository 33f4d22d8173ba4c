package testutil

import (
	"encoding/json"
	"time"
)

// FlatCurrent returns a flat-kind weather.current body.
func FlatCurrent(location string, tempC float64) []byte {
	return mustJSON(map[string]any{
		"location":  location,
		"temp_c":    tempC,
		"condition": "Sunny",
		"humidity":  65,
		"wind_kph":  10,
	})
}

// FlatForecast returns a flat-kind weather.forecast body with days entries
// starting on start.
func FlatForecast(location string, start time.Time, days int) []byte {
	out := make([]map[string]any, 0, days)
	for i := 0; i < days; i++ {
		out = append(out, map[string]any{
			"date":      start.AddDate(0, 0, i).Format("2006-01-02"),
			"min_c":     10 + i,
			"max_c":     20 + i,
			"condition": "Cloudy",
		})
	}
	return mustJSON(map[string]any{"location": location, "days": out})
}

// FlatPair returns a flat-kind rates.pair body.
func FlatPair(base, quote string, rate float64) []byte {
	return mustJSON(map[string]any{
		"base":  base,
		"quote": quote,
		"rate":  rate,
		"as_of": "2024-01-02T00:00:00Z",
	})
}

// FlatLatest returns a flat-kind rates.latest body.
func FlatLatest(base string, rates map[string]float64) []byte {
	return mustJSON(map[string]any{
		"base":  base,
		"rates": rates,
		"as_of": "2024-01-02T00:00:00Z",
	})
}

// OpenAIChatResponse returns a valid OpenAI Chat Completions response body.
func OpenAIChatResponse(text string) []byte {
	return mustJSON(map[string]any{
		"id":      "chatcmpl-test123",
		"object":  "chat.completion",
		"created": 1234567890,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": text,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     25,
			"completion_tokens": 12,
			"total_tokens":      37,
		},
	})
}

// AnthropicChatResponse returns a valid Anthropic Messages API response body.
func AnthropicChatResponse(text string) []byte {
	return mustJSON(map[string]any{
		"id":    "msg_test123",
		"type":  "message",
		"role":  "assistant",
		"model": "claude-3-5-haiku-latest",
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"stop_reason": "end_turn",
		"usage": map[string]any{
			"input_tokens":  15,
			"output_tokens": 12,
		},
	})
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
