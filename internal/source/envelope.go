package source

import (
	"bytes"
	"encoding/json"
	"fmt"

	"finbench/internal/domain"
)

// Envelope wraps payloads that are not self-describing JSON: text quote
// lines, SDK results, or several responses fetched for one request.
type Envelope struct {
	Symbol string          `json:"symbol"`
	Market domain.Market   `json:"market"`
	Source domain.Provider `json:"source"`
	Period domain.Period   `json:"period"`
	Data   json.RawMessage `json:"data"`
}

// Wrap marshals data into an envelope for req.
func Wrap(p domain.Provider, req Request, data any) (json.RawMessage, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope data: %w", err)
	}
	return json.Marshal(Envelope{
		Symbol: req.Symbol,
		Market: req.ID.Market,
		Source: p,
		Period: req.Period,
		Data:   b,
	})
}

// WrapText stores a text body as a JSON string inside an envelope.
func WrapText(p domain.Provider, req Request, body []byte) (json.RawMessage, error) {
	return Wrap(p, req, string(body))
}

// Unwrap decodes an envelope. It fails when raw is not one.
func Unwrap(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Source == "" || len(env.Data) == 0 {
		return env, fmt.Errorf("payload is not an envelope")
	}
	return env, nil
}

// UnwrapText returns the text body of an envelope made by WrapText.
func UnwrapText(raw []byte) (string, error) {
	env, err := Unwrap(raw)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(env.Data, &s); err != nil {
		return "", fmt.Errorf("envelope data is not text: %w", err)
	}
	return s, nil
}

// UnwrapInto decodes an envelope's data into v.
func UnwrapInto(raw []byte, v any) error {
	env, err := Unwrap(raw)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.UseNumber()
	return dec.Decode(v)
}

// FailedPayload is staged for a fetch attempt that produced no body, so the
// attempt stays auditable.
func FailedPayload(p domain.Provider, req Request, cause error) json.RawMessage {
	raw, err := Wrap(p, req, map[string]string{"error": cause.Error()})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
