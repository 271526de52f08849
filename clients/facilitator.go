package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/x402kit/engine/types"
)

// FacilitatorVerifyRequest asks a facilitator to validate a signed
// authorization against a requirement.
type FacilitatorVerifyRequest struct {
	X402Version  int                       `json:"x402Version"`
	Payload      *types.PaymentPayload     `json:"paymentPayload"`
	Requirements *types.PaymentRequirement `json:"paymentRequirements"`
}

// FacilitatorVerifyResponse is the facilitator's verification result.
type FacilitatorVerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// FacilitatorSettleRequest asks a facilitator to broadcast a verified
// authorization on-chain.
type FacilitatorSettleRequest struct {
	X402Version  int                       `json:"x402Version"`
	Payload      *types.PaymentPayload     `json:"paymentPayload"`
	Requirements *types.PaymentRequirement `json:"paymentRequirements"`
}

// FacilitatorSettleResponse reports the settlement transaction.
type FacilitatorSettleResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// FacilitatorSupportedResponse lists the scheme/network kinds a facilitator
// can settle.
type FacilitatorSupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// FacilitatorClient handles communication with an x402 facilitator service
// that validates and settles signed transfer authorizations.
type FacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Verify checks if a payment authorization is valid via POST /verify.
func (c *FacilitatorClient) Verify(ctx context.Context, req *FacilitatorVerifyRequest) (*FacilitatorVerifyResponse, error) {
	var resp FacilitatorVerifyResponse
	if err := c.post(ctx, "/verify", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle executes a verified authorization on-chain via POST /settle.
func (c *FacilitatorClient) Settle(ctx context.Context, req *FacilitatorSettleRequest) (*FacilitatorSettleResponse, error) {
	var resp FacilitatorSettleResponse
	if err := c.post(ctx, "/settle", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Supported fetches the facilitator's supported kinds via GET /supported.
func (c *FacilitatorClient) Supported(ctx context.Context) (*FacilitatorSupportedResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supported request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call facilitator supported endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("facilitator supported returned status %d: %s", resp.StatusCode, string(body))
	}

	var supported FacilitatorSupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&supported); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}
	return &supported, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, req, out interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call facilitator %s endpoint: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("facilitator %s returned status %d: %s", path, resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
