package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/gateway"
	"github.com/atmx/hedge-engine/internal/model"
)

const maxResponseBytes = 1 << 20

// HTTPOracle reads prices from GET {base}/api/oracle/price?feed={U}_USD.
type HTTPOracle struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPOracle creates an oracle client. timeout <= 0 means 10s.
func NewHTTPOracle(baseURL string, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPOracle{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type oracleResponse struct {
	Price       decimal.Decimal `json:"price"`
	Source      string          `json:"source"`
	PublishTime int64           `json:"publishTime"`
}

// Price implements Oracle.
func (o *HTTPOracle) Price(ctx context.Context, underlying string) (Quote, error) {
	params := url.Values{}
	params.Set("feed", strings.ToUpper(underlying)+"_USD")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/oracle/price?"+params.Encode(), nil)
	if err != nil {
		return Quote{}, fmt.Errorf("oracle: create request: %w", err)
	}
	body, err := do(o.httpClient, req)
	if err != nil {
		return Quote{}, fmt.Errorf("oracle: %w", err)
	}

	var resp oracleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Quote{}, fmt.Errorf("oracle: decode: %w", err)
	}
	if !resp.Price.IsPositive() {
		return Quote{}, fmt.Errorf("oracle: non-positive price %s", resp.Price)
	}
	q := Quote{Price: resp.Price, Source: resp.Source}
	if resp.PublishTime > 0 {
		q.PublishedAt = time.Unix(resp.PublishTime, 0).UTC()
	}
	return q, nil
}

// HTTPExecutor talks to the execution-layer adapter. Every request body is
// HMAC-signed with the shared gateway secret.
type HTTPExecutor struct {
	baseURL    string
	httpClient *http.Client
	signer     *gateway.Verifier
}

// NewHTTPExecutor creates an execution-layer client. timeout <= 0 means 10s.
func NewHTTPExecutor(baseURL string, signer *gateway.Verifier, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPExecutor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		signer:     signer,
	}
}

type initializeBody struct {
	ContractID  string          `json:"contractId"`
	TermsHash   string          `json:"termsHash"`
	ProgramID   string          `json:"programId"`
	ContractPDA string          `json:"contractPda,omitempty"`
	EscrowPDA   string          `json:"escrowPda,omitempty"`
	PartyA      string          `json:"partyA"`
	PartyB      string          `json:"partyB"`
	Underlying  string          `json:"underlying"`
	Strike      decimal.Decimal `json:"strike"`
	Expiry      int64           `json:"expiry"`
	Notional    decimal.Decimal `json:"notional"`
	OracleFeed  string          `json:"oracleFeed"`
	USDCMint    string          `json:"usdcMint"`
}

// Initialize asks the execution layer to create the on-chain contract. The
// INIT webhook reports the outcome.
func (e *HTTPExecutor) Initialize(ctx context.Context, c model.Contract) error {
	_, err := e.post(ctx, "/v1/contracts/initialize", initializeBody{
		ContractID:  c.ID,
		TermsHash:   c.TermsHash,
		ProgramID:   c.ProgramID,
		ContractPDA: c.ContractPDA,
		EscrowPDA:   c.EscrowPDA,
		PartyA:      c.LongParty,
		PartyB:      c.ShortParty,
		Underlying:  c.Underlying,
		Strike:      c.Strike,
		Expiry:      c.Expiry.Unix(),
		Notional:    c.Notional,
		OracleFeed:  c.OracleFeed,
		USDCMint:    c.USDCMint,
	})
	if err != nil {
		return fmt.Errorf("execution: initialize %s: %w", c.ID, err)
	}
	return nil
}

type txResponse struct {
	Signature string `json:"signature"`
	TxSig     string `json:"txSig"`
}

// Settle implements Executor.
func (e *HTTPExecutor) Settle(ctx context.Context, in Instruction) (string, error) {
	body, err := e.post(ctx, "/v1/contracts/"+url.PathEscape(in.ContractID)+"/settle", in)
	if err != nil {
		return "", fmt.Errorf("execution: settle %s: %w", in.ContractID, err)
	}
	var resp txResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("execution: settle %s: decode: %w", in.ContractID, err)
	}
	sig := resp.Signature
	if sig == "" {
		sig = resp.TxSig
	}
	if sig == "" {
		return "", fmt.Errorf("execution: settle %s: response has no signature", in.ContractID)
	}
	return sig, nil
}

func (e *HTTPExecutor) post(ctx context.Context, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.signer != nil {
		e.signer.SignRequest(req, raw)
	}
	return do(e.httpClient, req)
}

func do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
