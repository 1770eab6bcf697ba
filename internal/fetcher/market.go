package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arb-scanner/internal/retry"
)

const (
	cowQuotePath   = "/quote"
	zeroAddressHex = "0x0000000000000000000000000000000000000000"
)

// CowOptions parameterise the CoW Protocol quote source.
type CowOptions struct {
	Name         string
	BaseURL      string
	PriceQuality string
	Timeout      time.Duration
	UserAgent    string
	Policy       retry.Policy
}

// Cow prices swaps with the CoW Protocol off-chain quote API. The quote is not
// tied to a block; the requested block is echoed so the cycle stays aligned.
type Cow struct {
	opts    CowOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCow constructs a CoW quote source.
func NewCow(opts CowOptions, logger zerolog.Logger) *Cow {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Name == "" {
		opts.Name = "cow"
	}
	if opts.PriceQuality == "" {
		opts.PriceQuality = "fast"
	}
	if opts.Policy.Timeout <= 0 {
		opts.Policy.Timeout = timeout
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.cow.fi/mainnet/api/v1"
	}

	return &Cow{
		opts:    opts,
		logger:  logger.With().Str("component", "cow_source").Str("source", opts.Name).Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

func (c *Cow) Name() string { return c.opts.Name }

// Quote requests a sell quote of amountIn base atoms for the quote token.
func (c *Cow) Quote(ctx context.Context, pair Pair, amountIn *big.Int, block uint64) (Quote, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%s: sell amount must be positive", c.opts.Name)
	}

	reqPayload := quoteRequest{
		SellToken:           pair.Base.Address.Hex(),
		BuyToken:            pair.Quote.Address.Hex(),
		Kind:                "sell",
		From:                zeroAddressHex,
		AppData:             `{"version":"0.7.0","appCode":"arbscan","metadata":{}}`,
		PriceQuality:        c.opts.PriceQuality,
		SellAmountBeforeFee: amountIn.String(),
		ValidTo:             uint64(time.Now().Add(5 * time.Minute).Unix()),
	}
	body, err := json.Marshal(reqPayload)
	if err != nil {
		return Quote{}, err
	}

	quoteRes, err := retry.Value(ctx, c.opts.Policy, c.opts.Name+".quote", func(ctx context.Context) (quoteResponse, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		return Quote{}, fmt.Errorf("%s quote %s: %w", c.opts.Name, pair.Symbol(), err)
	}

	buyAtoms, err := decimal.NewFromString(quoteRes.Quote.BuyAmount)
	if err != nil {
		return Quote{}, fmt.Errorf("parse buy amount: %w", err)
	}

	quality := quoteRes.PriceQuality
	if quality == "" {
		quality = c.opts.PriceQuality
	}

	q, err := newQuote(c.opts.Name, pair, amountIn, buyAtoms.BigInt(), block, "cow priceQuality="+quality)
	if err != nil {
		return Quote{}, err
	}
	c.logger.Debug().Str("pair", q.Pair).Str("price", q.Price.String()).Msg("cow quote")
	return q, nil
}

func (c *Cow) post(ctx context.Context, body []byte) (quoteResponse, error) {
	endpoint := c.baseURL + cowQuotePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return quoteResponse{}, retry.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "arbscan/1.0")
	}
	req.Header.Set("X-AppId", "arbscan")

	resp, err := c.client.Do(req)
	if err != nil {
		return quoteResponse{}, err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return quoteResponse{}, err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := parseHTTPError(resp.StatusCode, payloadBytes)
		// 4xx（除 429）是请求本身的问题，重试无意义。
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return quoteResponse{}, retry.Fatal(apiErr)
		}
		return quoteResponse{}, apiErr
	}

	var quoteRes quoteResponse
	if err := json.Unmarshal(payloadBytes, &quoteRes); err != nil {
		return quoteResponse{}, retry.Fatal(err)
	}
	return quoteRes, nil
}

type quoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	Kind                string `json:"kind"`
	From                string `json:"from"`
	AppData             string `json:"appData"`
	PriceQuality        string `json:"priceQuality,omitempty"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee"`
	ValidTo             uint64 `json:"validTo"`
}

type quoteResponse struct {
	Quote struct {
		SellAmount string `json:"sellAmount"`
		BuyAmount  string `json:"buyAmount"`
		FeeAmount  string `json:"feeAmount"`
		SellToken  string `json:"sellToken"`
		BuyToken   string `json:"buyToken"`
	} `json:"quote"`
	PriceQuality string `json:"priceQuality"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		switch {
		case apiErr.Description != "":
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Description)
		case apiErr.Message != "":
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Message)
		case apiErr.ErrorType != "":
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("cow api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("cow api error (%d)", status)
}

var _ QuoteSource = (*Cow)(nil)
