package vaultgap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	cowQuotePath   = "/quote"
	zeroAddressHex = "0x0000000000000000000000000000000000000000"
)

// Quote is a secondary-market rate in shares per asset.
type Quote struct {
	Rate    decimal.Decimal
	Quality string
	Raw     json.RawMessage
}

// QuoteReader fetches the secondary-market rate.
type QuoteReader interface {
	FetchQuote(ctx context.Context) (Quote, error)
}

// QuoteOptions parameterise the CoW Protocol quoter.
type QuoteOptions struct {
	BaseURL       string
	PriceQuality  string
	Notional      decimal.Decimal
	AssetDecimals int32
	ShareDecimals int32
	Timeout       time.Duration
	UserAgent     string
	AppCode       string
	SellToken     string
	BuyToken      string
}

// CowQuoter asks CoW Protocol how many shares a sell of the notional buys.
type CowQuoter struct {
	opts    QuoteOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCowQuoter constructs a quoter.
func NewCowQuoter(opts QuoteOptions, logger zerolog.Logger) *CowQuoter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.cow.fi/mainnet/api/v1"
	}
	if opts.AssetDecimals == 0 {
		opts.AssetDecimals = 18
	}
	if opts.ShareDecimals == 0 {
		opts.ShareDecimals = 18
	}
	if opts.AppCode == "" {
		opts.AppCode = "mevscanner"
	}

	return &CowQuoter{
		opts:    opts,
		logger:  logger.With().Str("component", "cow_quoter").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchQuote retrieves a sell quote and returns shares received per asset sold.
func (q *CowQuoter) FetchQuote(ctx context.Context) (Quote, error) {
	if q.opts.Notional.Sign() <= 0 {
		return Quote{}, errors.New("notional must be greater than zero")
	}
	if q.opts.SellToken == "" || q.opts.BuyToken == "" {
		return Quote{}, errors.New("sellToken and buyToken addresses required")
	}

	sellAtoms := q.opts.Notional.Shift(q.opts.AssetDecimals).Round(0)
	if sellAtoms.IsZero() {
		return Quote{}, errors.New("sell amount rounded to zero")
	}

	reqPayload := quoteRequest{
		SellToken:           q.opts.SellToken,
		BuyToken:            q.opts.BuyToken,
		Kind:                "sell",
		From:                zeroAddressHex,
		AppData:             fmt.Sprintf(`{"version":"0.7.0","appCode":%q,"metadata":{}}`, q.opts.AppCode),
		PriceQuality:        q.opts.PriceQuality,
		SellAmountBeforeFee: sellAtoms.StringFixed(0),
		ValidTo:             uint64(time.Now().Add(5 * time.Minute).Unix()),
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return Quote{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+cowQuotePath, bytes.NewReader(body))
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(q.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "mevscanner/1.0")
	}
	req.Header.Set("X-AppId", q.opts.AppCode)

	resp, err := q.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return Quote{}, parseHTTPError(resp.StatusCode, payloadBytes)
	}

	var quoteRes quoteResponse
	if err := json.Unmarshal(payloadBytes, &quoteRes); err != nil {
		return Quote{}, err
	}

	buyAtoms, err := decimal.NewFromString(quoteRes.Quote.BuyAmount)
	if err != nil {
		return Quote{}, fmt.Errorf("parse buy amount: %w", err)
	}
	if buyAtoms.IsZero() {
		return Quote{}, errors.New("buy amount returned zero")
	}

	rate := buyAtoms.Shift(-q.opts.ShareDecimals).Div(sellAtoms.Shift(-q.opts.AssetDecimals))

	quality := quoteRes.PriceQuality
	if quality == "" {
		quality = q.opts.PriceQuality
	}

	return Quote{Rate: rate, Quality: quality, Raw: json.RawMessage(payloadBytes)}, nil
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
		if apiErr.Description != "" {
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("cow api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("cow api error (%d)", status)
}

var _ QuoteReader = (*CowQuoter)(nil)
