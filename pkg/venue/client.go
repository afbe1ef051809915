package venue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/condor-exchange/condor/pkg/order"
)

// Client talks to the venue's REST API. It implements every collaborator
// interface the engine needs, so a single client wires a whole node.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.SugaredLogger
}

// NewClient creates a venue client against the given base URL.
func NewClient(baseURL string, timeout time.Duration, log *zap.SugaredLogger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

var (
	_ Oracle         = (*Client)(nil)
	_ AssetRegistry  = (*Client)(nil)
	_ PositionLedger = (*Client)(nil)
	_ Tiers          = (*Client)(nil)
	_ Dispatcher     = (*Client)(nil)
	_ Bank           = (*Client)(nil)
)

// PriceRate implements Oracle.
func (c *Client) PriceRate(denomIn, denomOut string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("denomIn", denomIn)
	q.Set("denomOut", denomOut)

	var resp struct {
		Rate decimal.Decimal `json:"rate"`
	}
	if err := c.get("/amm/price?"+q.Encode(), &resp); err != nil {
		return decimal.Zero, fmt.Errorf("price rate %s/%s: %w", denomIn, denomOut, err)
	}
	return resp.Rate, nil
}

// SwapEstimation implements Oracle.
func (c *Client) SwapEstimation(amount order.Coin, denomIn, denomOut string, discount decimal.Decimal) (*SwapEstimation, error) {
	req := struct {
		Amount   order.Coin      `json:"amount"`
		DenomIn  string          `json:"denomIn"`
		DenomOut string          `json:"denomOut"`
		Discount decimal.Decimal `json:"discount"`
	}{amount, denomIn, denomOut, discount}

	var est SwapEstimation
	if err := c.post("/amm/swap-estimation", req, &est); err != nil {
		return nil, fmt.Errorf("swap estimation %s/%s: %w", denomIn, denomOut, err)
	}
	return &est, nil
}

// Denom implements AssetRegistry.
func (c *Client) Denom(symbol string) (string, error) {
	var resp struct {
		Denom string `json:"denom"`
	}
	if err := c.get("/assets/"+url.PathEscape(symbol), &resp); err != nil {
		return "", fmt.Errorf("asset profile %s: %w", symbol, err)
	}
	return resp.Denom, nil
}

// Position implements PositionLedger. A 404 from the venue means the
// position no longer exists and is reported as (nil, nil).
func (c *Client) Position(owner common.Address, positionID uint64) (*MarginPosition, error) {
	path := fmt.Sprintf("/margin/positions/%s/%d", owner.Hex(), positionID)

	var pos MarginPosition
	err := c.get(path, &pos)
	if err == errNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("margin position %d: %w", positionID, err)
	}
	return &pos, nil
}

// OpenEstimation implements PositionLedger.
func (c *Client) OpenEstimation(req OpenEstimationRequest) (*OpenEstimation, error) {
	var est OpenEstimation
	if err := c.post("/margin/open-estimation", req, &est); err != nil {
		return nil, fmt.Errorf("open estimation: %w", err)
	}
	return &est, nil
}

// Discount implements Tiers.
func (c *Client) Discount(owner common.Address) (decimal.Decimal, error) {
	var resp struct {
		Discount decimal.Decimal `json:"discount"`
	}
	if err := c.get("/tiers/"+owner.Hex()+"/discount", &resp); err != nil {
		return decimal.Zero, fmt.Errorf("tier discount: %w", err)
	}
	return resp.Discount, nil
}

// Dispatch implements Dispatcher. The whole request batch goes out in one
// call; the venue acknowledges receipt and reports per-request outcomes
// later through the completion callback.
func (c *Client) Dispatch(reqs []Request) error {
	if err := c.post("/execute", reqs, nil); err != nil {
		return fmt.Errorf("dispatch %d requests: %w", len(reqs), err)
	}
	c.log.Infow("requests_dispatched", "count", len(reqs))
	return nil
}

// Send implements Bank.
func (c *Client) Send(to common.Address, coins []order.Coin) error {
	req := struct {
		To    string       `json:"to"`
		Coins []order.Coin `json:"coins"`
	}{to.Hex(), coins}

	if err := c.post("/bank/send", req, nil); err != nil {
		return fmt.Errorf("bank send to %s: %w", to.Hex(), err)
	}
	return nil
}

var errNotFound = fmt.Errorf("not found")

func (c *Client) get(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *Client) post(path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("venue returned %d: %s", resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
