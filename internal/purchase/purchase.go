package purchase

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/DaanHessen/fitcheck/internal/engine"
)

// Bundle is a purchasable credit pack.
type Bundle struct {
	Plan    engine.Plan `json:"plan"`
	Credits int         `json:"credits"`
	Price   string      `json:"price"`
}

// Bundles lists the packs on sale.
var Bundles = []Bundle{
	{Plan: engine.PlanBasic, Credits: 20, Price: "$1.99"},
	{Plan: engine.PlanPro, Credits: 50, Price: "$3.99"},
}

// BundleFor looks up the pack of plan.
func BundleFor(plan engine.Plan) (Bundle, bool) {
	for _, b := range Bundles {
		if b.Plan == plan {
			return b, true
		}
	}
	return Bundle{}, false
}

// Client creates orders through the payment worker.
type Client struct {
	workerURL string
	http      *http.Client
	logger    *zap.Logger
}

// NewClient targets workerURL. An empty URL yields a client whose orders
// always fail.
func NewClient(workerURL string, hc *http.Client, logger *zap.Logger) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{workerURL: workerURL, http: hc, logger: logger}
}

type orderRequest struct {
	Plan  engine.Plan `json:"plan"`
	Token string      `json:"token"`
	UID   string      `json:"uid"`
}

// CreateOrder asks the worker for a checkout and returns the URL to send the
// user to. Every failure wraps engine.ErrPurchaseInitiationFailed.
func (c *Client) CreateOrder(ctx context.Context, plan engine.Plan, idToken, uid string) (string, error) {
	if c.workerURL == "" {
		return "", errors.Wrap(engine.ErrPurchaseInitiationFailed, "payment worker URL is not configured")
	}
	if _, ok := BundleFor(plan); !ok {
		return "", errors.Wrapf(engine.ErrPurchaseInitiationFailed, "unknown plan %q", plan)
	}
	if uid == "" || idToken == "" {
		return "", errors.Wrap(engine.ErrPurchaseInitiationFailed, "you must be logged in to make a purchase")
	}
	body, err := json.Marshal(orderRequest{Plan: plan, Token: idToken, UID: uid})
	if err != nil {
		return "", errors.Wrap(engine.ErrPurchaseInitiationFailed, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.workerURL, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(engine.ErrPurchaseInitiationFailed, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(engine.ErrPurchaseInitiationFailed, err.Error())
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", errors.Wrap(engine.ErrPurchaseInitiationFailed, err.Error())
	}
	redirect := gjson.GetBytes(raw, "redirect_url").String()
	if resp.StatusCode/100 != 2 || redirect == "" {
		msg := gjson.GetBytes(raw, "error").String()
		if msg == "" {
			msg = "Failed to create PayPal order."
		}
		c.logger.Warn("purchase initiation failed", zap.Int("status", resp.StatusCode), zap.String("plan", string(plan)), zap.String("error", msg))
		return "", errors.Wrap(engine.ErrPurchaseInitiationFailed, msg)
	}
	c.logger.Info("purchase order created", zap.String("uid", uid), zap.String("plan", string(plan)))
	return redirect, nil
}
