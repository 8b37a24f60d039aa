package wechat

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const authorizationScheme = "WECHATPAY2-SHA256-RSA2048"

// ProviderError описывает ошибочный ответ провайдера (HTTP-статус >= 400)
// с кодом и сообщением из тела ответа.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// Client инкапсулирует HTTP-взаимодействие с платёжным провайдером.
// Клиент не хранит состояния между вызовами, поэтому повторы запросов
// безопасны: идемпотичность обеспечивает хранилище заказов, а не клиент.
type Client struct {
	baseURL    string
	mchID      string
	appID      string
	serialNo   string
	notifyURL  string
	verifier   *Verifier
	httpClient *http.Client
}

// NewClient создаёт клиент провайдера с реквизитами мерчанта.
// Транспорт повторяет запросы при сетевых сбоях и ответах 5xx.
func NewClient(baseURL, mchID, appID, serialNo, notifyURL string, verifier *Verifier) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		mchID:      mchID,
		appID:      appID,
		serialNo:   serialNo,
		notifyURL:  notifyURL,
		verifier:   verifier,
		httpClient: rc.StandardClient(),
	}
}

type prepayAmount struct {
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
}

type prepayPayer struct {
	OpenID string `json:"openid"`
}

type prepayRequest struct {
	AppID       string       `json:"appid"`
	MchID       string       `json:"mchid"`
	Description string       `json:"description"`
	OutTradeNo  string       `json:"out_trade_no"`
	NotifyURL   string       `json:"notify_url"`
	Amount      prepayAmount `json:"amount"`
	Payer       prepayPayer  `json:"payer"`
}

type prepayResponse struct {
	PrepayID string `json:"prepay_id"`
}

// PrepayResult содержит параметры для запуска оплаты на стороне клиента,
// включая вторую подпись paySign, которую проверяет клиентский SDK.
type PrepayResult struct {
	PrepayID  string `json:"prepay_id"`
	TimeStamp string `json:"timeStamp"`
	NonceStr  string `json:"nonceStr"`
	Package   string `json:"package"`
	SignType  string `json:"signType"`
	PaySign   string `json:"paySign"`
}

// CreatePrepayOrder регистрирует у провайдера ожидающий оплату заказ и
// возвращает параметры для клиентского SDK.
func (c *Client) CreatePrepayOrder(ctx context.Context, openID, outTradeNo, description string, amountTotal int64) (*PrepayResult, error) {
	reqBody := prepayRequest{
		AppID:       c.appID,
		MchID:       c.mchID,
		Description: description,
		OutTradeNo:  outTradeNo,
		NotifyURL:   c.notifyURL,
		Amount: prepayAmount{
			Total:    amountTotal,
			Currency: "CNY",
		},
		Payer: prepayPayer{OpenID: openID},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal prepay request: %w", err)
	}

	const urlPath = "/v3/pay/transactions/jsapi"

	var resp prepayResponse
	if err := c.do(ctx, http.MethodPost, urlPath, body, &resp); err != nil {
		return nil, err
	}

	if resp.PrepayID == "" {
		return nil, fmt.Errorf("provider returned empty prepay_id")
	}

	return c.buildPrepayResult(resp.PrepayID)
}

func (c *Client) buildPrepayResult(prepayID string) (*PrepayResult, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}

	pkg := "prepay_id=" + prepayID

	// Строка подписи клиентского SDK: appId, timestamp, nonce, package.
	paySign, err := c.verifier.Sign(c.appID + "\n" + timestamp + "\n" + nonce + "\n" + pkg + "\n")
	if err != nil {
		return nil, err
	}

	return &PrepayResult{
		PrepayID:  prepayID,
		TimeStamp: timestamp,
		NonceStr:  nonce,
		Package:   pkg,
		SignType:  "RSA",
		PaySign:   paySign,
	}, nil
}

// GetTransactionStatus запрашивает у провайдера состояние транзакции по
// номеру заказа мерчанта.
func (c *Client) GetTransactionStatus(ctx context.Context, outTradeNo string) (*Transaction, error) {
	urlPath := "/v3/pay/transactions/out-trade-no/" + outTradeNo + "?mchid=" + c.mchID

	var tx Transaction
	if err := c.do(ctx, http.MethodGet, urlPath, nil, &tx); err != nil {
		return nil, err
	}

	return &tx, nil
}

func (c *Client) do(ctx context.Context, method, urlPath string, body []byte, out any) error {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+urlPath, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	auth, err := c.authorization(method, urlPath, string(body))
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeProviderError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// authorization собирает заголовок Authorization с подписью канонической
// строки запроса.
func (c *Client) authorization(method, urlPath, body string) (string, error) {
	timestamp := time.Now().Unix()
	nonce, err := randomNonce()
	if err != nil {
		return "", err
	}

	signature, err := c.verifier.Sign(canonicalRequest(method, urlPath, timestamp, nonce, body))
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`%s mchid="%s",nonce_str="%s",signature="%s",timestamp="%d",serial_no="%s"`,
		authorizationScheme, c.mchID, nonce, signature, timestamp, c.serialNo), nil
}

func decodeProviderError(resp *http.Response) error {
	provErr := &ProviderError{StatusCode: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return provErr
	}

	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		provErr.Code = parsed.Code
		provErr.Message = parsed.Message
	}

	return provErr
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
