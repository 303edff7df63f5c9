package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Dhoini/Subscription-microservice/internal/domain"
	"github.com/Dhoini/Subscription-microservice/pkg/logger"
	"github.com/cenkalti/backoff/v4"
)

// Префиксы API панели в порядке убывания приоритета: сначала современный
// путь, затем устаревший. Рабочий префикс запоминается после первого успеха.
var apiPrefixes = []string{"/panel/api/inbounds", "/xui/API/inbounds"}

// Config конфигурация клиента панели
type Config struct {
	BaseURL         string
	Username        string
	Password        string
	Timeout         time.Duration // таймаут одного HTTP-вызова
	SessionLifetime time.Duration // сессия обновляется заранее по фиксированному сроку
}

// Client HTTP-клиент панели семейства x-ui. Сессия держится в cookie и
// обновляется проактивно по истечении SessionLifetime, а не только на 401.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *logger.Logger

	mu         sync.Mutex
	loggedInAt time.Time
	prefix     string // подтвержденный префикс API, пустой до первого успеха

	now func() time.Time
}

// NewClient создает новый клиент панели
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("panel base URL is not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.SessionLifetime <= 0 {
		cfg.SessionLifetime = 55 * time.Minute
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Jar:     jar,
		},
		log: log,
		now: time.Now,
	}, nil
}

// apiResponse общий конверт ответа панели
type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// inboundObject инбаунд панели; клиенты лежат внутри settings как JSON-строка
type inboundObject struct {
	ID       int    `json:"id"`
	Remark   string `json:"remark"`
	Enable   bool   `json:"enable"`
	Settings string `json:"settings"`
}

// clientObject один клиент инбаунда
type clientObject struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Enable     bool   `json:"enable"`
	ExpiryTime int64  `json:"expiryTime"` // Unix мс, 0 = бессрочно
	LimitIP    int    `json:"limitIp"`    // 0 = без лимита
}

// clientSettings содержимое поля settings
type clientSettings struct {
	Clients []clientObject `json:"clients"`
}

// login выполняет вход в панель с повторами по экспоненциальному backoff
func (c *Client) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/login", strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var body apiResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("failed to decode login response: %w", err)
		}
		if !body.Success {
			return backoff.Permanent(domain.NewExternalServiceError("panel", "login_failed", body.Msg, resp.StatusCode, nil))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		c.log.Errorw("Panel login failed", "url", c.cfg.BaseURL, "error", err)
		return fmt.Errorf("panel login: %w", err)
	}

	c.loggedInAt = c.now()
	c.log.Debugw("Panel session established", "url", c.cfg.BaseURL)
	return nil
}

// ensureSession обновляет сессию, если она старше фиксированного срока жизни
func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.now().Sub(c.loggedInAt) < c.cfg.SessionLifetime {
		return nil
	}
	return c.login(ctx)
}

// call выполняет запрос к API, перебирая префиксы по порядку, пока один
// не ответит успешно. Рабочий префикс запоминается, но при его отказе
// список пробуется заново: панель могла мигрировать между версиями API.
func (c *Client) call(ctx context.Context, method, path string, payload url.Values) (*apiResponse, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	cached := c.prefix
	c.mu.Unlock()

	var lastErr error
	if cached != "" {
		body, err := c.doRequest(ctx, method, c.cfg.BaseURL+cached+path, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err
		c.log.Warnw("Memoized panel API prefix failed, retrying full prefix list", "prefix", cached, "error", err)
	}

	for _, prefix := range apiPrefixes {
		if prefix == cached {
			continue
		}

		body, err := c.doRequest(ctx, method, c.cfg.BaseURL+prefix+path, payload)
		if err != nil {
			lastErr = err
			continue
		}

		c.mu.Lock()
		c.prefix = prefix
		c.mu.Unlock()
		return body, nil
	}
	return nil, fmt.Errorf("panel request %s failed for all API prefixes: %w", path, lastErr)
}

func (c *Client) doRequest(ctx context.Context, method, fullURL string, payload url.Values) (*apiResponse, error) {
	var reqBody *strings.Reader
	if payload != nil {
		reqBody = strings.NewReader(payload.Encode())
	} else {
		reqBody = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPanelUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.NewExternalServiceError("panel", "endpoint_not_found", fullURL, resp.StatusCode, nil)
	}
	if resp.StatusCode >= 500 {
		return nil, domain.NewExternalServiceError("panel", "server_error", fullURL, resp.StatusCode, nil)
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode panel response: %w", err)
	}
	if !body.Success {
		return nil, domain.NewExternalServiceError("panel", "request_failed", body.Msg, resp.StatusCode, nil)
	}
	return &body, nil
}

// listInbounds возвращает все инбаунды панели
func (c *Client) listInbounds(ctx context.Context) ([]inboundObject, error) {
	body, err := c.call(ctx, http.MethodGet, "/list", nil)
	if err != nil {
		return nil, err
	}

	var inbounds []inboundObject
	if err := json.Unmarshal(body.Obj, &inbounds); err != nil {
		return nil, fmt.Errorf("failed to decode inbound list: %w", err)
	}
	return inbounds, nil
}

// getInbound возвращает один инбаунд по пространству
func (c *Client) getInbound(ctx context.Context, namespace string) (*inboundObject, error) {
	body, err := c.call(ctx, http.MethodGet, "/get/"+namespace, nil)
	if err != nil {
		return nil, err
	}

	var inbound inboundObject
	if err := json.Unmarshal(body.Obj, &inbound); err != nil {
		return nil, fmt.Errorf("failed to decode inbound: %w", err)
	}
	return &inbound, nil
}

// toAccountState переводит клиента панели в состояние аккаунта
func toAccountState(cl clientObject) AccountState {
	state := AccountState{
		Ref:      cl.ID,
		Identity: cl.Email,
		Enabled:  cl.Enable,
	}
	if cl.ExpiryTime > 0 {
		t := time.UnixMilli(cl.ExpiryTime).UTC()
		state.ExpiresAt = &t
	}
	if cl.LimitIP > 0 {
		limit := cl.LimitIP
		state.DeviceLimit = &limit
	}
	return state
}

// fromAccountState переводит состояние аккаунта в клиента панели
func fromAccountState(state AccountState) clientObject {
	cl := clientObject{
		ID:     state.Ref,
		Email:  state.Identity,
		Enable: state.Enabled,
	}
	if state.ExpiresAt != nil {
		cl.ExpiryTime = state.ExpiresAt.UnixMilli()
	}
	if state.DeviceLimit != nil {
		cl.LimitIP = *state.DeviceLimit
	}
	return cl
}

func parseClients(inbound *inboundObject) ([]clientObject, error) {
	var settings clientSettings
	if inbound.Settings != "" {
		if err := json.Unmarshal([]byte(inbound.Settings), &settings); err != nil {
			return nil, fmt.Errorf("failed to decode inbound settings: %w", err)
		}
	}
	return settings.Clients, nil
}

func encodeClients(clients []clientObject) (string, error) {
	raw, err := json.Marshal(clientSettings{Clients: clients})
	if err != nil {
		return "", fmt.Errorf("failed to encode inbound settings: %w", err)
	}
	return string(raw), nil
}

// ListNamespaces возвращает идентификаторы всех инбаундов
func (c *Client) ListNamespaces(ctx context.Context) ([]string, error) {
	inbounds, err := c.listInbounds(ctx)
	if err != nil {
		return nil, err
	}

	namespaces := make([]string, 0, len(inbounds))
	for _, inbound := range inbounds {
		namespaces = append(namespaces, strconv.Itoa(inbound.ID))
	}
	return namespaces, nil
}

// ListAccounts возвращает все аккаунты пространства одним запросом
func (c *Client) ListAccounts(ctx context.Context, namespace string) ([]AccountState, error) {
	inbound, err := c.getInbound(ctx, namespace)
	if err != nil {
		return nil, err
	}

	clients, err := parseClients(inbound)
	if err != nil {
		return nil, err
	}

	accounts := make([]AccountState, 0, len(clients))
	for _, cl := range clients {
		accounts = append(accounts, toAccountState(cl))
	}
	return accounts, nil
}

// GetAccount возвращает аккаунт по ссылке или (nil, nil), если его нет
func (c *Client) GetAccount(ctx context.Context, namespace, ref string) (*AccountState, error) {
	accounts, err := c.ListAccounts(ctx, namespace)
	if err != nil {
		return nil, err
	}

	for i := range accounts {
		if accounts[i].Ref == ref {
			return &accounts[i], nil
		}
	}
	return nil, nil
}

// CreateAccount добавляет аккаунт в пространство
func (c *Client) CreateAccount(ctx context.Context, namespace string, account AccountState) error {
	inboundID, err := strconv.Atoi(namespace)
	if err != nil {
		return fmt.Errorf("invalid panel namespace %q: %w", namespace, err)
	}

	settings, err := encodeClients([]clientObject{fromAccountState(account)})
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("id", strconv.Itoa(inboundID))
	form.Set("settings", settings)

	_, err = c.call(ctx, http.MethodPost, "/addClient", form)
	if err != nil {
		return fmt.Errorf("failed to create panel account %s/%s: %w", namespace, account.Ref, err)
	}

	c.log.Debugw("Panel account created", "namespace", namespace, "ref", account.Ref, "identity", account.Identity)
	return nil
}

// ApplyAccountState применяет частичное обновление: читает текущего клиента,
// накладывает ненулевые поля патча и отправляет обновление целиком.
func (c *Client) ApplyAccountState(ctx context.Context, namespace, ref string, patch AccountPatch) error {
	inbound, err := c.getInbound(ctx, namespace)
	if err != nil {
		return err
	}

	clients, err := parseClients(inbound)
	if err != nil {
		return err
	}

	var target *clientObject
	for i := range clients {
		if clients[i].ID == ref {
			target = &clients[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: account %s/%s", domain.ErrAccountDesync, namespace, ref)
	}

	if patch.ExpiresAt != nil {
		if patch.ExpiresAt.IsZero() {
			// 0 в панели означает бессрочный аккаунт
			target.ExpiryTime = 0
		} else {
			target.ExpiryTime = patch.ExpiresAt.UnixMilli()
		}
	}
	if patch.Enabled != nil {
		target.Enable = *patch.Enabled
	}
	if patch.DeviceLimit != nil {
		target.LimitIP = *patch.DeviceLimit
	}

	settings, err := encodeClients([]clientObject{*target})
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("id", strconv.Itoa(inbound.ID))
	form.Set("settings", settings)

	_, err = c.call(ctx, http.MethodPost, "/updateClient/"+ref, form)
	if err != nil {
		return fmt.Errorf("failed to update panel account %s/%s: %w", namespace, ref, err)
	}
	return nil
}

// DeleteAccount удаляет аккаунт из пространства
func (c *Client) DeleteAccount(ctx context.Context, namespace, ref string) error {
	_, err := c.call(ctx, http.MethodPost, "/"+namespace+"/delClient/"+ref, nil)
	if err != nil {
		return fmt.Errorf("failed to delete panel account %s/%s: %w", namespace, ref, err)
	}
	return nil
}
