// Package walletrpc is a thin typed client over the Monero wallet RPC
// daemon's JSON-RPC 2.0 interface: subaddress creation, received/unlocked
// balance queries, and transfers. It is the only component in this daemon
// that talks to the Monero wallet; everything above it works in XMR atomic
// units (see pkg/helpers).
package walletrpc

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/klingon-exchange/xmrswap/pkg/helpers"
	"github.com/klingon-exchange/xmrswap/pkg/logging"
)

var log = logging.GetDefault().Component("walletrpc")

// ErrWalletSend is returned when a transfer RPC call fails for any reason.
var ErrWalletSend = errors.New("wallet send error")

const transferTimeout = 45 * time.Second
const queryTimeout = 15 * time.Second

// Client is a Monero wallet-rpc JSON-RPC client, with optional HTTP digest
// auth (monero-wallet-rpc's default when --rpc-login is set).
type Client struct {
	url        string
	user, pass string
	httpClient *http.Client
	nextID     atomic.Uint64
}

// New returns a wallet-rpc client against url, with optional digest-auth
// credentials (empty strings disable auth).
func New(url, user, pass string) *Client {
	return &Client{
		url:        url,
		user:       user,
		pass:       pass,
		httpClient: &http.Client{},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, timeout time.Duration, method string, params, result any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	resp, err := c.doWithAuth(ctx, reqBody)
	if err != nil {
		return fmt.Errorf("wallet rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet rpc %s: status %d", method, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("wallet rpc %s: decode response: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("wallet rpc %s: %s (code %d)", method, rr.Error.Message, rr.Error.Code)
	}
	if result != nil {
		if err := json.Unmarshal(rr.Result, result); err != nil {
			return fmt.Errorf("wallet rpc %s: unmarshal result: %w", method, err)
		}
	}
	return nil
}

// doWithAuth performs the POST, transparently retrying once with HTTP digest
// auth if the server challenges with 401 and credentials are configured.
func (c *Client) doWithAuth(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || c.user == "" {
		return resp, nil
	}
	challenge := resp.Header.Get("WWW-Authenticate")
	resp.Body.Close()

	auth, err := digestAuthHeader(challenge, c.user, c.pass, http.MethodPost, "/json_rpc")
	if err != nil {
		return nil, fmt.Errorf("digest auth challenge: %w", err)
	}

	req, err = c.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", auth)
	return c.httpClient.Do(req)
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/json_rpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// CreateSubaddress creates a new subaddress under account 0 with the given
// label, returning its address and index.
func (c *Client) CreateSubaddress(ctx context.Context, label string) (address string, index uint64, err error) {
	var result struct {
		Address     string `json:"address"`
		AddressIndex uint64 `json:"address_index"`
	}
	params := map[string]any{"account_index": 0, "label": label}
	if err := c.call(ctx, queryTimeout, "create_address", params, &result); err != nil {
		return "", 0, err
	}
	return result.Address, result.AddressIndex, nil
}

type transferEntry struct {
	TxID   string `json:"txid"`
	Amount uint64 `json:"amount"`
}

// SumReceived returns the total unique XMR (in atomic units) received on the
// subaddress at index, deduplicated by (txid, amount) across confirmed,
// pending, and mempool transfers. Any RPC failure returns 0, never an error —
// per spec this query must never block core progress.
func (c *Client) SumReceived(ctx context.Context, index uint64) uint64 {
	var result struct {
		Transfers []transferEntry `json:"transfers"`
	}
	params := map[string]any{
		"account_index":  0,
		"subaddr_indices": []uint64{index},
		"in":             true,
		"pending":        true,
		"pool":           true,
	}
	if err := c.call(ctx, queryTimeout, "get_transfers", params, &result); err != nil {
		log.Warn("sum_received failed, treating as zero", "index", index, "err", err)
		return 0
	}

	seen := make(map[string]bool, len(result.Transfers))
	var total uint64
	for _, t := range result.Transfers {
		key := fmt.Sprintf("%s:%d", t.TxID, t.Amount)
		if seen[key] {
			continue
		}
		seen[key] = true
		total += t.Amount
	}
	return total
}

// UnlockedBalance returns the account-wide unlocked balance in atomic units.
// The wallet commingles unlocked funds across subaddresses; this is a shared,
// global spending budget, not per-swap.
func (c *Client) UnlockedBalance(ctx context.Context) (uint64, error) {
	var result struct {
		UnlockedBalance uint64 `json:"unlocked_balance"`
	}
	params := map[string]any{"account_index": 0}
	if err := c.call(ctx, queryTimeout, "get_balance", params, &result); err != nil {
		return 0, fmt.Errorf("unlocked_balance: %w", err)
	}
	return result.UnlockedBalance, nil
}

// Transfer sends amountAtomic atomic units to dest with medium priority and
// ring size 11, returning the resulting txid.
func (c *Client) Transfer(ctx context.Context, dest string, amountAtomic uint64) (string, error) {
	var result struct {
		TxHash string `json:"tx_hash"`
	}
	params := map[string]any{
		"destinations": []map[string]any{
			{"address": dest, "amount": amountAtomic},
		},
		"priority":  1, // medium
		"ring_size": 11,
		"get_tx_key": false,
	}
	if err := c.call(ctx, transferTimeout, "transfer", params, &result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWalletSend, err)
	}
	if result.TxHash == "" {
		return "", fmt.Errorf("%w: empty tx hash", ErrWalletSend)
	}
	return result.TxHash, nil
}

// digestAuthHeader builds an RFC 2617 Authorization header value from a
// WWW-Authenticate challenge, as monero-wallet-rpc requires when --rpc-login
// is configured.
func digestAuthHeader(challenge, user, pass, method, uri string) (string, error) {
	params := parseDigestChallenge(challenge)
	realm := params["realm"]
	nonce := params["nonce"]
	qop := params["qop"]
	opaque := params["opaque"]

	cnonceBytes := make([]byte, 8)
	if _, err := rand.Read(cnonceBytes); err != nil {
		return "", err
	}
	cnonce := fmt.Sprintf("%x", cnonceBytes)
	nc := "00000001"

	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", user, realm, pass))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))

	var response string
	if qop != "" {
		response = md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, nonce, nc, cnonce, qop, ha2))
	} else {
		response = md5Hex(fmt.Sprintf("%s:%s:%s", ha1, nonce, ha2))
	}

	header := fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		user, realm, nonce, uri, response)
	if qop != "" {
		header += fmt.Sprintf(`, qop=%s, nc=%s, cnonce="%s"`, qop, nc, cnonce)
	}
	if opaque != "" {
		header += fmt.Sprintf(`, opaque="%s"`, opaque)
	}
	return header, nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%x", sum)
}

// parseDigestChallenge extracts key="value" pairs from a Digest
// WWW-Authenticate header value.
func parseDigestChallenge(challenge string) map[string]string {
	out := map[string]string{}
	rest := challenge
	if i := bytes.IndexByte([]byte(rest), ' '); i >= 0 {
		rest = rest[i+1:]
	}
	for _, part := range splitDigestParts(rest) {
		kv := splitOnce(part, '=')
		if len(kv) != 2 {
			continue
		}
		key := kv[0]
		val := kv[1]
		if len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
			val = val[1 : len(val)-1]
		}
		out[key] = val
	}
	return out
}

func splitDigestParts(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, c := range s {
		switch c {
		case '"':
			depth = 1 - depth
		case ',':
			if depth == 0 {
				parts = append(parts, trimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	parts = append(parts, trimSpace(s[start:]))
	return parts
}

func trimSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}

func splitOnce(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return []string{s}
}

// XMRToAtomic and AtomicToXMR convenience re-exports, kept adjacent to the
// client so callers don't need a separate import for wallet-amount math.
var XMRToAtomic = helpers.XMRToAtomic
var AtomicToXMR = helpers.AtomicToXMR
