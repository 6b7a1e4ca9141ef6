package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/sha3"
)

// Keys contract ABI surface. Selectors and the trade event topic are
// derived from these signatures at startup.
const (
	sigSharesBalance = "sharesBalance(address,address)"
	sigGetBuyPrice   = "getBuyPrice(address,uint256)"
	sigGetSellPrice  = "getSellPrice(address,uint256)"
	sigTradeEvent    = "Trade(address,address,bool,uint256,uint256)"
)

const wordSize = 32

// RPCClient talks JSON-RPC 2.0 over HTTP to an EVM-style node and reads the
// keys contract. Stateless apart from the HTTP client and an optional trade
// cache; safe for concurrent use.
type RPCClient struct {
	endpoint string
	contract Address
	http     *http.Client
	timeout  time.Duration
	cache    *TradeCache
	nextID   atomic.Uint64

	selBalance []byte
	selBuy     []byte
	selSell    []byte
	tradeTopic string
}

// NewRPCClient creates a ledger client against the given node endpoint and
// keys contract address. Every request is bounded by timeout; a timeout is
// reported as ErrUnavailable like any other transport failure.
func NewRPCClient(endpoint string, contract Address, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RPCClient{
		endpoint:   endpoint,
		contract:   contract,
		http:       &http.Client{Timeout: timeout},
		timeout:    timeout,
		selBalance: selector(sigSharesBalance),
		selBuy:     selector(sigGetBuyPrice),
		selSell:    selector(sigGetSellPrice),
		tradeTopic: eventTopic(sigTradeEvent),
	}
}

// SetCache attaches a trade cache so PurchasedCreators only scans the log
// tail instead of the full history on every call.
func (c *RPCClient) SetCache(cache *TradeCache) {
	c.cache = cache
}

// BalanceOf implements Client. The contract argument order is
// (subject, holder).
func (c *RPCClient) BalanceOf(ctx context.Context, holder, creator Address) (uint64, error) {
	data := calldata(c.selBalance, padAddress(creator), padAddress(holder))
	result, err := c.ethCall(ctx, data)
	if err != nil {
		return 0, err
	}
	balance, err := wordToBig(result)
	if err != nil {
		return 0, err
	}
	if !balance.IsUint64() {
		// Larger than any plausible key balance; clamp rather than wrap.
		return ^uint64(0), nil
	}
	return balance.Uint64(), nil
}

// BuyPrice implements Client.
func (c *RPCClient) BuyPrice(ctx context.Context, creator Address, amount uint64) (*big.Int, error) {
	data := calldata(c.selBuy, padAddress(creator), padUint64(amount))
	result, err := c.ethCall(ctx, data)
	if err != nil {
		return nil, err
	}
	return wordToBig(result)
}

// SellPrice implements Client.
func (c *RPCClient) SellPrice(ctx context.Context, creator Address, amount uint64) (*big.Int, error) {
	data := calldata(c.selSell, padAddress(creator), padUint64(amount))
	result, err := c.ethCall(ctx, data)
	if err != nil {
		return nil, err
	}
	return wordToBig(result)
}

// PurchasedCreators implements Client. With a cache attached only blocks
// after the last scan are fetched; without one the full history is scanned.
func (c *RPCClient) PurchasedCreators(ctx context.Context, holder Address) ([]Address, error) {
	head, err := c.blockNumber(ctx)
	if err != nil {
		return nil, err
	}

	var from uint64
	if c.cache != nil {
		last, err := c.cache.LastScannedBlock(holder)
		if err == nil && last > 0 {
			from = last + 1
		}
	}

	if from <= head {
		events, err := c.fetchTradeLogs(ctx, holder, from, head)
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			if err := c.cache.RecordTrades(events); err != nil {
				return nil, fmt.Errorf("record trades: %w", err)
			}
			if err := c.cache.SetLastScannedBlock(holder, head); err != nil {
				return nil, fmt.Errorf("update scan state: %w", err)
			}
		} else {
			return distinctBuySubjects(events), nil
		}
	}

	if c.cache != nil {
		return c.cache.PurchasedSubjects(holder)
	}
	return nil, nil
}

// tradeEvent is one decoded Trade log entry.
type tradeEvent struct {
	Trader  Address
	Subject Address
	IsBuy   bool
	Amount  uint64
	Block   uint64
}

func distinctBuySubjects(events []tradeEvent) []Address {
	seen := make(map[Address]bool)
	var subjects []Address
	for _, ev := range events {
		if !ev.IsBuy || seen[ev.Subject] {
			continue
		}
		seen[ev.Subject] = true
		subjects = append(subjects, ev.Subject)
	}
	return subjects
}

// fetchTradeLogs queries eth_getLogs for Trade events where holder is the
// indexed trader.
func (c *RPCClient) fetchTradeLogs(ctx context.Context, holder Address, from, to uint64) ([]tradeEvent, error) {
	filter := map[string]interface{}{
		"address":   c.contract.Hex(),
		"fromBlock": hexUint(from),
		"toBlock":   hexUint(to),
		"topics":    []interface{}{c.tradeTopic, addressTopic(holder)},
	}

	raw, err := c.call(ctx, "eth_getLogs", []interface{}{filter})
	if err != nil {
		return nil, err
	}

	var entries []struct {
		Topics      []string `json:"topics"`
		Data        string   `json:"data"`
		BlockNumber string   `json:"blockNumber"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: malformed log response: %v", ErrUnavailable, err)
	}

	events := make([]tradeEvent, 0, len(entries))
	for _, entry := range entries {
		if len(entry.Topics) < 3 {
			continue
		}
		trader, err := topicAddress(entry.Topics[1])
		if err != nil {
			continue
		}
		subject, err := topicAddress(entry.Topics[2])
		if err != nil {
			continue
		}
		data, err := hexBytes(entry.Data)
		if err != nil || len(data) < 2*wordSize {
			continue
		}
		block, err := parseHexUint(entry.BlockNumber)
		if err != nil {
			continue
		}
		amount, err := wordToBig(data[wordSize : 2*wordSize])
		if err != nil || !amount.IsUint64() {
			continue
		}
		events = append(events, tradeEvent{
			Trader:  trader,
			Subject: subject,
			IsBuy:   data[wordSize-1] != 0,
			Amount:  amount.Uint64(),
			Block:   block,
		})
	}
	return events, nil
}

// ethCall performs a read-only contract call against the latest block.
func (c *RPCClient) ethCall(ctx context.Context, data []byte) ([]byte, error) {
	params := []interface{}{
		map[string]string{
			"to":   c.contract.Hex(),
			"data": "0x" + hex.EncodeToString(data),
		},
		"latest",
	}
	raw, err := c.call(ctx, "eth_call", params)
	if err != nil {
		return nil, err
	}
	var result string
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: malformed call response: %v", ErrUnavailable, err)
	}
	out, err := hexBytes(result)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed call result: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (c *RPCClient) blockNumber(ctx context.Context) (uint64, error) {
	raw, err := c.call(ctx, "eth_blockNumber", []interface{}{})
	if err != nil {
		return 0, err
	}
	var result string
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("%w: malformed block number: %v", ErrUnavailable, err)
	}
	return parseHexUint(result)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call performs one JSON-RPC round trip. Every failure mode (network, HTTP
// status, RPC error object, decode failure) maps to ErrUnavailable so
// callers can stay fail-closed without inspecting the cause.
func (c *RPCClient) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: HTTP %d", ErrUnavailable, method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("%w: %s: decode response: %v", ErrUnavailable, method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("%w: %s: rpc error %d: %s", ErrUnavailable, method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// --- ABI helpers ---

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

func selector(signature string) []byte {
	return keccak256([]byte(signature))[:4]
}

func eventTopic(signature string) string {
	return "0x" + hex.EncodeToString(keccak256([]byte(signature)))
}

func calldata(sel []byte, words ...[]byte) []byte {
	out := make([]byte, 0, len(sel)+len(words)*wordSize)
	out = append(out, sel...)
	for _, w := range words {
		out = append(out, w...)
	}
	return out
}

func padAddress(a Address) []byte {
	word := make([]byte, wordSize)
	copy(word[wordSize-AddressLength:], a[:])
	return word
}

func padUint64(v uint64) []byte {
	word := make([]byte, wordSize)
	new(big.Int).SetUint64(v).FillBytes(word)
	return word
}

func addressTopic(a Address) string {
	return "0x" + hex.EncodeToString(padAddress(a))
}

func topicAddress(topic string) (Address, error) {
	raw, err := hexBytes(topic)
	if err != nil {
		return Address{}, err
	}
	if len(raw) != wordSize {
		return Address{}, fmt.Errorf("topic is %d bytes, want %d", len(raw), wordSize)
	}
	return BytesToAddress(raw), nil
}

func wordToBig(word []byte) (*big.Int, error) {
	if len(word) < wordSize {
		return nil, fmt.Errorf("%w: result is %d bytes, want %d", ErrUnavailable, len(word), wordSize)
	}
	return new(big.Int).SetBytes(word[:wordSize]), nil
}

func hexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

func hexUint(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}

func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return 0, fmt.Errorf("empty hex quantity")
	}
	var v uint64
	if _, err := fmt.Sscanf(s, "%x", &v); err != nil {
		return 0, fmt.Errorf("bad hex quantity %q: %v", s, err)
	}
	return v, nil
}
