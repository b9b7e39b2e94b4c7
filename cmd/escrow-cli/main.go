package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"artisanpay/cmd/internal/passphrase"
	"artisanpay/crypto"
	"artisanpay/rpc"
)

const keystorePassEnv = "APAY_KEYSTORE_PASS"

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type escrowResult struct {
	ID        uint64 `json:"id"`
	Client    string `json:"client"`
	Artisan   string `json:"artisan"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Deadline  uint64 `json:"deadline"`
	CreatedAt uint64 `json:"createdAt"`
	Status    string `json:"status"`
}

type eventResult struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func main() {
	defaultRPC := strings.TrimSpace(os.Getenv("APAY_RPC_URL"))
	if defaultRPC == "" {
		defaultRPC = "http://127.0.0.1:8080"
	}
	defaultAuth := strings.TrimSpace(os.Getenv("APAY_RPC_TOKEN"))

	root := flag.NewFlagSet("escrow-cli", flag.ExitOnError)
	rpcURL := root.String("rpc", defaultRPC, "JSON-RPC endpoint")
	authToken := root.String("auth", defaultAuth, "Bearer token for authenticated RPC calls")
	root.Parse(os.Args[1:])

	args := root.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage())
		os.Exit(1)
	}

	code := 0
	switch args[0] {
	case "init":
		code = runInitCommand(*rpcURL, *authToken, args[1:])
	case "deposit":
		code = runDepositCommand(*rpcURL, *authToken, args[1:])
	case "release":
		code = runActionCommand(*rpcURL, *authToken, "escrow_release", args[1:])
	case "reclaim":
		code = runActionCommand(*rpcURL, *authToken, "escrow_reclaim", args[1:])
	case "get":
		code = runGetCommand(*rpcURL, *authToken, args[1:])
	case "events":
		code = runEventsCommand(*rpcURL, *authToken, args[1:])
	case "balance":
		code = runBalanceCommand(*rpcURL, *authToken, args[1:])
	case "rate":
		code = runRateCommand(*rpcURL, *authToken, args[1:])
	case "stats":
		code = runStatsCommand(*rpcURL, *authToken, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		fmt.Fprintln(os.Stderr, usage())
		code = 1
	}
	if code != 0 {
		os.Exit(code)
	}
}

func runInitCommand(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	client := fs.String("client", "", "client Bech32 address")
	artisan := fs.String("artisan", "", "artisan Bech32 address")
	asset := fs.String("asset", "", "asset symbol")
	amount := fs.String("amount", "", "amount (decimal base units)")
	deadline := fs.Uint64("deadline", 0, "unix deadline in seconds")
	fs.Parse(args)
	for name, value := range map[string]string{"client": *client, "artisan": *artisan, "asset": *asset, "amount": *amount} {
		if strings.TrimSpace(value) == "" {
			fmt.Fprintf(os.Stderr, "--%s is required\n", name)
			return 1
		}
	}
	if *deadline == 0 {
		fmt.Fprintln(os.Stderr, "--deadline is required")
		return 1
	}
	params := []interface{}{map[string]interface{}{
		"client":   strings.TrimSpace(*client),
		"artisan":  strings.TrimSpace(*artisan),
		"asset":    strings.TrimSpace(*asset),
		"amount":   strings.TrimSpace(*amount),
		"deadline": *deadline,
	}}
	result, rpcErr, err := callRPC(rpcURL, auth, "escrow_initialize", params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		printRPCError(rpcErr)
		return 1
	}
	var created struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal(result, &created); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		return 1
	}
	fmt.Printf("Engagement initialized with id %d\n", created.ID)
	return 0
}

func runDepositCommand(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("deposit", flag.ExitOnError)
	id := fs.Uint64("id", 0, "engagement identifier")
	asset := fs.String("asset", "", "asset symbol")
	fs.Parse(args)
	if *id == 0 || strings.TrimSpace(*asset) == "" {
		fmt.Fprintln(os.Stderr, "--id and --asset are required")
		return 1
	}
	params := []interface{}{map[string]interface{}{"id": *id, "asset": strings.TrimSpace(*asset)}}
	_, rpcErr, err := callRPC(rpcURL, auth, "escrow_deposit", params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		printRPCError(rpcErr)
		return 1
	}
	fmt.Println("Deposit accepted; engagement is funded.")
	return 0
}

// runActionCommand drives release and reclaim. With --keystore the request is
// signed locally; otherwise --caller plus the bearer token is used.
func runActionCommand(rpcURL, auth, method string, args []string) int {
	fs := flag.NewFlagSet(strings.TrimPrefix(method, "escrow_"), flag.ExitOnError)
	id := fs.Uint64("id", 0, "engagement identifier")
	asset := fs.String("asset", "", "asset symbol")
	caller := fs.String("caller", "", "caller Bech32 address (trusted channel)")
	keystorePath := fs.String("keystore", "", "keystore file to sign the call with")
	fs.Parse(args)
	if *id == 0 || strings.TrimSpace(*asset) == "" {
		fmt.Fprintln(os.Stderr, "--id and --asset are required")
		return 1
	}
	payload := map[string]interface{}{"id": *id, "asset": strings.TrimSpace(*asset)}

	if strings.TrimSpace(*keystorePath) != "" {
		pass, err := passphrase.NewSource(keystorePassEnv).Get()
		if err != nil {
			fmt.Fprintf(os.Stderr, "resolve passphrase: %v\n", err)
			return 1
		}
		key, err := crypto.LoadFromKeystore(strings.TrimSpace(*keystorePath), pass)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load keystore: %v\n", err)
			return 1
		}
		ts := time.Now().Unix()
		digest := rpc.CallDigest(method, *id, strings.TrimSpace(*asset), ts)
		sig, err := key.Sign(digest)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sign request: %v\n", err)
			return 1
		}
		payload["timestamp"] = ts
		payload["signature"] = hex.EncodeToString(sig)
	} else {
		if strings.TrimSpace(*caller) == "" {
			fmt.Fprintln(os.Stderr, "either --keystore or --caller is required")
			return 1
		}
		payload["caller"] = strings.TrimSpace(*caller)
	}

	_, rpcErr, err := callRPC(rpcURL, auth, method, []interface{}{payload})
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		printRPCError(rpcErr)
		return 1
	}
	if method == "escrow_reclaim" {
		fmt.Println("Funds reclaimed to the client.")
	} else {
		fmt.Println("Funds released to the artisan.")
	}
	return 0
}

func runGetCommand(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	id := fs.Uint64("id", 0, "engagement identifier")
	fs.Parse(args)
	if *id == 0 {
		fmt.Fprintln(os.Stderr, "--id is required")
		return 1
	}
	result, rpcErr, err := callRPC(rpcURL, auth, "escrow_get", []interface{}{map[string]uint64{"id": *id}})
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		printRPCError(rpcErr)
		return 1
	}
	var snapshot escrowResult
	if err := json.Unmarshal(result, &snapshot); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		return 1
	}
	if err := printJSON(snapshot); err != nil {
		fmt.Fprintf(os.Stderr, "render response: %v\n", err)
		return 1
	}
	return 0
}

func runEventsCommand(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	after := fs.Uint64("after", 0, "only events with a sequence greater than this")
	fs.Parse(args)
	result, rpcErr, err := callRPC(rpcURL, auth, "escrow_events", []interface{}{map[string]uint64{"after": *after}})
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		printRPCError(rpcErr)
		return 1
	}
	var feed []eventResult
	if err := json.Unmarshal(result, &feed); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		return 1
	}
	if err := printJSON(feed); err != nil {
		fmt.Fprintf(os.Stderr, "render response: %v\n", err)
		return 1
	}
	return 0
}

func runBalanceCommand(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	address := fs.String("address", "", "account Bech32 address")
	asset := fs.String("asset", "", "asset symbol")
	fs.Parse(args)
	if strings.TrimSpace(*address) == "" || strings.TrimSpace(*asset) == "" {
		fmt.Fprintln(os.Stderr, "--address and --asset are required")
		return 1
	}
	params := []interface{}{map[string]string{"address": strings.TrimSpace(*address), "asset": strings.TrimSpace(*asset)}}
	result, rpcErr, err := callRPC(rpcURL, auth, "ledger_balance", params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		printRPCError(rpcErr)
		return 1
	}
	var balance struct {
		Address string `json:"address"`
		Asset   string `json:"asset"`
		Amount  string `json:"amount"`
	}
	if err := json.Unmarshal(result, &balance); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		return 1
	}
	fmt.Printf("%s %s: %s\n", balance.Address, balance.Asset, balance.Amount)
	return 0
}

func runRateCommand(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("rate", flag.ExitOnError)
	engagement := fs.Uint64("engagement", 0, "engagement identifier")
	rater := fs.String("rater", "", "rater Bech32 address")
	ratee := fs.String("ratee", "", "ratee Bech32 address")
	score := fs.Uint("score", 0, "score between 1 and 5")
	fs.Parse(args)
	if *engagement == 0 || strings.TrimSpace(*rater) == "" || strings.TrimSpace(*ratee) == "" || *score == 0 {
		fmt.Fprintln(os.Stderr, "--engagement, --rater, --ratee and --score are required")
		return 1
	}
	params := []interface{}{map[string]interface{}{
		"engagement": *engagement,
		"rater":      strings.TrimSpace(*rater),
		"ratee":      strings.TrimSpace(*ratee),
		"score":      *score,
	}}
	_, rpcErr, err := callRPC(rpcURL, auth, "reputation_submitRating", params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		printRPCError(rpcErr)
		return 1
	}
	fmt.Println("Rating submitted.")
	return 0
}

func runStatsCommand(rpcURL, auth string, args []string) int {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	address := fs.String("address", "", "account Bech32 address")
	fs.Parse(args)
	if strings.TrimSpace(*address) == "" {
		fmt.Fprintln(os.Stderr, "--address is required")
		return 1
	}
	params := []interface{}{map[string]string{"address": strings.TrimSpace(*address)}}
	result, rpcErr, err := callRPC(rpcURL, auth, "reputation_getStats", params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		printRPCError(rpcErr)
		return 1
	}
	var stats struct {
		Address         string `json:"address"`
		AverageTimes100 uint32 `json:"averageTimes100"`
		Count           uint32 `json:"count"`
	}
	if err := json.Unmarshal(result, &stats); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		return 1
	}
	fmt.Printf("%s: %d ratings, average %.2f\n", stats.Address, stats.Count, float64(stats.AverageTimes100)/100)
	return 0
}

func callRPC(rpcURL, authToken, method string, params []interface{}) (json.RawMessage, *rpcError, error) {
	if params == nil {
		params = []interface{}{}
	}
	reqBody := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: int(time.Now().UnixNano())}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, nil, err
	}
	httpReq, err := http.NewRequest(http.MethodPost, rpcURL, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(authToken) != "" {
		httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(authToken))
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rpcResp); err != nil {
		return nil, nil, err
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error, nil
	}
	return rpcResp.Result, nil, nil
}

func printRPCError(err *rpcError) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "RPC error (%d): %s\n", err.Code, err.Message)
	if len(err.Data) > 0 && string(err.Data) != "null" {
		fmt.Fprintf(os.Stderr, "Details: %s\n", strings.TrimSpace(string(err.Data)))
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func usage() string {
	return "escrow-cli usage:\n  escrow-cli [--rpc URL] [--auth TOKEN] <command> [options]\n\nCommands:\n  init --client A --artisan B --asset T --amount X --deadline TS\n  deposit --id N --asset T\n  release --id N --asset T (--keystore FILE | --caller A)\n  reclaim --id N --asset T (--keystore FILE | --caller A)\n  get --id N\n  events [--after SEQ]\n  balance --address A --asset T\n  rate --engagement N --rater A --ratee B --score S\n  stats --address A\n"
}
