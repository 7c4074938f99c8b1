// selfclaw-agent is the reference command-line agent for the selfclaw
// platform. It manages a local Ed25519 keypair and drives the verification,
// chain action, and marketplace flows against a running platform.
//
// Usage:
//
//	selfclaw-agent setup [--name "my-agent"]
//	selfclaw-agent verify-start --name "my-agent"
//	selfclaw-agent sign-challenge --session <id> --challenge <hex>
//	selfclaw-agent status --session <id>
//	selfclaw-agent wallet --address 0x... [--switch]
//	selfclaw-agent chain --kind gas|deploy-token|register-token|register-erc8004|sponsorship [--params '{...}']
//	selfclaw-agent confirm --kind <kind> --tx 0x... [--extra '{...}']
//	selfclaw-agent skills
//	selfclaw-agent publish --name "skill" --price <wei> [--description "..."]
//	selfclaw-agent purchase --skill <id>
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/selfclaw/selfclaw/internal/auth"
	"github.com/selfclaw/selfclaw/internal/keycodec"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		cmdSetup(os.Args[2:])
	case "verify-start":
		cmdVerifyStart(os.Args[2:])
	case "sign-challenge":
		cmdSignChallenge(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "wallet":
		cmdWallet(os.Args[2:])
	case "chain":
		cmdChain(os.Args[2:])
	case "confirm":
		cmdConfirm(os.Args[2:])
	case "skills":
		cmdSkills(os.Args[2:])
	case "publish":
		cmdPublish(os.Args[2:])
	case "purchase":
		cmdPurchase(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: selfclaw-agent <command> [flags]

Commands:
  setup           Generate (or show) the local agent keypair
  verify-start    Open a verification session
  sign-challenge  Self-sign a session challenge
  status          Poll a verification session
  wallet          Register or switch the on-chain wallet
  chain           Issue a chain action (gas, deploy-token, ...)
  confirm         Confirm an agent-signed chain action
  skills          List marketplace skills
  publish         Publish a skill listing
  purchase        Purchase a skill (opens a settlement)

Run 'selfclaw-agent <command> --help' for details on each command.
`)
}

// resolveDataDir returns the data directory, defaulting to ~/.selfclaw/agent.
func resolveDataDir(explicit string) string {
	if explicit != "" {
		return explicit
	}
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Cannot determine home directory: %v", err)
	}
	return filepath.Join(home, ".selfclaw", "agent")
}

func ensureDataDir(explicit string) string {
	dir := resolveDataDir(explicit)
	if err := os.MkdirAll(dir, 0700); err != nil {
		log.Fatalf("Create data directory: %v", err)
	}
	return dir
}

// loadOrGenerateKeypair loads the Ed25519 keypair from disk, or generates a
// new one. The seed (32 bytes) is stored at keyPath.
func loadOrGenerateKeypair(keyPath string) (ed25519.PublicKey, ed25519.PrivateKey) {
	data, err := os.ReadFile(keyPath)
	if err == nil && len(data) == ed25519.SeedSize {
		priv := ed25519.NewKeyFromSeed(data)
		return priv.Public().(ed25519.PublicKey), priv
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		log.Fatalf("Generate keypair: %v", err)
	}
	if err := os.WriteFile(keyPath, priv.Seed(), 0600); err != nil {
		log.Fatalf("Write keypair: %v", err)
	}
	return pub, priv
}

// client bundles the platform URL and the local keypair for signed calls.
type client struct {
	baseURL string
	pub     ed25519.PublicKey
	priv    ed25519.PrivateKey
	http    *http.Client
}

func newClient(baseURL, dataDir string) *client {
	dir := ensureDataDir(dataDir)
	pub, priv := loadOrGenerateKeypair(filepath.Join(dir, "agent.key"))
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		pub:     pub,
		priv:    priv,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// post sends a signed request: the envelope fields are merged into the
// payload object and the whole body is POSTed as one JSON object.
func (c *client) post(path string, payload map[string]any) []byte {
	env := auth.Envelope{
		AgentPublicKey: keycodec.Canonical(c.pub),
		Timestamp:      time.Now().UnixMilli(),
		Nonce:          uuid.New().String(),
	}
	env.Signature = auth.Sign(c.priv, env)

	body := map[string]any{
		"agentPublicKey": env.AgentPublicKey,
		"signature":      env.Signature,
		"timestamp":      env.Timestamp,
		"nonce":          env.Nonce,
	}
	for k, v := range payload {
		body[k] = v
	}

	data, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("Marshal request: %v", err)
	}

	resp, err := c.http.Post(c.baseURL+path, "application/json", strings.NewReader(string(data)))
	if err != nil {
		log.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("POST %s: %d %s", path, resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return out
}

func (c *client) get(path string) []byte {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		log.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("GET %s: %d %s", path, resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return out
}

func printJSON(data []byte) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Println(string(data))
		return
	}
	pretty, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(pretty))
}

// commonFlags registers the flags every command shares.
func commonFlags(fs *flag.FlagSet) (url, dataDir *string) {
	url = fs.String("url", envOr("SELFCLAW_URL", "http://localhost:8080"), "platform base URL")
	dataDir = fs.String("data-dir", "", "data directory (default ~/.selfclaw/agent)")
	return
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func cmdSetup(args []string) {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	_, dataDir := commonFlags(fs)
	fs.Parse(args)

	dir := ensureDataDir(*dataDir)
	pub, _ := loadOrGenerateKeypair(filepath.Join(dir, "agent.key"))

	fmt.Printf("Agent identity\n")
	fmt.Printf("  Public Key:  %s\n", keycodec.Canonical(pub))
	fmt.Printf("  Fingerprint: %s\n", keycodec.Fingerprint(pub))
	fmt.Printf("  Key file:    %s\n", filepath.Join(dir, "agent.key"))
}

func cmdVerifyStart(args []string) {
	fs := flag.NewFlagSet("verify-start", flag.ExitOnError)
	url, dataDir := commonFlags(fs)
	name := fs.String("name", "", "agent display name")
	fs.Parse(args)

	c := newClient(*url, *dataDir)
	out := c.post("/api/verification/start", map[string]any{"name": *name})
	printJSON(out)
}

func cmdSignChallenge(args []string) {
	fs := flag.NewFlagSet("sign-challenge", flag.ExitOnError)
	url, dataDir := commonFlags(fs)
	session := fs.String("session", "", "verification session id (required)")
	challenge := fs.String("challenge", "", "challenge string from verify-start (required)")
	fs.Parse(args)

	if *session == "" || *challenge == "" {
		fmt.Fprintf(os.Stderr, "Error: --session and --challenge are required\n")
		fs.Usage()
		os.Exit(1)
	}

	c := newClient(*url, *dataDir)
	sig := ed25519.Sign(c.priv, []byte(*challenge))
	out := c.post("/api/verification/"+*session+"/sign-challenge", map[string]any{
		"challengeSignature": hex.EncodeToString(sig),
	})
	printJSON(out)
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	url, dataDir := commonFlags(fs)
	session := fs.String("session", "", "verification session id (required)")
	fs.Parse(args)

	if *session == "" {
		fmt.Fprintf(os.Stderr, "Error: --session is required\n")
		fs.Usage()
		os.Exit(1)
	}

	c := newClient(*url, *dataDir)
	printJSON(c.get("/api/verification/" + *session))
}

func cmdWallet(args []string) {
	fs := flag.NewFlagSet("wallet", flag.ExitOnError)
	url, dataDir := commonFlags(fs)
	address := fs.String("address", "", "wallet address (required)")
	doSwitch := fs.Bool("switch", false, "replace the existing wallet")
	fs.Parse(args)

	if *address == "" {
		fmt.Fprintf(os.Stderr, "Error: --address is required\n")
		fs.Usage()
		os.Exit(1)
	}

	path := "/api/wallet"
	if *doSwitch {
		path = "/api/wallet/switch"
	}
	c := newClient(*url, *dataDir)
	printJSON(c.post(path, map[string]any{"address": *address}))
}

func cmdChain(args []string) {
	fs := flag.NewFlagSet("chain", flag.ExitOnError)
	url, dataDir := commonFlags(fs)
	kind := fs.String("kind", "", "action kind (required)")
	params := fs.String("params", "", "kind-specific parameters as JSON")
	fs.Parse(args)

	if *kind == "" {
		fmt.Fprintf(os.Stderr, "Error: --kind is required\n")
		fs.Usage()
		os.Exit(1)
	}

	payload := map[string]any{}
	if *params != "" {
		if err := json.Unmarshal([]byte(*params), &payload); err != nil {
			log.Fatalf("Parse --params: %v", err)
		}
	}

	c := newClient(*url, *dataDir)
	printJSON(c.post("/api/chain/"+*kind, payload))
}

func cmdConfirm(args []string) {
	fs := flag.NewFlagSet("confirm", flag.ExitOnError)
	url, dataDir := commonFlags(fs)
	kind := fs.String("kind", "", "action kind (required)")
	tx := fs.String("tx", "", "broadcast transaction hash (required)")
	extra := fs.String("extra", "", "kind-specific results as JSON")
	fs.Parse(args)

	if *kind == "" || *tx == "" {
		fmt.Fprintf(os.Stderr, "Error: --kind and --tx are required\n")
		fs.Usage()
		os.Exit(1)
	}

	payload := map[string]any{"kind": *kind, "txHash": *tx}
	if *extra != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(*extra), &m); err != nil {
			log.Fatalf("Parse --extra: %v", err)
		}
		payload["extra"] = m
	}

	c := newClient(*url, *dataDir)
	printJSON(c.post("/api/chain/confirm", payload))
}

func cmdSkills(args []string) {
	fs := flag.NewFlagSet("skills", flag.ExitOnError)
	url, dataDir := commonFlags(fs)
	fs.Parse(args)

	c := newClient(*url, *dataDir)
	printJSON(c.get("/api/skills"))
}

func cmdPublish(args []string) {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	url, dataDir := commonFlags(fs)
	name := fs.String("name", "", "skill name (required)")
	price := fs.String("price", "", "price in wei (required)")
	description := fs.String("description", "", "skill description")
	fs.Parse(args)

	if *name == "" || *price == "" {
		fmt.Fprintf(os.Stderr, "Error: --name and --price are required\n")
		fs.Usage()
		os.Exit(1)
	}

	c := newClient(*url, *dataDir)
	printJSON(c.post("/api/skills", map[string]any{
		"name":        *name,
		"price":       *price,
		"description": *description,
	}))
}

func cmdPurchase(args []string) {
	fs := flag.NewFlagSet("purchase", flag.ExitOnError)
	url, dataDir := commonFlags(fs)
	skill := fs.String("skill", "", "skill id (required)")
	fs.Parse(args)

	if *skill == "" {
		fmt.Fprintf(os.Stderr, "Error: --skill is required\n")
		fs.Usage()
		os.Exit(1)
	}

	c := newClient(*url, *dataDir)
	printJSON(c.post("/api/skills/"+*skill+"/purchase", map[string]any{}))
}
